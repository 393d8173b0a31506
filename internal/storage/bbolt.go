package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketJails   = "jails"
	bucketMembers = "members"
)

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/actionban.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "actionban.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketJails, bucketMembers} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

func (s *bboltStore) LoadJails() (map[string]JailRecord, error) {
	result := make(map[string]JailRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketJails)).ForEach(func(k, v []byte) error {
			var rec JailRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal JailRecord for %s: %w", k, err)
			}
			result[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, &PersistenceError{Op: "load jails", Err: err}
	}
	return result, nil
}

func (s *bboltStore) LoadMembers() (map[string]map[string]int64, error) {
	result := make(map[string]map[string]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMembers)).ForEach(func(k, v []byte) error {
			var ips map[string]int64
			if err := msgpack.Unmarshal(v, &ips); err != nil {
				return fmt.Errorf("unmarshal members for %s: %w", k, err)
			}
			if ips == nil {
				ips = make(map[string]int64)
			}
			result[string(k)] = ips
			return nil
		})
	})
	if err != nil {
		return nil, &PersistenceError{Op: "load members", Err: err}
	}
	return result, nil
}

// Commit writes the whole batch in one transaction.
func (s *bboltStore) Commit(b Batch) error {
	if b.Empty() {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		jails := tx.Bucket([]byte(bucketJails))
		for name, rec := range b.Jails {
			data, err := msgpack.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal JailRecord %s: %w", name, err)
			}
			if err := jails.Put([]byte(name), data); err != nil {
				return err
			}
		}
		members := tx.Bucket([]byte(bucketMembers))
		for name, ips := range b.Members {
			data, err := msgpack.Marshal(ips)
			if err != nil {
				return fmt.Errorf("marshal members %s: %w", name, err)
			}
			if err := members.Put([]byte(name), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
