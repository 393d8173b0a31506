package storage

import (
	"fmt"
	"time"
)

// JailRecord is the persisted configuration of one jail.
type JailRecord struct {
	Volume    int64
	Burst     int64
	Expire    int64
	UpdatedAt time.Time
}

// Batch is a set of changes written in a single transaction. Each entry in
// Members replaces the whole member table of that jail.
type Batch struct {
	Jails   map[string]JailRecord
	Members map[string]map[string]int64 // jail -> ip -> banned_at (unix seconds)
}

// Empty reports whether the batch carries no changes.
func (b Batch) Empty() bool {
	return len(b.Jails) == 0 && len(b.Members) == 0
}

// Store is the durable side of jail configuration and membership.
type Store interface {
	LoadJails() (map[string]JailRecord, error)
	LoadMembers() (map[string]map[string]int64, error)
	Commit(b Batch) error

	// Utility
	SizeBytes() (int64, error)
	Close() error
}

// PersistenceError wraps a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
