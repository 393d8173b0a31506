package testutil

import (
	"sync"

	"github.com/developingchet/actionban/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu      sync.Mutex
	jails   map[string]storage.JailRecord
	members map[string]map[string]int64
	commits int

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
	// Sticky errors are returned on every call until cleared.
	sticky map[string]error

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		jails:   make(map[string]storage.JailRecord),
		members: make(map[string]map[string]int64),
		errors:  make(map[string]error),
		sticky:  make(map[string]error),
		Size:    1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetStickyError makes every call to the named method fail with err until
// it is cleared with a nil err.
func (m *MockStore) SetStickyError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sticky, method)
		return
	}
	m.sticky[method] = err
}

func (m *MockStore) popError(method string) error {
	if err, ok := m.sticky[method]; ok {
		return err
	}
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// Seed preloads persisted state as if written by an earlier process.
func (m *MockStore) Seed(jails map[string]storage.JailRecord, members map[string]map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range jails {
		m.jails[k] = v
	}
	for k, v := range members {
		m.members[k] = copyIPs(v)
	}
}

// Commits returns the number of successful Commit calls.
func (m *MockStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Member returns the persisted banned_at for (jail, ip).
func (m *MockStore) Member(jail, ip string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.members[jail][ip]
	return at, ok
}

// Jail returns the persisted configuration of a jail.
func (m *MockStore) Jail(name string) (storage.JailRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jails[name]
	return rec, ok
}

func (m *MockStore) LoadJails() (map[string]storage.JailRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("LoadJails"); err != nil {
		return nil, err
	}
	result := make(map[string]storage.JailRecord, len(m.jails))
	for k, v := range m.jails {
		result[k] = v
	}
	return result, nil
}

func (m *MockStore) LoadMembers() (map[string]map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("LoadMembers"); err != nil {
		return nil, err
	}
	result := make(map[string]map[string]int64, len(m.members))
	for k, v := range m.members {
		result[k] = copyIPs(v)
	}
	return result, nil
}

func (m *MockStore) Commit(b storage.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Commit"); err != nil {
		return &storage.PersistenceError{Op: "commit", Err: err}
	}
	for k, v := range b.Jails {
		m.jails[k] = v
	}
	for k, v := range b.Members {
		m.members[k] = copyIPs(v)
	}
	m.commits++
	return nil
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error {
	return nil
}

func copyIPs(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
