package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/developingchet/actionban/internal/enforcer"
)

// MockEnforcer implements enforcer.Enforcer in memory for testing.
// All methods are safe for concurrent use.
type MockEnforcer struct {
	mu sync.Mutex

	// ensured jails and banned IPs per jail, as the firewall would hold them
	ensured map[string]bool
	banned  map[string]map[string]bool

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
	// Per-IP errors returned on every Ban/Unban of that IP until cleared
	ipErrors map[string]error

	// Call counts per method
	calls map[string]int

	// block, when set, makes every call wait for ctx or the channel to close
	block chan struct{}
}

// NewMockEnforcer returns a zero-state MockEnforcer ready for use.
func NewMockEnforcer() *MockEnforcer {
	return &MockEnforcer{
		ensured:  make(map[string]bool),
		banned:   make(map[string]map[string]bool),
		errors:   make(map[string]error),
		ipErrors: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockEnforcer) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetIPError makes every Ban and Unban of ip fail with err. A nil err clears it.
func (m *MockEnforcer) SetIPError(ip string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.ipErrors, ip)
		return
	}
	m.ipErrors[ip] = err
}

// Block makes subsequent calls hang until their context is done or the
// returned release function is called.
func (m *MockEnforcer) Block() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.block = ch
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.block = nil
			m.mu.Unlock()
			close(ch)
		})
	}
}

// CallCount returns how many times the named method was called.
func (m *MockEnforcer) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Ensured reports whether EnsureJail succeeded for jail.
func (m *MockEnforcer) Ensured(jail string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensured[jail]
}

// Banned returns the sorted IPs currently banned in jail.
func (m *MockEnforcer) Banned(jail string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.banned[jail]))
	for ip := range m.banned[jail] {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// EnsureJail records that the jail's sets exist.
func (m *MockEnforcer) EnsureJail(ctx context.Context, jail string) error {
	if err := m.enter(ctx, "EnsureJail", ""); err != nil {
		return &enforcer.EnforcementError{Op: "ensure", Jail: jail, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured[jail] = true
	return nil
}

// Ban adds ip to jail.
func (m *MockEnforcer) Ban(ctx context.Context, jail, ip string) error {
	if err := m.enter(ctx, "Ban", ip); err != nil {
		return &enforcer.EnforcementError{Op: "ban", Jail: jail, IP: ip, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.banned[jail] == nil {
		m.banned[jail] = make(map[string]bool)
	}
	m.banned[jail][ip] = true
	return nil
}

// Unban removes ip from jail. Removing an absent IP succeeds.
func (m *MockEnforcer) Unban(ctx context.Context, jail, ip string) error {
	if err := m.enter(ctx, "Unban", ip); err != nil {
		return &enforcer.EnforcementError{Op: "unban", Jail: jail, IP: ip, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.banned[jail], ip)
	return nil
}

func (m *MockEnforcer) enter(ctx context.Context, method, ip string) error {
	m.mu.Lock()
	m.calls[method]++
	block := m.block
	err := m.errors[method]
	delete(m.errors, method)
	if err == nil && ip != "" {
		err = m.ipErrors[ip]
	}
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

var _ enforcer.Enforcer = (*MockEnforcer)(nil)
