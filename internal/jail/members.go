package jail

import "sort"

// Members records which IPs are banned in which jail and since when
// (unix seconds). Jails touched since the last flush are tracked as dirty.
// It performs no locking of its own.
type Members struct {
	byJail map[string]map[string]int64
	dirty  map[string]struct{}
}

// NewMembers returns an empty Members table.
func NewMembers() *Members {
	return &Members{
		byJail: make(map[string]map[string]int64),
		dirty:  make(map[string]struct{}),
	}
}

// Load replaces the table with persisted contents. Nothing is marked dirty.
func (m *Members) Load(data map[string]map[string]int64) {
	m.byJail = make(map[string]map[string]int64, len(data))
	for jail, ips := range data {
		cp := make(map[string]int64, len(ips))
		for ip, at := range ips {
			cp[ip] = at
		}
		m.byJail[jail] = cp
	}
	m.dirty = make(map[string]struct{})
}

// IsMember reports whether ip is banned in jail.
func (m *Members) IsMember(jail, ip string) bool {
	_, ok := m.byJail[jail][ip]
	return ok
}

// BannedAt returns the ban time of ip in jail.
func (m *Members) BannedAt(jail, ip string) (int64, bool) {
	at, ok := m.byJail[jail][ip]
	return at, ok
}

// Add records a ban. An existing ban keeps its original timestamp and Add
// reports false.
func (m *Members) Add(jail, ip string, at int64) bool {
	ips, ok := m.byJail[jail]
	if !ok {
		ips = make(map[string]int64)
		m.byJail[jail] = ips
	}
	if _, exists := ips[ip]; exists {
		return false
	}
	ips[ip] = at
	m.dirty[jail] = struct{}{}
	return true
}

// Remove clears a ban and reports whether one existed.
func (m *Members) Remove(jail, ip string) bool {
	ips, ok := m.byJail[jail]
	if !ok {
		return false
	}
	if _, exists := ips[ip]; !exists {
		return false
	}
	delete(ips, ip)
	m.dirty[jail] = struct{}{}
	return true
}

// Expired returns the members of jail banned for at least expire seconds as
// of now, sorted. An expire of zero never expires anybody.
func (m *Members) Expired(jail string, expire, now int64) []string {
	if expire <= 0 {
		return nil
	}
	var out []string
	for ip, at := range m.byJail[jail] {
		if now-at >= expire {
			out = append(out, ip)
		}
	}
	sort.Strings(out)
	return out
}

// List returns the members of jail, sorted.
func (m *Members) List(jail string) []string {
	ips := make([]string, 0, len(m.byJail[jail]))
	for ip := range m.byJail[jail] {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// Count returns the number of members in jail.
func (m *Members) Count(jail string) int {
	return len(m.byJail[jail])
}

// Jails returns every jail that has a member table, sorted.
func (m *Members) Jails() []string {
	names := make([]string, 0, len(m.byJail))
	for name := range m.byJail {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Copy returns a deep copy of one jail's members.
func (m *Members) Copy(jail string) map[string]int64 {
	ips := m.byJail[jail]
	cp := make(map[string]int64, len(ips))
	for ip, at := range ips {
		cp[ip] = at
	}
	return cp
}

// takeDirty returns copies of all dirty jails and clears the dirty set.
func (m *Members) takeDirty() map[string]map[string]int64 {
	if len(m.dirty) == 0 {
		return nil
	}
	out := make(map[string]map[string]int64, len(m.dirty))
	for jail := range m.dirty {
		out[jail] = m.Copy(jail)
	}
	m.dirty = make(map[string]struct{})
	return out
}

// markDirty re-flags jails after a failed flush.
func (m *Members) markDirty(jails map[string]map[string]int64) {
	for jail := range jails {
		m.dirty[jail] = struct{}{}
	}
}
