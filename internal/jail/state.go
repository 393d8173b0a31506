package jail

import (
	"sort"
	"sync"
	"time"

	"github.com/developingchet/actionban/internal/storage"
)

// Plan is the outcome of one jail pass: IPs owed a ban, and members whose ban
// has run out. Nothing in a Plan has been applied to membership yet.
type Plan struct {
	Jail    string
	Config  Config
	NewBans []string // sorted
	Expired []string
	Tracked int // live counters after decay
}

// Options tunes State.
type Options struct {
	// DegradedAfter is the number of consecutive persist failures after which
	// the state reports itself degraded. Zero disables the signal.
	DegradedAfter int
}

// State is the process-wide jail state: registry, membership and stats
// behind a single lock. The listener and the ticker are its only writers;
// read accessors return copies.
type State struct {
	mu         sync.RWMutex
	registry   *Registry
	members    *Members
	dirtyJails map[string]struct{}
	pending    map[string]map[string]struct{} // owed bans not yet confirmed
	actions    *Counter
	ticks      tickRing

	persistMu       sync.Mutex
	store           storage.Store
	degradedAfter   int
	persistFailures int
	lastPersistErr  string
}

// NewState returns an empty State persisted through store.
func NewState(store storage.Store, opts Options) *State {
	return &State{
		registry:      NewRegistry(),
		members:       NewMembers(),
		dirtyJails:    make(map[string]struct{}),
		pending:       make(map[string]map[string]struct{}),
		actions:       NewCounter(),
		store:         store,
		degradedAfter: opts.DegradedAfter,
	}
}

// Load replaces jail configuration and membership with the persisted copy.
func (s *State) Load() error {
	jails, err := s.store.LoadJails()
	if err != nil {
		return err
	}
	members, err := s.store.LoadMembers()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = NewRegistry()
	for name, rec := range jails {
		cfg := Config{Name: name, Volume: rec.Volume, Burst: rec.Burst, Expire: rec.Expire}
		if _, err := s.registry.UpsertJail(cfg); err != nil {
			return err
		}
	}
	s.members.Load(members)
	s.dirtyJails = make(map[string]struct{})
	s.pending = make(map[string]map[string]struct{})
	return nil
}

// RecordAction counts amount events for ip in the jail named by cfg,
// creating the jail from cfg if it does not exist yet. The result reports a
// threshold crossing for an IP that is not already banned; the ticker makes
// the authoritative decision.
func (s *State) RecordAction(cfg Config, ip string, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hot, created, err := s.registry.RecordAction(cfg, ip, amount)
	if err != nil {
		return false, err
	}
	if created {
		s.dirtyJails[cfg.Name] = struct{}{}
	}
	_ = s.actions.Increment(1)
	return hot && !s.members.IsMember(cfg.Name, ip), nil
}

// UpsertJail creates or overwrites a jail's configuration.
func (s *State) UpsertJail(cfg Config) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created, err := s.registry.UpsertJail(cfg)
	if err != nil {
		return false, err
	}
	s.dirtyJails[cfg.Name] = struct{}{}
	return created, nil
}

// Jails returns the names of all configured jails.
func (s *State) Jails() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Names()
}

// Config returns the configuration of a jail.
func (s *State) Config(jail string) (Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Config(jail)
}

// Pass decays every counter of the jail and returns what the ticker has to
// enforce. Breaches are judged on the counters as they were before decay.
// A breaching IP stays owed, and is returned by every Pass, until AddMember
// confirms its ban, even after its counter has decayed below the threshold.
func (s *State) Pass(jail string, now time.Time) Plan {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, _ := s.registry.Config(jail)
	plan := Plan{Jail: jail, Config: cfg}
	owed := s.pending[jail]
	for _, ev := range s.registry.DecayAndCollect(jail) {
		if ev.Breach && !s.members.IsMember(jail, ev.IP) {
			if owed == nil {
				owed = make(map[string]struct{})
				s.pending[jail] = owed
			}
			owed[ev.IP] = struct{}{}
		}
	}
	for ip := range owed {
		if s.members.IsMember(jail, ip) {
			delete(owed, ip)
			continue
		}
		plan.NewBans = append(plan.NewBans, ip)
	}
	if len(owed) == 0 {
		delete(s.pending, jail)
	}
	sort.Strings(plan.NewBans)
	plan.Expired = s.members.Expired(jail, cfg.Expire, now.Unix())
	plan.Tracked = s.registry.Tracked(jail)
	return plan
}

// ExpiredMembers returns members of jail whose ban has run out at now,
// according to the jail's current expiry.
func (s *State) ExpiredMembers(jail string, now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.registry.Config(jail)
	if !ok {
		return nil
	}
	return s.members.Expired(jail, cfg.Expire, now.Unix())
}

// AddMember records a confirmed ban and settles any owed ban for ip. It is a
// no-op for existing members.
func (s *State) AddMember(jail, ip string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owed := s.pending[jail]; owed != nil {
		delete(owed, ip)
		if len(owed) == 0 {
			delete(s.pending, jail)
		}
	}
	return s.members.Add(jail, ip, at.Unix())
}

// Pending returns the IPs of jail owed a ban, sorted.
func (s *State) Pending(jail string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingLocked(jail)
}

func (s *State) pendingLocked(jail string) []string {
	ips := make([]string, 0, len(s.pending[jail]))
	for ip := range s.pending[jail] {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// RemoveMember clears a ban.
func (s *State) RemoveMember(jail, ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members.Remove(jail, ip)
}

// IsMember reports whether ip is banned in jail.
func (s *State) IsMember(jail, ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members.IsMember(jail, ip)
}

// BannedAt returns when ip was banned in jail.
func (s *State) BannedAt(jail, ip string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.members.BannedAt(jail, ip)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(at, 0), true
}

// Members returns a copy of every jail's member list.
func (s *State) Members() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string)
	for _, jail := range s.members.Jails() {
		if ips := s.members.List(jail); len(ips) > 0 {
			out[jail] = ips
		}
	}
	return out
}

// AdvanceStats ticks the process-wide action counter and records a tick.
func (s *State) AdvanceStats(stat TickStat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions.Tick()
	s.ticks.push(stat)
}

// Persist flushes changed jail configs and member tables in one batch.
// On failure the changes stay pending and are retried by the next call.
func (s *State) Persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	batch := storage.Batch{Members: s.members.takeDirty()}
	if len(s.dirtyJails) > 0 {
		batch.Jails = make(map[string]storage.JailRecord, len(s.dirtyJails))
		now := time.Now().UTC()
		for name := range s.dirtyJails {
			if cfg, ok := s.registry.Config(name); ok {
				batch.Jails[name] = storage.JailRecord{
					Volume: cfg.Volume, Burst: cfg.Burst, Expire: cfg.Expire, UpdatedAt: now,
				}
			}
		}
		s.dirtyJails = make(map[string]struct{})
	}
	s.mu.Unlock()

	if batch.Empty() {
		s.setPersistResult(nil)
		return nil
	}

	err := s.store.Commit(batch)
	if err != nil {
		s.mu.Lock()
		s.members.markDirty(batch.Members)
		for name := range batch.Jails {
			s.dirtyJails[name] = struct{}{}
		}
		s.mu.Unlock()
	}
	s.setPersistResult(err)
	return err
}

func (s *State) setPersistResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.persistFailures = 0
		s.lastPersistErr = ""
		return
	}
	s.persistFailures++
	s.lastPersistErr = err.Error()
}

// Degraded reports whether persistence has failed DegradedAfter times in a row.
func (s *State) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degradedLocked()
}

func (s *State) degradedLocked() bool {
	return s.degradedAfter > 0 && s.persistFailures >= s.degradedAfter
}
