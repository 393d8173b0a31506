package jail

// CounterView is a read-only view of one IP's counter.
type CounterView struct {
	Sum    int64 `json:"sum"`
	Latest int64 `json:"latest"`
}

// JailView is a read-only view of one jail.
type JailView struct {
	Name     string                 `json:"name"`
	Volume   int64                  `json:"volume_threshold"`
	Burst    int64                  `json:"burst_threshold"`
	Expire   int64                  `json:"expire_seconds"`
	Counters map[string]CounterView `json:"counters"`
	Members  map[string]int64       `json:"members"`
	Pending  []string               `json:"pending,omitempty"`
}

// Snapshot is a consistent copy of State for presentation code.
type Snapshot struct {
	Jails            []JailView `json:"jails"`
	Actions          []int64    `json:"actions"`
	ActionsSum       int64      `json:"actions_sum"`
	Ticks            []TickStat `json:"ticks"`
	Degraded         bool       `json:"degraded"`
	PersistFailures  int        `json:"persist_failures"`
	LastPersistError string     `json:"last_persist_error,omitempty"`
}

// Snapshot copies the state under a read lock.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Actions:          s.actions.Slices(),
		ActionsSum:       s.actions.Sum(),
		Ticks:            s.ticks.list(),
		Degraded:         s.degradedLocked(),
		PersistFailures:  s.persistFailures,
		LastPersistError: s.lastPersistErr,
	}

	seen := make(map[string]bool)
	for _, name := range s.registry.Names() {
		seen[name] = true
		cfg, _ := s.registry.Config(name)
		view := JailView{
			Name:     name,
			Volume:   cfg.Volume,
			Burst:    cfg.Burst,
			Expire:   cfg.Expire,
			Counters: make(map[string]CounterView),
			Members:  s.members.Copy(name),
			Pending:  s.pendingLocked(name),
		}
		if len(view.Pending) == 0 {
			view.Pending = nil
		}
		for ip, cnt := range s.registry.jails[name].counters {
			view.Counters[ip] = CounterView{Sum: cnt.Sum(), Latest: cnt.Latest()}
		}
		snap.Jails = append(snap.Jails, view)
	}
	// Members persisted for a jail whose config is gone.
	for _, name := range s.members.Jails() {
		if seen[name] {
			continue
		}
		snap.Jails = append(snap.Jails, JailView{
			Name:     name,
			Counters: map[string]CounterView{},
			Members:  s.members.Copy(name),
		})
	}
	return snap
}
