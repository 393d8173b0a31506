package jail

import (
	"fmt"
	"math"
	"sort"
)

// Config is the policy of one jail. Volume is the trailing-window threshold,
// Burst the single-second threshold. A zero threshold disables that check;
// a zero Expire means bans never expire.
type Config struct {
	Name   string
	Volume int64
	Burst  int64
	Expire int64 // seconds
}

// Validate rejects negative thresholds.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty jail name", ErrInvalidArgument)
	}
	if c.Volume < 0 || c.Burst < 0 || c.Expire < 0 {
		return fmt.Errorf("%w: jail %q thresholds must be non-negative (volume=%d burst=%d expire=%d)",
			ErrInvalidArgument, c.Name, c.Volume, c.Burst, c.Expire)
	}
	return nil
}

// Breached reports whether the counter crosses either threshold.
func (c Config) Breached(cnt *Counter) bool {
	if c.Burst > 0 && cnt.Latest() >= c.Burst {
		return true
	}
	return c.Volume > 0 && cnt.Sum() >= c.Volume
}

// Evaluation is the pre-decay verdict for one tracked IP.
type Evaluation struct {
	IP     string
	Breach bool
}

type entry struct {
	cfg      Config
	counters map[string]*Counter
}

// Registry holds jail configuration and the per-IP counters of every jail.
// It performs no locking of its own.
type Registry struct {
	jails map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{jails: make(map[string]*entry)}
}

// UpsertJail creates the jail or overwrites its thresholds. Existing
// counters are kept. It reports whether the jail was created.
func (r *Registry) UpsertJail(cfg Config) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	if e, ok := r.jails[cfg.Name]; ok {
		e.cfg = cfg
		return false, nil
	}
	r.jails[cfg.Name] = &entry{cfg: cfg, counters: make(map[string]*Counter)}
	return true, nil
}

// RecordAction adds amount to the (jail, ip) counter. If the jail is unknown
// it is created from defaults; an existing jail keeps its configuration.
// The returned hot flag reports whether the counter now crosses a threshold.
func (r *Registry) RecordAction(defaults Config, ip string, amount int64) (hot, created bool, err error) {
	if amount < 0 {
		return false, false, fmt.Errorf("%w: amount %d is negative", ErrInvalidArgument, amount)
	}
	if cnt := r.Counter(defaults.Name, ip); cnt != nil && amount > math.MaxInt64-cnt.Sum() {
		return false, false, fmt.Errorf("%w: amount %d overflows window sum %d", ErrInvalidArgument, amount, cnt.Sum())
	}
	e, ok := r.jails[defaults.Name]
	if !ok {
		if created, err = r.UpsertJail(defaults); err != nil {
			return false, false, err
		}
		e = r.jails[defaults.Name]
	}
	if amount == 0 {
		return false, created, nil
	}
	cnt, ok := e.counters[ip]
	if !ok {
		cnt = NewCounter()
		e.counters[ip] = cnt
	}
	if err := cnt.Increment(amount); err != nil {
		return false, created, err
	}
	return e.cfg.Breached(cnt), created, nil
}

// DecayAndCollect evaluates every tracked IP of the jail, then ticks its
// counter. Verdicts reflect the state before this tick's decay. Counters
// that reach zero are dropped.
func (r *Registry) DecayAndCollect(jail string) []Evaluation {
	e, ok := r.jails[jail]
	if !ok {
		return nil
	}
	out := make([]Evaluation, 0, len(e.counters))
	var idle []string
	for ip, cnt := range e.counters {
		out = append(out, Evaluation{IP: ip, Breach: e.cfg.Breached(cnt)})
		cnt.Tick()
		if cnt.Sum() == 0 {
			idle = append(idle, ip)
		}
	}
	for _, ip := range idle {
		delete(e.counters, ip)
	}
	return out
}

// Config returns the configuration of a jail.
func (r *Registry) Config(jail string) (Config, bool) {
	e, ok := r.jails[jail]
	if !ok {
		return Config{}, false
	}
	return e.cfg, true
}

// Names returns all jail names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jails))
	for name := range r.jails {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tracked returns the number of IPs with a live counter in the jail.
func (r *Registry) Tracked(jail string) int {
	if e, ok := r.jails[jail]; ok {
		return len(e.counters)
	}
	return 0
}

// Counter returns the live counter for (jail, ip), or nil.
func (r *Registry) Counter(jail, ip string) *Counter {
	if e, ok := r.jails[jail]; ok {
		return e.counters[ip]
	}
	return nil
}
