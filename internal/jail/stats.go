package jail

import "time"

// TickHistory is the number of tick summaries retained.
const TickHistory = 20

// TickStat summarises one reconciliation tick.
type TickStat struct {
	At       time.Time      `json:"at"`
	Duration time.Duration  `json:"duration_ns"`
	Tracked  int            `json:"tracked"` // IPs with live counters across all jails
	PerJail  map[string]int `json:"per_jail"`
	Banned   int            `json:"banned"`
	Unbanned int            `json:"unbanned"`
	Failures int            `json:"failures"`
}

// tickRing keeps the most recent TickHistory entries, evicting the oldest.
type tickRing struct {
	buf   [TickHistory]TickStat
	start int
	n     int
}

func (r *tickRing) push(s TickStat) {
	if r.n < TickHistory {
		r.buf[(r.start+r.n)%TickHistory] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % TickHistory
}

// list returns the entries oldest first.
func (r *tickRing) list() []TickStat {
	out := make([]TickStat, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%TickHistory]
	}
	return out
}
