package daemon

import (
	"context"
	"time"

	"github.com/developingchet/actionban/internal/jail"
	"github.com/developingchet/actionban/internal/metrics"
	"github.com/developingchet/actionban/internal/storage"
	"github.com/rs/zerolog"
)

// Janitor performs periodic housekeeping: updating gauges.
type Janitor struct {
	store    storage.Store
	state    *jail.State
	interval time.Duration
	log      zerolog.Logger
}

// NewJanitor creates a Janitor.
func NewJanitor(store storage.Store, state *jail.State, interval time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:    store,
		state:    state,
		interval: interval,
		log:      log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	members := j.state.Members()
	total := 0
	for name, ips := range members {
		metrics.ActiveMembers.WithLabelValues(name).Set(float64(len(ips)))
		total += len(ips)
	}
	// Jails whose last member was removed drop to zero.
	for _, name := range j.state.Jails() {
		if _, ok := members[name]; !ok {
			metrics.ActiveMembers.WithLabelValues(name).Set(0)
		}
	}

	j.log.Debug().Int("members", total).Bool("degraded", j.state.Degraded()).Msg("janitor: tick complete")
}
