package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/developingchet/actionban/internal/enforcer"
	"github.com/developingchet/actionban/internal/jail"
	"github.com/developingchet/actionban/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds ticker configuration.
type Config struct {
	Interval       time.Duration
	EnforceTimeout time.Duration
	Concurrency    int
}

// Ticker advances every rolling window once per interval, bans IPs that
// crossed a threshold and lifts bans that ran out. A ban is recorded only
// after the enforcer confirmed it; failures are retried on the next tick.
type Ticker struct {
	cfg   Config
	state *jail.State
	enf   enforcer.Enforcer
	log   zerolog.Logger
	now   func() time.Time
}

// New constructs a Ticker.
func New(cfg Config, state *jail.State, enf enforcer.Enforcer, log zerolog.Logger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.EnforceTimeout <= 0 {
		cfg.EnforceTimeout = 5 * time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Ticker{
		cfg:   cfg,
		state: state,
		enf:   enf,
		log:   log.With().Str("component", "ticker").Logger(),
		now:   time.Now,
	}
}

// Run ticks until ctx is cancelled. Each wake-up is scheduled from the
// previous scheduled time, not from when the last tick finished, so slow
// ticks do not accumulate drift. An in-flight tick is not interrupted by
// ctx; enforcement calls are bounded by EnforceTimeout instead.
func (t *Ticker) Run(ctx context.Context) error {
	t.log.Info().Dur("interval", t.cfg.Interval).Msg("jail ticker starting")
	next := t.now().Add(t.cfg.Interval)
	timer := time.NewTimer(t.cfg.Interval)
	defer timer.Stop()

	tickCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			t.log.Info().Msg("jail ticker exiting")
			return nil
		case <-timer.C:
		}

		t.Tick(tickCtx)

		var wait time.Duration
		next, wait = t.reschedule(next, t.now())
		timer.Reset(wait)
	}
}

// reschedule advances the deadline of the tick that just ran by one interval
// and returns it with the time left until it is due. A deadline more than a
// window in the past is dropped and the schedule restarts at now.
func (t *Ticker) reschedule(next, now time.Time) (time.Time, time.Duration) {
	next = next.Add(t.cfg.Interval)
	if behind := now.Sub(next); behind > jail.WindowLength*t.cfg.Interval {
		// Catching up would replay a whole window.
		skipped := int(behind / t.cfg.Interval)
		metrics.TicksSkipped.Add(float64(skipped))
		t.log.Warn().Dur("behind", behind).Int("skipped", skipped).Msg("ticker fell behind, resetting schedule")
		next = now
	}
	return next, max(next.Sub(now), 0)
}

// Tick runs one reconciliation pass over every jail and flushes the result.
func (t *Ticker) Tick(ctx context.Context) jail.TickStat {
	start := t.now()
	stat := jail.TickStat{At: start, PerJail: make(map[string]int)}

	for _, name := range t.state.Jails() {
		plan := t.state.Pass(name, start)
		stat.PerJail[name] = plan.Tracked
		stat.Tracked += plan.Tracked
		metrics.TrackedIPs.WithLabelValues(name).Set(float64(plan.Tracked))

		banned, failed := t.applyBans(ctx, plan, start)
		stat.Banned += banned
		stat.Failures += failed

		unbanned, failed := t.applyExpiry(ctx, plan)
		stat.Unbanned += unbanned
		stat.Failures += failed
	}

	if err := t.state.Persist(); err != nil {
		metrics.PersistFailures.Inc()
		t.log.Error().Err(err).Bool("degraded", t.state.Degraded()).Msg("persist jail state failed, will retry")
	}

	stat.Duration = t.now().Sub(start)
	t.state.AdvanceStats(stat)
	metrics.TickDuration.Observe(stat.Duration.Seconds())

	t.log.Debug().Int("tracked", stat.Tracked).Int("banned", stat.Banned).
		Int("unbanned", stat.Unbanned).Dur("elapsed", stat.Duration).Msg("jails rotated")
	return stat
}

func (t *Ticker) applyBans(ctx context.Context, plan jail.Plan, at time.Time) (banned, failed int) {
	if len(plan.NewBans) == 0 {
		return 0, 0
	}
	if err := t.call(ctx, func(cctx context.Context) error {
		return t.enf.EnsureJail(cctx, plan.Jail)
	}); err != nil {
		metrics.Bans.WithLabelValues(plan.Jail, "error").Add(float64(len(plan.NewBans)))
		t.log.Error().Err(err).Str("jail", plan.Jail).Int("pending", len(plan.NewBans)).
			Msg("ensure jail failed, bans deferred")
		return 0, len(plan.NewBans)
	}

	var mu sync.Mutex
	t.each(plan.NewBans, func(ip string) {
		err := t.call(ctx, func(cctx context.Context) error {
			return t.enf.Ban(cctx, plan.Jail, ip)
		})
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failed++
			metrics.Bans.WithLabelValues(plan.Jail, "error").Inc()
			t.log.Error().Err(err).Str("jail", plan.Jail).Str("ip", ip).Msg("ban failed, will retry")
			return
		}
		if t.state.AddMember(plan.Jail, ip, at) {
			banned++
			metrics.Bans.WithLabelValues(plan.Jail, "ok").Inc()
			t.log.Info().Str("jail", plan.Jail).Str("ip", ip).Msg("jailing ip")
		}
	})
	return banned, failed
}

func (t *Ticker) applyExpiry(ctx context.Context, plan jail.Plan) (unbanned, failed int) {
	var mu sync.Mutex
	t.each(plan.Expired, func(ip string) {
		err := t.call(ctx, func(cctx context.Context) error {
			return t.enf.Unban(cctx, plan.Jail, ip)
		})
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failed++
			metrics.Unbans.WithLabelValues(plan.Jail, "error").Inc()
			t.log.Error().Err(err).Str("jail", plan.Jail).Str("ip", ip).Msg("unban failed, membership kept for retry")
			return
		}
		if t.state.RemoveMember(plan.Jail, ip) {
			unbanned++
			metrics.Unbans.WithLabelValues(plan.Jail, "ok").Inc()
			t.log.Info().Str("jail", plan.Jail).Str("ip", ip).Msg("removing ip from jail")
		}
	})
	return unbanned, failed
}

// each runs fn for every ip with at most Concurrency calls in flight.
func (t *Ticker) each(ips []string, fn func(ip string)) {
	var g errgroup.Group
	g.SetLimit(t.cfg.Concurrency)
	for _, ip := range ips {
		g.Go(func() error {
			fn(ip)
			return nil
		})
	}
	_ = g.Wait()
}

// call bounds one enforcement call by EnforceTimeout.
func (t *Ticker) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, t.cfg.EnforceTimeout)
	defer cancel()
	return fn(cctx)
}
