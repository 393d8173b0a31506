package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/actionban/internal/jail"
	"github.com/developingchet/actionban/internal/listener"
	"github.com/developingchet/actionban/internal/metrics"
	"github.com/developingchet/actionban/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type fixture struct {
	state  *jail.State
	store  *testutil.MockStore
	enf    *testutil.MockEnforcer
	ticker *Ticker
	clock  time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store: testutil.NewMockStore(),
		enf:   testutil.NewMockEnforcer(),
		clock: time.Unix(1_700_000_000, 0),
	}
	f.state = jail.NewState(f.store, jail.Options{DegradedAfter: 3})
	f.ticker = New(cfg, f.state, f.enf, zerolog.Nop())
	f.ticker.now = func() time.Time { return f.clock }
	return f
}

// advance moves the fixture clock and runs one tick.
func (f *fixture) advance(d time.Duration) jail.TickStat {
	f.clock = f.clock.Add(d)
	return f.ticker.Tick(context.Background())
}

func TestTickBansOnceAfterThreshold(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2})
	srv := listener.New(listener.Config{}, f.state, zerolog.Nop())

	if err := srv.Handle([]byte("jail loginfail 3 1000 60")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := srv.Handle([]byte("action loginfail 192.0.2.7 1 3 1000 60")); err != nil {
			t.Fatal(err)
		}
	}

	stat := f.advance(time.Second)
	if stat.Banned != 1 {
		t.Fatalf("Banned = %d, want 1", stat.Banned)
	}
	if got := f.enf.Banned("loginfail"); len(got) != 1 || got[0] != "192.0.2.7" {
		t.Fatalf("enforcer banned %v", got)
	}
	at, ok := f.state.BannedAt("loginfail", "192.0.2.7")
	if !ok || !at.Equal(f.clock) {
		t.Errorf("BannedAt = %v, %v; want %v", at, ok, f.clock)
	}
	if _, ok := f.store.Member("loginfail", "192.0.2.7"); !ok {
		t.Error("ban not persisted at end of tick")
	}

	// Still over threshold on the next tick, but already a member.
	f.advance(time.Second)
	if n := f.enf.CallCount("Ban"); n != 1 {
		t.Errorf("Ban called %d times, want 1", n)
	}
}

func TestTickExpiresMembers(t *testing.T) {
	f := newFixture(t, Config{})
	_, _ = f.state.UpsertJail(jail.Config{Name: "ssh", Burst: 1, Expire: 30})
	_, _ = f.state.RecordAction(jail.Config{Name: "ssh"}, "10.0.0.1", 1)
	f.advance(0)
	if !f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatal("expected member after first tick")
	}

	f.advance(29 * time.Second)
	if !f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatal("unbanned before expiry")
	}
	stat := f.advance(2 * time.Second)
	if stat.Unbanned != 1 || f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatalf("expected unban after expiry, stat=%+v", stat)
	}
	if len(f.enf.Banned("ssh")) != 0 {
		t.Error("enforcer still holds the ip")
	}
	if _, ok := f.store.Member("ssh", "10.0.0.1"); ok {
		t.Error("removal not persisted")
	}
}

func TestTickZeroExpireNeverUnbans(t *testing.T) {
	f := newFixture(t, Config{})
	_, _ = f.state.RecordAction(jail.Config{Name: "ssh", Burst: 1, Expire: 0}, "10.0.0.1", 1)
	f.advance(0)
	f.advance(365 * 24 * time.Hour)
	if !f.state.IsMember("ssh", "10.0.0.1") || f.enf.CallCount("Unban") != 0 {
		t.Fatal("expire 0 must keep the ban forever")
	}
}

func TestTickBanFailureIsRetried(t *testing.T) {
	f := newFixture(t, Config{})
	_, _ = f.state.UpsertJail(jail.Config{Name: "ssh", Volume: 1, Expire: 60})
	_, _ = f.state.RecordAction(jail.Config{Name: "ssh"}, "10.0.0.1", 1)
	f.enf.SetIPError("10.0.0.1", errors.New("ipset: permission denied"))

	stat := f.advance(time.Second)
	if stat.Failures != 1 || stat.Banned != 0 {
		t.Fatalf("stat = %+v", stat)
	}
	if f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatal("failed ban was recorded as member")
	}

	f.enf.SetIPError("10.0.0.1", nil)
	stat = f.advance(time.Second)
	if stat.Banned != 1 || !f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatalf("ban not retried, stat = %+v", stat)
	}
}

func TestTickEnsureFailureDefersBans(t *testing.T) {
	f := newFixture(t, Config{})
	_, _ = f.state.RecordAction(jail.Config{Name: "ssh", Burst: 1}, "10.0.0.1", 1)
	f.enf.SetError("EnsureJail", errors.New("no such binary"))

	stat := f.advance(time.Second)
	if stat.Failures != 1 || f.enf.CallCount("Ban") != 0 {
		t.Fatalf("bans attempted without jail, stat=%+v", stat)
	}
	if f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatal("member recorded despite ensure failure")
	}

	// The one-shot error is consumed; the burst has decayed but the ban is owed.
	stat = f.advance(time.Second)
	if stat.Banned != 1 || !f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatalf("deferred ban not retried, stat=%+v ensure=%d ban=%d",
			stat, f.enf.CallCount("EnsureJail"), f.enf.CallCount("Ban"))
	}
}

func TestTickBurstBanFailureIsRetried(t *testing.T) {
	f := newFixture(t, Config{})
	_, _ = f.state.UpsertJail(jail.Config{Name: "ssh", Burst: 5, Volume: 10000, Expire: 60})
	_, _ = f.state.RecordAction(jail.Config{Name: "ssh"}, "10.0.0.1", 6)
	f.enf.SetIPError("10.0.0.1", errors.New("ipset: permission denied"))

	stat := f.advance(time.Second)
	if stat.Failures != 1 || f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatalf("stat = %+v", stat)
	}

	// Still failing: the ban stays owed across ticks.
	f.advance(time.Second)
	if n := f.enf.CallCount("Ban"); n != 2 {
		t.Fatalf("Ban called %d times, want 2", n)
	}

	f.enf.SetIPError("10.0.0.1", nil)
	stat = f.advance(time.Second)
	if stat.Banned != 1 || !f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatalf("burst ban not retried, stat = %+v", stat)
	}
	if got := f.state.Pending("ssh"); len(got) != 0 {
		t.Errorf("owed ban not settled: %v", got)
	}

	f.advance(time.Second)
	if n := f.enf.CallCount("Ban"); n != 3 {
		t.Errorf("Ban called %d times after success, want 3", n)
	}
}

func TestTickUnbanFailureKeepsMember(t *testing.T) {
	f := newFixture(t, Config{})
	_, _ = f.state.UpsertJail(jail.Config{Name: "ssh", Burst: 1, Expire: 10})
	f.state.AddMember("ssh", "10.0.0.1", f.clock.Add(-time.Minute))
	f.enf.SetIPError("10.0.0.1", errors.New("ipset busy"))

	stat := f.advance(time.Second)
	if stat.Failures != 1 || !f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatalf("member dropped after failed unban, stat=%+v", stat)
	}

	f.enf.SetIPError("10.0.0.1", nil)
	f.advance(time.Second)
	if f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatal("unban not retried")
	}
}

func TestTickEnforcementTimeout(t *testing.T) {
	f := newFixture(t, Config{EnforceTimeout: 20 * time.Millisecond})
	_, _ = f.state.RecordAction(jail.Config{Name: "ssh", Burst: 1}, "10.0.0.1", 1)
	release := f.enf.Block()
	defer release()

	start := time.Now()
	stat := f.advance(time.Second)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("tick took %v despite enforcement timeout", elapsed)
	}
	if stat.Failures != 1 || f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatalf("timed out ensure should defer the ban, stat=%+v", stat)
	}
}

func TestTickPersistFailureDegrades(t *testing.T) {
	f := newFixture(t, Config{})
	_, _ = f.state.RecordAction(jail.Config{Name: "ssh", Burst: 1}, "10.0.0.1", 1)
	f.store.SetStickyError("Commit", errors.New("read-only filesystem"))

	for i := 0; i < 3; i++ {
		f.advance(time.Second)
	}
	if !f.state.Degraded() {
		t.Fatal("expected degraded state")
	}
	if !f.state.IsMember("ssh", "10.0.0.1") {
		t.Fatal("in-memory membership lost on persist failure")
	}

	f.store.SetStickyError("Commit", nil)
	f.advance(time.Second)
	if f.state.Degraded() {
		t.Error("still degraded after recovery")
	}
	if _, ok := f.store.Member("ssh", "10.0.0.1"); !ok {
		t.Error("member not flushed after recovery")
	}
}

func TestTickRecordsStats(t *testing.T) {
	f := newFixture(t, Config{})
	_, _ = f.state.RecordAction(jail.Config{Name: "a", Volume: 100}, "10.0.0.1", 1)
	_, _ = f.state.RecordAction(jail.Config{Name: "b", Volume: 100}, "10.0.0.2", 1)
	_, _ = f.state.RecordAction(jail.Config{Name: "b", Volume: 100}, "10.0.0.3", 1)

	stat := f.advance(time.Second)
	if stat.Tracked != 3 || stat.PerJail["a"] != 1 || stat.PerJail["b"] != 2 {
		t.Fatalf("stat = %+v", stat)
	}
	ticks := f.state.Snapshot().Ticks
	if len(ticks) != 1 || ticks[0].Tracked != 3 {
		t.Errorf("tick history = %+v", ticks)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	state := jail.NewState(testutil.NewMockStore(), jail.Options{})
	tk := New(Config{Interval: 10 * time.Millisecond}, state, testutil.NewMockEnforcer(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tk.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(state.Snapshot().Ticks) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("ticker did not tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRescheduleShortensWaitAfterSlowTick(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Second})
	due := f.clock

	// The tick due at `due` finished 400ms late.
	next, wait := f.ticker.reschedule(due, due.Add(400*time.Millisecond))
	if !next.Equal(due.Add(time.Second)) {
		t.Errorf("next = %v, want %v", next, due.Add(time.Second))
	}
	if wait != 600*time.Millisecond {
		t.Errorf("wait = %v, want 600ms", wait)
	}

	// Overran a whole interval: the next tick is due immediately.
	next, wait = f.ticker.reschedule(next, next.Add(1500*time.Millisecond))
	if !next.Equal(due.Add(2*time.Second)) || wait != 0 {
		t.Errorf("next = %v wait = %v, want %v and 0", next, wait, due.Add(2*time.Second))
	}
}

func TestRescheduleResetsWhenAWindowBehind(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Second})
	due := f.clock
	before := promtest.ToFloat64(metrics.TicksSkipped)

	// Exactly one window behind still catches up.
	next, wait := f.ticker.reschedule(due, due.Add(61*time.Second))
	if !next.Equal(due.Add(time.Second)) || wait != 0 {
		t.Fatalf("next = %v wait = %v", next, wait)
	}
	if got := promtest.ToFloat64(metrics.TicksSkipped) - before; got != 0 {
		t.Fatalf("TicksSkipped grew by %v at the boundary", got)
	}

	now := due.Add(70 * time.Second)
	next, wait = f.ticker.reschedule(due, now)
	if !next.Equal(now) || wait != 0 {
		t.Errorf("next = %v wait = %v, want schedule restarted at %v", next, wait, now)
	}
	if got := promtest.ToFloat64(metrics.TicksSkipped) - before; got != 69 {
		t.Errorf("TicksSkipped grew by %v, want 69", got)
	}

	// The restarted schedule runs at the regular interval.
	if _, wait = f.ticker.reschedule(next, now); wait != time.Second {
		t.Errorf("wait after reset = %v, want 1s", wait)
	}
}
