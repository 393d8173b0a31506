package testutil_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/actionban/internal/enforcer"
	"github.com/developingchet/actionban/internal/testutil"
)

func TestMockEnforcer_BanUnban(t *testing.T) {
	ctx := context.Background()
	m := testutil.NewMockEnforcer()

	if err := m.EnsureJail(ctx, "ssh"); err != nil {
		t.Fatalf("EnsureJail: %v", err)
	}
	if !m.Ensured("ssh") {
		t.Fatal("expected jail to be ensured")
	}
	_ = m.Ban(ctx, "ssh", "10.0.0.2")
	_ = m.Ban(ctx, "ssh", "10.0.0.1")
	if got := m.Banned("ssh"); len(got) != 2 || got[0] != "10.0.0.1" {
		t.Fatalf("unexpected banned list %v", got)
	}
	_ = m.Unban(ctx, "ssh", "10.0.0.1")
	if err := m.Unban(ctx, "ssh", "10.9.9.9"); err != nil {
		t.Fatalf("unban of absent ip: %v", err)
	}
	if got := m.Banned("ssh"); len(got) != 1 || got[0] != "10.0.0.2" {
		t.Fatalf("unexpected banned list %v", got)
	}
	if m.CallCount("Ban") != 2 || m.CallCount("Unban") != 2 {
		t.Fatalf("unexpected call counts ban=%d unban=%d", m.CallCount("Ban"), m.CallCount("Unban"))
	}
}

func TestMockEnforcer_ErrorInjection(t *testing.T) {
	ctx := context.Background()
	sentinel := errors.New("boom")
	m := testutil.NewMockEnforcer()

	m.SetError("Ban", sentinel)
	err := m.Ban(ctx, "ssh", "10.0.0.1")
	var ee *enforcer.EnforcementError
	if !errors.As(err, &ee) || !errors.Is(err, sentinel) {
		t.Fatalf("expected EnforcementError wrapping sentinel, got %v", err)
	}
	if err := m.Ban(ctx, "ssh", "10.0.0.1"); err != nil {
		t.Fatalf("expected error consumed, got %v", err)
	}

	m.SetIPError("10.0.0.9", sentinel)
	for i := 0; i < 2; i++ {
		if err := m.Ban(ctx, "ssh", "10.0.0.9"); !errors.Is(err, sentinel) {
			t.Fatalf("expected per-ip error, got %v", err)
		}
	}
	m.SetIPError("10.0.0.9", nil)
	if err := m.Ban(ctx, "ssh", "10.0.0.9"); err != nil {
		t.Fatalf("expected success after clearing, got %v", err)
	}
}

func TestMockEnforcer_BlockHonoursContext(t *testing.T) {
	m := testutil.NewMockEnforcer()
	release := m.Block()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Ban(ctx, "ssh", "10.0.0.1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if len(m.Banned("ssh")) != 0 {
		t.Fatal("blocked ban must not be applied")
	}
}
