package enforcer

import (
	"context"
	"fmt"
)

// Enforcer makes bans effective outside the process. All calls are
// idempotent and may fail; callers retry on their next pass.
type Enforcer interface {
	EnsureJail(ctx context.Context, jail string) error
	Ban(ctx context.Context, jail, ip string) error
	Unban(ctx context.Context, jail, ip string) error
}

// EnforcementError is returned when an enforcement call fails or times out.
type EnforcementError struct {
	Op   string // "ensure", "ban" or "unban"
	Jail string
	IP   string
	Err  error
}

func (e *EnforcementError) Error() string {
	if e.IP == "" {
		return fmt.Sprintf("enforce %s jail=%s: %v", e.Op, e.Jail, e.Err)
	}
	return fmt.Sprintf("enforce %s jail=%s ip=%s: %v", e.Op, e.Jail, e.IP, e.Err)
}

func (e *EnforcementError) Unwrap() error {
	return e.Err
}
