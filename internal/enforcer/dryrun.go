package enforcer

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRun logs enforcement calls without touching the firewall.
type DryRun struct {
	log zerolog.Logger
}

// NewDryRun returns an Enforcer that only logs.
func NewDryRun(log zerolog.Logger) *DryRun {
	return &DryRun{log: log.With().Str("component", "enforcer").Logger()}
}

func (d *DryRun) EnsureJail(_ context.Context, jail string) error {
	d.log.Info().Str("jail", jail).Msg("[DRY-RUN] would ensure jail set")
	return nil
}

func (d *DryRun) Ban(_ context.Context, jail, ip string) error {
	d.log.Info().Str("jail", jail).Str("ip", ip).Msg("[DRY-RUN] would apply ban")
	return nil
}

func (d *DryRun) Unban(_ context.Context, jail, ip string) error {
	d.log.Info().Str("jail", jail).Str("ip", ip).Msg("[DRY-RUN] would apply unban")
	return nil
}
