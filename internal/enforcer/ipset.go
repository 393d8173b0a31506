package enforcer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/developingchet/actionban/internal/ipfilter"
	"github.com/developingchet/actionban/internal/metrics"
	"github.com/rs/zerolog"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec, killing them when ctx ends.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = time.Second
	return cmd.CombinedOutput()
}

// IPSetConfig holds the ipset enforcer configuration.
type IPSetConfig struct {
	Binary     string
	Sudo       bool
	EnableIPv6 bool
	Runner     Runner // nil means ExecRunner
}

// IPSet enforces bans as members of hash:ip sets, one per jail and family.
type IPSet struct {
	cfg   IPSetConfig
	namer *Namer
	run   Runner
	log   zerolog.Logger
}

// NewIPSet constructs an ipset-backed Enforcer.
func NewIPSet(cfg IPSetConfig, namer *Namer, log zerolog.Logger) *IPSet {
	if cfg.Binary == "" {
		cfg.Binary = "ipset"
	}
	run := cfg.Runner
	if run == nil {
		run = ExecRunner
	}
	return &IPSet{cfg: cfg, namer: namer, run: run, log: log.With().Str("component", "ipset").Logger()}
}

// EnsureJail creates the jail's sets if they do not exist.
func (s *IPSet) EnsureJail(ctx context.Context, jail string) error {
	families := []bool{false}
	if s.cfg.EnableIPv6 {
		families = append(families, true)
	}
	for _, ipv6 := range families {
		set, err := s.namer.SetName(jail, ipv6)
		if err != nil {
			return &EnforcementError{Op: "ensure", Jail: jail, Err: err}
		}
		args := []string{"create", set, "hash:ip"}
		if ipv6 {
			args = append(args, "family", "inet6")
		}
		args = append(args, "-exist")
		if err := s.exec(ctx, "ensure", args); err != nil {
			return &EnforcementError{Op: "ensure", Jail: jail, Err: err}
		}
	}
	return nil
}

// Ban adds ip to the jail's set.
func (s *IPSet) Ban(ctx context.Context, jail, ip string) error {
	set, err := s.setFor(jail, ip)
	if err != nil {
		return &EnforcementError{Op: "ban", Jail: jail, IP: ip, Err: err}
	}
	if err := s.exec(ctx, "ban", []string{"add", set, ip, "-exist"}); err != nil {
		return &EnforcementError{Op: "ban", Jail: jail, IP: ip, Err: err}
	}
	return nil
}

// Unban removes ip from the jail's set. A missing set counts as success.
func (s *IPSet) Unban(ctx context.Context, jail, ip string) error {
	set, err := s.setFor(jail, ip)
	if err != nil {
		return &EnforcementError{Op: "unban", Jail: jail, IP: ip, Err: err}
	}
	if err := s.exec(ctx, "unban", []string{"del", set, ip, "-exist"}); err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			s.log.Debug().Str("set", set).Str("ip", ip).Msg("set missing on unban; nothing to remove")
			return nil
		}
		return &EnforcementError{Op: "unban", Jail: jail, IP: ip, Err: err}
	}
	return nil
}

func (s *IPSet) setFor(jail, ip string) (string, error) {
	ipv6 := ipfilter.IsIPv6(ip)
	if ipv6 && !s.cfg.EnableIPv6 {
		return "", fmt.Errorf("IPv6 address %s but IPv6 sets are disabled", ip)
	}
	return s.namer.SetName(jail, ipv6)
}

func (s *IPSet) exec(ctx context.Context, op string, args []string) error {
	name := s.cfg.Binary
	if s.cfg.Sudo {
		args = append([]string{s.cfg.Binary}, args...)
		name = "sudo"
	}

	start := time.Now()
	out, err := s.run(ctx, name, args...)
	metrics.EnforcementDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ctxErr)
		}
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	s.log.Debug().Str("cmd", name).Strs("args", args).Msg("ipset command ok")
	return nil
}
