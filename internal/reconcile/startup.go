package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/developingchet/actionban/internal/metrics"
)

// Result summarises a startup reconciliation.
type Result struct {
	Jails   int
	Applied int
	Failed  int
}

// Reconcile re-creates every jail's ban set and re-applies persisted
// members, so the firewall matches membership after a restart or after the
// sets were flushed externally. Individual failures are logged and counted;
// the returned error joins them.
func (t *Ticker) Reconcile(ctx context.Context) (Result, error) {
	members := t.state.Members()

	names := make(map[string]struct{})
	for _, name := range t.state.Jails() {
		names[name] = struct{}{}
	}
	for name := range members {
		names[name] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	var (
		res  Result
		mu   sync.Mutex
		errs []error
	)
	for _, name := range ordered {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res.Jails++
		if err := t.call(ctx, func(cctx context.Context) error {
			return t.enf.EnsureJail(cctx, name)
		}); err != nil {
			res.Failed += len(members[name])
			errs = append(errs, err)
			t.log.Error().Err(err).Str("jail", name).Msg("reconcile: ensure jail failed")
			continue
		}

		t.each(members[name], func(ip string) {
			err := t.call(ctx, func(cctx context.Context) error {
				return t.enf.Ban(cctx, name, ip)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				errs = append(errs, err)
				metrics.Bans.WithLabelValues(name, "error").Inc()
				return
			}
			res.Applied++
		})
	}

	t.log.Info().Int("jails", res.Jails).Int("applied", res.Applied).Int("failed", res.Failed).
		Msg("startup reconciliation complete")
	return res, errors.Join(errs...)
}
