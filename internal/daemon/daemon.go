package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/developingchet/actionban/internal/config"
	"github.com/developingchet/actionban/internal/enforcer"
	"github.com/developingchet/actionban/internal/ipfilter"
	"github.com/developingchet/actionban/internal/jail"
	"github.com/developingchet/actionban/internal/listener"
	"github.com/developingchet/actionban/internal/monitor"
	"github.com/developingchet/actionban/internal/reconcile"
	"github.com/developingchet/actionban/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Daemon wires the action listener, the jail ticker and the HTTP surfaces
// around one shared jail state.
type Daemon struct {
	cfg      *config.Config
	state    *jail.State
	listener *listener.Server
	ticker   *reconcile.Ticker
	monitor  *monitor.Server
	janitor  *Janitor
	log      zerolog.Logger
}

// NewEnforcer builds the enforcer selected by ENFORCER_MODE.
func NewEnforcer(cfg *config.Config, log zerolog.Logger) (enforcer.Enforcer, error) {
	if cfg.EnforcerMode == config.EnforcerDryRun {
		return enforcer.NewDryRun(log), nil
	}
	namer, err := enforcer.NewNamer(cfg.IPSetNameTemplate)
	if err != nil {
		return nil, err
	}
	return enforcer.NewIPSet(enforcer.IPSetConfig{
		Binary:     cfg.IPSetBinary,
		Sudo:       cfg.IPSetSudo,
		EnableIPv6: cfg.IPSetEnableIPv6,
	}, namer, log), nil
}

// NewState loads the persisted jail state.
func NewState(cfg *config.Config, store storage.Store) (*jail.State, error) {
	state := jail.NewState(store, jail.Options{DegradedAfter: cfg.PersistDegradedAfter})
	if err := state.Load(); err != nil {
		return nil, fmt.Errorf("load jail state: %w", err)
	}
	return state, nil
}

// NewTicker builds the reconciliation ticker for state.
func NewTicker(cfg *config.Config, state *jail.State, enf enforcer.Enforcer, log zerolog.Logger) *reconcile.Ticker {
	return reconcile.New(reconcile.Config{
		Interval:       cfg.TickInterval,
		EnforceTimeout: cfg.EnforcerTimeout,
		Concurrency:    cfg.EnforcerConcurrency,
	}, state, enf, log)
}

// New loads persisted state and binds the UDP listener.
func New(cfg *config.Config, store storage.Store, enf enforcer.Enforcer, log zerolog.Logger) (*Daemon, error) {
	ignore, err := ipfilter.ParseIgnoreList(cfg.IgnoreIPs)
	if err != nil {
		return nil, fmt.Errorf("parse ignore list: %w", err)
	}

	state, err := NewState(cfg, store)
	if err != nil {
		return nil, err
	}

	lst := listener.New(listener.Config{
		Addr:       cfg.ListenAddr,
		Ignore:     ignore,
		EnableIPv6: cfg.IPSetEnableIPv6,
	}, state, log)
	if err := lst.Listen(); err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:      cfg,
		state:    state,
		listener: lst,
		ticker:   NewTicker(cfg, state, enf, log),
		monitor:  monitor.New(monitor.Config{Addr: cfg.MonitorAddr, Version: BinaryVersion}, state, log),
		janitor:  NewJanitor(store, state, cfg.JanitorInterval, log),
		log:      log,
	}, nil
}

// State returns the shared jail state.
func (d *Daemon) State() *jail.State {
	return d.state
}

// ListenAddr returns the bound UDP address.
func (d *Daemon) ListenAddr() net.Addr {
	return d.listener.Addr()
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal
// error occurs. After the goroutines stop, or SHUTDOWN_TIMEOUT elapses, the
// state is flushed one last time.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.ReconcileOnStart {
		if _, err := d.ticker.Reconcile(ctx); err != nil {
			d.log.Warn().Err(err).Msg("startup reconcile encountered errors")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.listener.Serve(gctx)
	})
	g.Go(func() error {
		return d.ticker.Run(gctx)
	})
	g.Go(func() error {
		return d.janitor.Run(gctx)
	})
	if d.cfg.MonitorEnabled {
		g.Go(func() error {
			return d.monitor.Run(gctx)
		})
	}
	if d.cfg.MetricsEnabled {
		g.Go(func() error {
			return d.serveMetrics(gctx)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		case <-time.After(d.cfg.ShutdownTimeout):
			d.log.Warn().Dur("timeout", d.cfg.ShutdownTimeout).Msg("shutdown timed out waiting for workers")
		}
	}

	if perr := d.state.Persist(); perr != nil {
		d.log.Error().Err(perr).Msg("final persist failed")
	}
	d.log.Info().Msg("daemon stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveMetrics runs the Prometheus HTTP server.
func (d *Daemon) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              d.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	d.log.Info().Str("addr", d.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
