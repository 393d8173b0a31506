package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/developingchet/actionban/internal/jail"
	"github.com/hako/durafmt"
	"github.com/rs/zerolog"
)

// Config holds monitor configuration.
type Config struct {
	Addr    string
	Version string
}

// Server exposes the jail state as JSON plus health endpoints.
type Server struct {
	cfg     Config
	state   *jail.State
	log     zerolog.Logger
	started time.Time
	now     func() time.Time
}

// New constructs a Server.
func New(cfg Config, state *jail.State, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		state:   state,
		log:     log.With().Str("component", "monitor").Logger(),
		started: time.Now(),
		now:     time.Now,
	}
}

type actionsView struct {
	Slices []int64 `json:"slices"`
	Sum    int64   `json:"sum"`
}

type tickView struct {
	At       time.Time      `json:"at"`
	Elapsed  string         `json:"elapsed"`
	Tracked  int            `json:"tracked"`
	PerJail  map[string]int `json:"per_jail"`
	Banned   int            `json:"banned"`
	Unbanned int            `json:"unbanned"`
	Failures int            `json:"failures"`
}

type dashboard struct {
	Version          string          `json:"version"`
	Uptime           string          `json:"uptime"`
	UptimeSeconds    int64           `json:"uptime_seconds"`
	Degraded         bool            `json:"degraded"`
	PersistFailures  int             `json:"persist_failures"`
	LastPersistError string          `json:"last_persist_error,omitempty"`
	Actions          actionsView     `json:"actions"`
	Jails            []jail.JailView `json:"jails"`
	Ticks            []tickView      `json:"ticks"`
}

// Handler returns the monitor routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.state.Degraded() {
			http.Error(w, "not ready: persistence degraded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	out, err := sonic.Marshal(s.build())
	if err != nil {
		s.log.Error().Err(err).Msg("encode dashboard")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func (s *Server) build() dashboard {
	snap := s.state.Snapshot()
	uptime := s.now().Sub(s.started).Truncate(time.Second)

	d := dashboard{
		Version:          s.cfg.Version,
		Uptime:           humanize(uptime),
		UptimeSeconds:    int64(uptime / time.Second),
		Degraded:         snap.Degraded,
		PersistFailures:  snap.PersistFailures,
		LastPersistError: snap.LastPersistError,
		Actions:          actionsView{Slices: snap.Actions, Sum: snap.ActionsSum},
		Jails:            snap.Jails,
		Ticks:            make([]tickView, 0, len(snap.Ticks)),
	}
	if d.Jails == nil {
		d.Jails = []jail.JailView{}
	}
	// Newest tick first.
	for i := len(snap.Ticks) - 1; i >= 0; i-- {
		t := snap.Ticks[i]
		d.Ticks = append(d.Ticks, tickView{
			At:       t.At,
			Elapsed:  humanize(t.Duration),
			Tracked:  t.Tracked,
			PerJail:  t.PerJail,
			Banned:   t.Banned,
			Unbanned: t.Unbanned,
			Failures: t.Failures,
		})
	}
	return d
}

func humanize(d time.Duration) string {
	if d <= 0 {
		return "0 seconds"
	}
	return durafmt.Parse(d).LimitFirstN(2).String()
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("monitor listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("monitor server started")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor server: %w", err)
	}
	return nil
}
