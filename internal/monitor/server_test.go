package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/developingchet/actionban/internal/jail"
	"github.com/developingchet/actionban/internal/testutil"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T) (*Server, *jail.State, *testutil.MockStore) {
	t.Helper()
	store := testutil.NewMockStore()
	state := jail.NewState(store, jail.Options{DegradedAfter: 1})
	return New(Config{Version: "test"}, state, zerolog.Nop()), state, store
}

func TestDashboardJSON(t *testing.T) {
	s, state, _ := newTestServer(t)
	base := time.Unix(1_700_000_000, 0)
	s.started = base
	s.now = func() time.Time { return base.Add(90 * time.Minute) }

	_, _ = state.RecordAction(jail.Config{Name: "ssh", Volume: 5, Burst: 2, Expire: 60}, "10.0.0.1", 3)
	state.AddMember("ssh", "10.0.0.9", base)
	state.AdvanceStats(jail.TickStat{At: base, Duration: 1500 * time.Millisecond, Tracked: 1, Banned: 1})
	state.AdvanceStats(jail.TickStat{At: base.Add(time.Second), Tracked: 1})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type %q", ct)
	}

	var got struct {
		Version       string `json:"version"`
		Uptime        string `json:"uptime"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		Actions       struct {
			Slices []int64 `json:"slices"`
			Sum    int64   `json:"sum"`
		} `json:"actions"`
		Jails []struct {
			Name     string `json:"name"`
			Volume   int64  `json:"volume_threshold"`
			Counters map[string]struct {
				Sum int64 `json:"sum"`
			} `json:"counters"`
			Members map[string]int64 `json:"members"`
		} `json:"jails"`
		Ticks []struct {
			Elapsed string `json:"elapsed"`
			Banned  int    `json:"banned"`
		} `json:"ticks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, rec.Body.String())
	}
	if got.Version != "test" || got.UptimeSeconds != 5400 {
		t.Errorf("version=%q uptime=%d", got.Version, got.UptimeSeconds)
	}
	if !strings.Contains(got.Uptime, "hour") {
		t.Errorf("uptime %q not human readable", got.Uptime)
	}
	if len(got.Actions.Slices) != jail.WindowLength || got.Actions.Sum != 1 {
		t.Errorf("actions = %+v", got.Actions)
	}
	if len(got.Jails) != 1 || got.Jails[0].Volume != 5 || got.Jails[0].Counters["10.0.0.1"].Sum != 3 {
		t.Errorf("jails = %+v", got.Jails)
	}
	if got.Jails[0].Members["10.0.0.9"] != base.Unix() {
		t.Errorf("members = %v", got.Jails[0].Members)
	}
	if len(got.Ticks) != 2 || got.Ticks[1].Banned != 1 || !strings.Contains(got.Ticks[1].Elapsed, "second") {
		t.Errorf("ticks = %+v", got.Ticks)
	}
}

func TestDashboardEmptyState(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(rec.Body.String(), `"jails":[]`) {
		t.Errorf("expected empty jail list, got %s", rec.Body.String())
	}
}

func TestDashboardRoutes(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST / status %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope status %d", rec.Code)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	s, state, store := newTestServer(t)
	h := s.Handler()

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status %d", path, rec.Code)
		}
	}

	state.AddMember("ssh", "10.0.0.1", time.Now())
	store.SetStickyError("Commit", errors.New("disk full"))
	_ = state.Persist()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz while degraded: status %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz while degraded: status %d", rec.Code)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	s, _, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
