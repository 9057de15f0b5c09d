package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/mqttsession/internal/auth"
	"github.com/nerrad567/mqttsession/internal/fleet"
	"github.com/nerrad567/mqttsession/internal/infrastructure/config"
	"github.com/nerrad567/mqttsession/internal/infrastructure/database"
	"github.com/nerrad567/mqttsession/internal/infrastructure/logging"
	"github.com/nerrad567/mqttsession/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttsession/internal/journal"
	"github.com/nerrad567/mqttsession/internal/metrics"
	"github.com/nerrad567/mqttsession/internal/payload"
	"github.com/nerrad567/mqttsession/internal/session"
	"github.com/nerrad567/mqttsession/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// publishCall records one Publish on fakeFleet.
type publishCall struct {
	name     string
	topic    string
	data     []byte
	qos      byte
	retained bool
}

// fakeFleet serves fixed statuses and records publishes.
type fakeFleet struct {
	mu        sync.Mutex
	statuses  []fleet.Status
	err       error
	published []publishCall
}

func (f *fakeFleet) Sessions() []fleet.Status {
	return f.statuses
}

func (f *fakeFleet) Session(name string) (fleet.Status, bool) {
	for _, st := range f.statuses {
		if st.Name == name {
			return st, true
		}
	}
	return fleet.Status{}, false
}

func (f *fakeFleet) Publish(_ context.Context, name, topic string, p payload.Payload, qos byte, retained bool) error {
	if _, ok := f.Session(name); !ok {
		return fmt.Errorf("%w: %q", fleet.ErrUnknownSession, name)
	}
	if f.err != nil {
		return f.err
	}
	if err := mqtt.ValidateTopicName(topic); err != nil {
		return err
	}
	data, err := payload.Encode(p)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.published = append(f.published, publishCall{name, topic, data, qos, retained})
	f.mu.Unlock()
	return nil
}

func (f *fakeFleet) calls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishCall(nil), f.published...)
}

type checkFunc func(ctx context.Context) error

func (c checkFunc) HealthCheck(ctx context.Context) error { return c(ctx) }

func newTestFleet() *fakeFleet {
	return &fakeFleet{statuses: []fleet.Status{
		{Name: "plant", Identity: "a1b2c3", ClientID: "plant-01", Broker: "tcp://localhost:1883", State: "connected", Subscriptions: []string{"plant/#"}},
		{Name: "backup", Identity: "d4e5f6", ClientID: "backup-01", Broker: "tcp://localhost:1884", State: "disconnected"},
	}}
}

func testDeps(f Fleet) Deps {
	return Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:  logging.NewWriter(io.Discard, config.LoggingConfig{Level: "error", Format: "text"}, "test"),
		Fleet:   f,
		Version: "test",
	}
}

// testServer creates a Server over a fake fleet. Authentication is
// disabled unless the caller sets a secret through mutate.
func testServer(t *testing.T, mutate func(*Deps)) (*Server, *fakeFleet) {
	t.Helper()

	f := newTestFleet()
	deps := testDeps(f)
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return srv, f
}

// openTestJournal opens a migrated temporary journal.
func openTestJournal(t *testing.T) *journal.SQLiteRepository {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "api.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return journal.NewSQLiteRepository(db.DB, 1024)
}

func do(t *testing.T, srv *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v (body %q)", err, rec.Body.String())
	}
}

func mustToken(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.IssueToken("tester", role, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return tok
}

// ============================================================================
// Construction and lifecycle
// ============================================================================

func TestNew_RequiresDeps(t *testing.T) {
	deps := testDeps(newTestFleet())
	deps.Logger = nil
	if _, err := New(deps); err == nil {
		t.Error("New() without logger should fail")
	}

	deps = testDeps(nil)
	deps.Fleet = nil
	if _, err := New(deps); err == nil {
		t.Error("New() without fleet should fail")
	}
}

func TestNew_ExternalHub(t *testing.T) {
	deps := testDeps(newTestFleet())
	hub := NewHub(deps.WS, deps.Logger)
	deps.Hub = hub

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if srv.Hub() != hub {
		t.Error("Hub() should return the injected hub")
	}
}

func TestStartClose(t *testing.T) {
	srv, err := New(testDeps(newTestFleet()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("Addr() is empty after Start")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

// ============================================================================
// Health and middleware
// ============================================================================

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Checks = map[string]HealthChecker{
			"database": checkFunc(func(context.Context) error { return nil }),
		}
	})

	rec := do(t, srv, http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp HealthResponse
	decode(t, rec, &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "test" {
		t.Errorf("version = %q, want test", resp.Version)
	}
	if resp.Checks["database"] != "ok" {
		t.Errorf("checks = %v", resp.Checks)
	}
	if resp.Sessions.Total != 2 || resp.Sessions.Connected != 1 {
		t.Errorf("sessions = %+v, want 1 of 2 connected", resp.Sessions)
	}
	if resp.System.Goroutines == 0 {
		t.Error("system.goroutines should be reported")
	}
}

func TestHealth_Degraded(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Checks = map[string]HealthChecker{
			"database": checkFunc(func(context.Context) error { return nil }),
			"influxdb": checkFunc(func(context.Context) error { return errors.New("connection refused") }),
		}
	})

	rec := do(t, srv, http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp HealthResponse
	decode(t, rec, &resp)
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Checks["influxdb"] != "connection refused" {
		t.Errorf("influxdb check = %q", resp.Checks["influxdb"])
	}
}

func TestRequestID(t *testing.T) {
	srv, _ := testServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/health", "", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-id-123")
	rec = httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-id-123" {
		t.Errorf("X-Request-ID = %q, want client-id-123", got)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://panel.local"}
	})

	tests := []struct {
		origin string
		want   string
	}{
		{"http://panel.local", "http://panel.local"},
		{"http://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			srv.buildRouter().ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t, nil)
	rec := do(t, srv, http.MethodGet, "/api/v1/nonexistent", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, _ := testServer(t, func(d *Deps) {
		d.Metrics = metrics.NewWithRegistry(reg, reg)
	})

	// One request so the HTTP counters have a series.
	do(t, srv, http.MethodGet, "/api/v1/sessions", "", "")

	rec := do(t, srv, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `mqttsession_http_requests_total{method="GET",route="/api/v1/sessions`) {
		t.Errorf("metrics missing sessions request counter:\n%s", body)
	}
}

// ============================================================================
// Sessions
// ============================================================================

func TestListSessions(t *testing.T) {
	srv, _ := testServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/sessions", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Sessions []fleet.Status `json:"sessions"`
		Count    int            `json:"count"`
	}
	decode(t, rec, &resp)
	if resp.Count != 2 || len(resp.Sessions) != 2 {
		t.Fatalf("count = %d, sessions = %d, want 2", resp.Count, len(resp.Sessions))
	}
	if resp.Sessions[0].Name != "plant" || resp.Sessions[0].Identity != "a1b2c3" {
		t.Errorf("first session = %+v", resp.Sessions[0])
	}
}

func TestGetSession(t *testing.T) {
	srv, _ := testServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/sessions/plant", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st fleet.Status
	decode(t, rec, &st)
	if st.ClientID != "plant-01" || st.State != "connected" {
		t.Errorf("session = %+v", st)
	}

	rec = do(t, srv, http.MethodGet, "/api/v1/sessions/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
}

func TestListEvents(t *testing.T) {
	repo := openTestJournal(t)
	srv, _ := testServer(t, func(d *Deps) { d.Journal = repo })

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []journal.Event{
		{Session: "plant", Identity: "a1b2c3", Kind: journal.KindConnect, Time: base},
		{Session: "plant", Identity: "a1b2c3", Kind: journal.KindMessage, Topic: "plant/temp", Payload: []byte("21.5"), Time: base.Add(time.Minute)},
		{Session: "plant", Identity: "a1b2c3", Kind: journal.KindMessage, Topic: "plant/temp", Payload: []byte("21.7"), Time: base.Add(2 * time.Minute)},
		{Session: "backup", Identity: "d4e5f6", Kind: journal.KindError, Detail: "refused", Time: base},
	}
	for i := range events {
		if err := repo.Record(context.Background(), &events[i]); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
	}{
		{"all for session", "", http.StatusOK, 3},
		{"by kind", "?kind=message", http.StatusOK, 2},
		{"limit", "?limit=1", http.StatusOK, 1},
		{"since", "?since=2026-03-01T12:01:30Z", http.StatusOK, 1},
		{"bad limit", "?limit=0", http.StatusBadRequest, 0},
		{"bad kind", "?kind=subscribe", http.StatusBadRequest, 0},
		{"bad since", "?since=yesterday", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodGet, "/api/v1/sessions/plant/events"+tt.query, "", "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp struct {
				Session string          `json:"session"`
				Events  []journal.Event `json:"events"`
				Count   int             `json:"count"`
			}
			decode(t, rec, &resp)
			if resp.Count != tt.wantCount {
				t.Errorf("count = %d, want %d", resp.Count, tt.wantCount)
			}
			for _, ev := range resp.Events {
				if ev.Session != "plant" {
					t.Errorf("event from session %q leaked into plant", ev.Session)
				}
			}
		})
	}
}

func TestListEvents_UnknownSessionAndNoJournal(t *testing.T) {
	srv, _ := testServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/sessions/nope/events", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}

	rec = do(t, srv, http.MethodGet, "/api/v1/sessions/plant/events", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no journal status = %d, want 503", rec.Code)
	}
}

func TestPublish(t *testing.T) {
	tests := []struct {
		name     string
		session  string
		body     string
		fleetErr error
		wantCode int
		wantData []byte
	}{
		{"text", "plant", `{"topic":"plant/cmd","payload":"on"}`, nil, http.StatusAccepted, []byte("on")},
		{"hex", "plant", `{"topic":"plant/cmd","payload":"0a0B","encoding":"hex","qos":1}`, nil, http.StatusAccepted, []byte{0x0a, 0x0b}},
		{"base64", "plant", `{"topic":"plant/cmd","payload":"AQI=","encoding":"base64"}`, nil, http.StatusAccepted, []byte{1, 2}},
		{"invalid json", "plant", `{`, nil, http.StatusBadRequest, nil},
		{"bad qos", "plant", `{"topic":"plant/cmd","payload":"on","qos":3}`, nil, http.StatusBadRequest, nil},
		{"bad encoding", "plant", `{"topic":"plant/cmd","payload":"on","encoding":"rot13"}`, nil, http.StatusBadRequest, nil},
		{"bad hex", "plant", `{"topic":"plant/cmd","payload":"zz","encoding":"hex"}`, nil, http.StatusBadRequest, nil},
		{"wildcard topic", "plant", `{"topic":"plant/#","payload":"on"}`, nil, http.StatusBadRequest, nil},
		{"unknown session", "nope", `{"topic":"plant/cmd","payload":"on"}`, nil, http.StatusNotFound, nil},
		{"not connected", "plant", `{"topic":"plant/cmd","payload":"on"}`, session.ErrNotConnected, http.StatusConflict, nil},
		{"closed", "plant", `{"topic":"plant/cmd","payload":"on"}`, session.ErrClosed, http.StatusConflict, nil},
		{"unexpected", "plant", `{"topic":"plant/cmd","payload":"on"}`, errors.New("boom"), http.StatusInternalServerError, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, f := testServer(t, nil)
			f.err = tt.fleetErr

			rec := do(t, srv, http.MethodPost, "/api/v1/sessions/"+tt.session+"/publish", tt.body, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}

			calls := f.calls()
			if tt.wantData == nil {
				if len(calls) != 0 {
					t.Errorf("publishes = %d, want 0", len(calls))
				}
				return
			}
			if len(calls) != 1 {
				t.Fatalf("publishes = %d, want 1", len(calls))
			}
			if string(calls[0].data) != string(tt.wantData) {
				t.Errorf("payload = %x, want %x", calls[0].data, tt.wantData)
			}
		})
	}
}

// ============================================================================
// Authentication
// ============================================================================

func TestAuth(t *testing.T) {
	srv, f := testServer(t, func(d *Deps) {
		d.Security.JWT.Secret = testSecret
	})
	viewer := mustToken(t, auth.RoleViewer)
	operator := mustToken(t, auth.RoleOperator)
	foreign, err := auth.IssueToken("tester", auth.RoleOperator, "some-other-secret-of-sufficient-length", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	publishBody := `{"topic":"plant/cmd","payload":"on"}`

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		token    string
		wantCode int
	}{
		{"health is public", http.MethodGet, "/api/v1/health", "", "", http.StatusOK},
		{"missing token", http.MethodGet, "/api/v1/sessions", "", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/sessions", "", "not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", http.MethodGet, "/api/v1/sessions", "", foreign, http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/sessions/plant", "", viewer, http.StatusOK},
		{"viewer cannot publish", http.MethodPost, "/api/v1/sessions/plant/publish", publishBody, viewer, http.StatusForbidden},
		{"operator publishes", http.MethodPost, "/api/v1/sessions/plant/publish", publishBody, operator, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, tt.method, tt.path, tt.body, tt.token)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if rec.Code == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 should carry WWW-Authenticate")
			}
		})
	}

	if got := len(f.calls()); got != 1 {
		t.Errorf("publishes = %d, want 1 (operator only)", got)
	}
}

func TestAuth_QueryToken(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Security.JWT.Secret = testSecret
	})

	rec := do(t, srv, http.MethodGet, "/api/v1/sessions?access_token="+mustToken(t, auth.RoleViewer), "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
