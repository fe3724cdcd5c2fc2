// ============================================================================
// ADMIN API TESTS
// ============================================================================
//
// Tests call through the full chi router against a real delay service backed
// by the in-memory commit log, so routing, middleware and the service
// lifecycle are all exercised.
package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/WuJingLearn/rocketmq/internal/commitlog"
	"github.com/WuJingLearn/rocketmq/internal/delay"
	"github.com/WuJingLearn/rocketmq/internal/metrics"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

type testEnv struct {
	server  *Server
	service *delay.Service
	store   *commitlog.Memory
}

func newTestService(t *testing.T, store *commitlog.Memory, reg *metrics.Registry) *delay.Service {
	t.Helper()
	cfg := delay.DefaultConfig(t.TempDir())
	cfg.SegmentScale = time.Minute
	cfg.TickInterval = 20 * time.Millisecond
	cfg.LoadInterval = 20 * time.Millisecond
	cfg.LookAhead = 10 * time.Second
	cfg.Metrics = reg

	svc, err := delay.NewService(cfg, store, store)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	mc := metrics.DefaultConfig()
	mc.IncludeGoCollector = false
	mc.IncludeProcessCollector = false
	reg := metrics.NewRegistry(mc)

	store := commitlog.NewMemory()
	svc := newTestService(t, store, reg)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	cfg := DefaultServerConfig()
	cfg.Store = store
	cfg.Metrics = reg
	return &testEnv{server: NewServer(svc, cfg), service: svc, store: store}
}

func doRequest(server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func int64Ptr(v int64) *int64 { return &v }

// ============================================================================
// PROBES
// ============================================================================

func TestHealth(t *testing.T) {
	env := setupTestServer(t)

	rec := doRequest(env.server, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}

	env.server.Health().SetLive(false)
	if rec := doRequest(env.server, http.MethodGet, "/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health after SetLive(false) = %d", rec.Code)
	}
}

func TestReadyz_FollowsServiceState(t *testing.T) {
	// WHAT: /readyz fails before Start and after Shutdown.
	// WHY: Load balancers must not route schedule requests to a store
	// that would reject them.
	store := commitlog.NewMemory()
	svc := newTestService(t, store, nil)
	server := NewServer(svc, ServerConfig{Store: store})

	if rec := doRequest(server, http.MethodGet, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before start = %d", rec.Code)
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if rec := doRequest(server, http.MethodGet, "/readyz?verbose=true", nil); rec.Code != http.StatusOK {
		t.Errorf("readyz while started = %d: %s", rec.Code, rec.Body.String())
	}

	server.Health().AddCheck("disk", func(context.Context) HealthCheckResult {
		return HealthCheckResult{Status: "fail", Message: "read-only"}
	})
	rec := doRequest(server, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "read-only") {
		t.Errorf("readyz with failing check = %d: %s", rec.Code, rec.Body.String())
	}

	svc.Shutdown(context.Background())
}

// ============================================================================
// MESSAGES
// ============================================================================

func TestScheduleMessage_ViaCommitLogIsPublished(t *testing.T) {
	env := setupTestServer(t)

	rec := doRequest(env.server, http.MethodPost, "/messages", ScheduleRequest{
		Subject:      "orders",
		Payload:      "hello",
		DelaySeconds: int64Ptr(0),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /messages = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[ScheduleResponse](t, rec)
	if _, err := uuid.Parse(created.MessageID); err != nil {
		t.Errorf("generated message id %q is not a UUID: %v", created.MessageID, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		ready := decode[ReadyResponse](t, doRequest(env.server, http.MethodGet, "/ready", nil))
		if len(ready.Messages) == 1 {
			m := ready.Messages[0]
			if m.MessageID != created.MessageID || string(m.Payload) != "hello" || m.Subject != "orders" {
				t.Errorf("ready message = %+v", m)
			}
			if ready.Next != m.Seq+1 {
				t.Errorf("next = %d, want %d", ready.Next, m.Seq+1)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("message never re-published; ready = %+v", ready)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduleMessage_FutureScheduleTimeIsHeld(t *testing.T) {
	env := setupTestServer(t)

	at := time.Now().Add(time.Hour).UnixMilli()
	rec := doRequest(env.server, http.MethodPost, "/messages", ScheduleRequest{
		Subject:      "orders",
		MessageID:    "later",
		Payload:      "x",
		ScheduleTime: int64Ptr(at),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /messages = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[ScheduleResponse](t, rec)
	if created.ScheduleTime != at || created.BaseOffset != at-at%60_000 {
		t.Errorf("created = %+v", created)
	}

	time.Sleep(100 * time.Millisecond)
	ready := decode[ReadyResponse](t, doRequest(env.server, http.MethodGet, "/ready", nil))
	if len(ready.Messages) != 0 {
		t.Errorf("future message published early: %+v", ready.Messages)
	}

	segs := decode[SegmentsResponse](t, doRequest(env.server, http.MethodGet, "/segments", nil))
	if len(segs.Schedule) != 1 || segs.Schedule[0].BaseOffset != created.BaseOffset {
		t.Errorf("segments = %+v", segs)
	}
}

func TestScheduleMessage_Validation(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"missing subject", ScheduleRequest{Payload: "x", DelaySeconds: int64Ptr(1)}, http.StatusBadRequest},
		{"no timing", ScheduleRequest{Subject: "s", Payload: "x"}, http.StatusBadRequest},
		{"both timings", ScheduleRequest{Subject: "s", Payload: "x", DelaySeconds: int64Ptr(1), ScheduleTime: int64Ptr(1)}, http.StatusBadRequest},
		{"negative delay", ScheduleRequest{Subject: "s", Payload: "x", DelaySeconds: int64Ptr(-5)}, http.StatusBadRequest},
		{"empty payload via commit log", ScheduleRequest{Subject: "s", DelaySeconds: int64Ptr(1)}, http.StatusBadRequest},
		{"bad json", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := doRequest(env.server, http.MethodPost, "/messages", tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestScheduleMessage_NotStarted(t *testing.T) {
	store := commitlog.NewMemory()
	server := NewServer(newTestService(t, store, nil), ServerConfig{Store: store})

	rec := doRequest(server, http.MethodPost, "/messages", ScheduleRequest{Subject: "s", Payload: "x", ScheduleTime: int64Ptr(1)})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if rec := doRequest(server, http.MethodGet, "/segments", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("segments before start = %d", rec.Code)
	}
}

func TestReady_Paging(t *testing.T) {
	env := setupTestServer(t)
	for _, id := range []string{"a", "b", "c"} {
		env.store.Publish(context.Background(), delay.DueMessage{Subject: "s", MessageID: id})
	}

	page := decode[ReadyResponse](t, doRequest(env.server, http.MethodGet, "/ready?limit=2", nil))
	if len(page.Messages) != 2 || page.Next != 3 {
		t.Fatalf("first page = %+v", page)
	}
	page = decode[ReadyResponse](t, doRequest(env.server, http.MethodGet, "/ready?limit=2&from=3", nil))
	if len(page.Messages) != 1 || page.Messages[0].MessageID != "c" {
		t.Errorf("second page = %+v", page)
	}
	if rec := doRequest(env.server, http.MethodGet, "/ready?limit=0", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d", rec.Code)
	}
}

// ============================================================================
// STATS & METRICS
// ============================================================================

func TestStatsAndMetrics(t *testing.T) {
	env := setupTestServer(t)
	doRequest(env.server, http.MethodPost, "/messages", ScheduleRequest{
		Subject:      "s",
		Payload:      "x",
		ScheduleTime: int64Ptr(time.Now().Add(time.Hour).UnixMilli()),
	})

	stats := decode[delay.Stats](t, doRequest(env.server, http.MethodGet, "/stats", nil))
	if stats.State != "started" || len(stats.ScheduleSegments) != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rec := doRequest(env.server, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "delaystore_storage_appends_total") {
		t.Errorf("metrics = %d: missing storage series", rec.Code)
	}
}
