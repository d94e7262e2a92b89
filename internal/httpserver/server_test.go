package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/radiusdt/adstats/internal/config"
	"github.com/radiusdt/adstats/internal/metrics"
	"github.com/radiusdt/adstats/internal/middleware"
	"github.com/radiusdt/adstats/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func newTestServer(t *testing.T) (http.Handler, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)
	logger := zaptest.NewLogger(t)
	q := queue.New(client, config.QueueConfig{Prefix: "test:sync"}, logger, m)

	cfg := &config.Config{
		Auth:      config.AuthConfig{Enabled: true, MasterKey: "k", SkipPaths: []string{"/health", "/metrics"}},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Metrics:   config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	srv := &Server{queue: q, logger: logger, config: cfg, started: time.Now().Add(-90 * time.Second), now: time.Now}
	return srv.routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})), q
}

func syncRequest(date, tenant string) *http.Request {
	url := "/v1/sync"
	if date != "" {
		url += "?date=" + date
	}
	req := httptest.NewRequest(http.MethodPost, url, nil)
	req.Header.Set(middleware.AuthHeaderName, "k")
	if tenant != "" {
		req.Header.Set(middleware.TenantHeaderName, tenant)
	}
	return req
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var body struct {
		Status        string `json:"status"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.UptimeSeconds < 90 {
		t.Errorf("unexpected health body %+v", body)
	}
}

func TestSync_RepeatCallsReturnSameJobs(t *testing.T) {
	h, q := newTestServer(t)

	var first, second SyncResponse
	for i, out := range []*SyncResponse{&first, &second} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, syncRequest("2024-10-01", "t9"))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("call %d: got %d %s", i, rec.Code, rec.Body.String())
		}
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{
		"sync_t9_2024-10-01_2024-10-01_CAMPAIGN",
		"sync_t9_2024-10-01_2024-10-01_ADSET",
		"sync_t9_2024-10-01_2024-10-01_AD",
	}
	if !reflect.DeepEqual(first.Jobs, want) || !reflect.DeepEqual(second.Jobs, want) {
		t.Errorf("unexpected jobs %v / %v", first.Jobs, second.Jobs)
	}
	if first.Created != 3 || second.Created != 0 {
		t.Errorf("expected 3 then 0 created, got %d then %d", first.Created, second.Created)
	}

	stats, _ := q.Stats(context.Background())
	if stats[queue.StateWaiting] != 3 {
		t.Errorf("expected 3 waiting jobs, got %v", stats)
	}
}

func TestSync_DefaultsToToday(t *testing.T) {
	h, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, syncRequest("", "t1"))

	var resp SyncResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Date != time.Now().UTC().Format("2006-01-02") {
		t.Errorf("expected today's date, got %q", resp.Date)
	}
}

func TestSync_Validation(t *testing.T) {
	h, _ := newTestServer(t)

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"bad date", syncRequest("01/10/2024", "t1"), http.StatusBadRequest},
		{"missing tenant", syncRequest("2024-10-01", ""), http.StatusBadRequest},
		{"no api key", httptest.NewRequest(http.MethodPost, "/v1/sync", nil), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req)
			if rec.Code != tt.want {
				t.Errorf("got %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestQueueEndpoints(t *testing.T) {
	h, _ := newTestServer(t)
	h.ServeHTTP(httptest.NewRecorder(), syncRequest("2024-10-01", "t1"))

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	req.Header.Set(middleware.AuthHeaderName, "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var stats map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["waiting"] != 3 {
		t.Errorf("unexpected stats %v", stats)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/queue/dead?limit=0", nil)
	req.Header.Set(middleware.AuthHeaderName, "k")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t)
	h.ServeHTTP(httptest.NewRecorder(), syncRequest("2024-10-01", "t1"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_jobs_enqueued_total{result="created"} 3`) {
		t.Errorf("expected enqueue counter in metrics output")
	}
}

func TestHealth_DegradedCheck(t *testing.T) {
	srv := &Server{
		logger:  zaptest.NewLogger(t),
		config:  &config.Config{},
		started: time.Now(),
		now:     time.Now,
		checks: map[string]func(context.Context) error{
			"redis":    func(context.Context) error { return nil },
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		},
	}
	rec := httptest.NewRecorder()
	srv.routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Status != "degraded" || body.Checks["redis"] != "ok" || body.Checks["postgres"] != "connection refused" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestSync_PerIPRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 20},
	}
	q := queue.New(client, config.QueueConfig{Prefix: "test:sync"}, logger, nil)
	srv := &Server{queue: q, logger: logger, config: cfg, started: time.Now(), now: time.Now}
	h := srv.routes(nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, syncRequest("2024-10-01", "t1"))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusAccepted || codes[1] != http.StatusAccepted || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected codes %v", codes)
	}
}
