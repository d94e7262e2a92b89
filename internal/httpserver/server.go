package httpserver

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/radiusdt/adstats/internal/config"
	"github.com/radiusdt/adstats/internal/metrics"
	"github.com/radiusdt/adstats/internal/middleware"
	"github.com/radiusdt/adstats/internal/models"
	"github.com/radiusdt/adstats/internal/queue"
	"go.uber.org/zap"
)

// JobQueue is the part of the job queue the HTTP surface needs.
type JobQueue interface {
	Enqueue(ctx context.Context, payload models.JobPayload) (string, bool, error)
	Stats(ctx context.Context) (map[string]int64, error)
	Dead(ctx context.Context, n int64) ([]queue.Record, error)
}

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Queue       JobQueue
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     http.Handler
	// RateLimiter guards the sync trigger. A limiter is built from Config when nil.
	RateLimiter *middleware.RateLimitMiddleware
	// Checks are probed by /health; any failure reports the service degraded.
	Checks      map[string]func(context.Context) error
}

// Server exposes the sync trigger and operational endpoints.
type Server struct {
	queue   JobQueue
	logger  *zap.Logger
	config  *config.Config
	checks  map[string]func(context.Context) error
	limiter *middleware.RateLimitMiddleware
	started time.Time
	now     func() time.Time
}

// SyncResponse is returned by the sync trigger.
type SyncResponse struct {
	Date    string   `json:"date"`
	Jobs    []string `json:"jobs"`
	Created int      `json:"created"`
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		queue:   deps.Queue,
		logger:  deps.Logger,
		config:  deps.Config,
		checks:  deps.Checks,
		limiter: deps.RateLimiter,
		started: time.Now(),
		now:     time.Now,
	}
	return s.routes(deps.Metrics)
}

func (s *Server) routes(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(s.logger).Handler)
	r.Use(middleware.NewLoggingMiddleware(s.logger).Handler)
	r.Use(middleware.NewAuthMiddleware(s.config.Auth, s.logger).Handler)

	r.Get("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		if metricsHandler == nil {
			metricsHandler = metrics.Handler()
		}
		r.Method(http.MethodGet, s.config.Metrics.Path, metricsHandler)
	}

	limiter := s.limiter
	if limiter == nil {
		limiter = middleware.NewRateLimitMiddleware(s.config.RateLimit, s.logger)
	}
	r.Route("/v1", func(r chi.Router) {
		r.With(limiter.Handler, limiter.HandlerPerIP, middleware.Tenant).Post("/sync", s.handleSync)
		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/queue/dead", s.handleDeadJobs)
	})

	return r
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(math.Floor(s.now().Sub(s.started).Seconds())),
	}
	if len(s.checks) == 0 {
		s.jsonResponse(w, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			healthy = false
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	resp["checks"] = results

	if !healthy {
		resp["status"] = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	s.jsonResponse(w, resp)
}

// ---- Sync Trigger ----

// handleSync enqueues one job per level for the caller's tenant. Repeat calls
// for the same date return the same job ids without new work.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())

	date := models.Day(s.now())
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		d, err := models.ParseDate(raw)
		if err != nil {
			s.errorResponse(w, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		date = d
	}

	resp := SyncResponse{Date: models.FormatDate(date), Jobs: make([]string, 0, 3)}
	for _, level := range models.AllLevels() {
		id, created, err := s.queue.Enqueue(r.Context(), models.NewJobPayload(tenantID, level, date))
		if err != nil {
			s.logger.Error("failed to enqueue sync job",
				zap.String("tenant_id", tenantID),
				zap.String("level", string(level)),
				zap.Error(err),
			)
			s.errorResponse(w, "failed to enqueue sync jobs", http.StatusServiceUnavailable)
			return
		}
		resp.Jobs = append(resp.Jobs, id)
		if created {
			resp.Created++
		}
	}

	s.logger.Info("sync triggered",
		zap.String("tenant_id", tenantID),
		zap.String("date", resp.Date),
		zap.Int("created", resp.Created),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// ---- Queue ----

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read queue stats", zap.Error(err))
		s.errorResponse(w, "failed to read queue stats", http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, stats)
}

func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			s.errorResponse(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.queue.Dead(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read dead jobs", zap.Error(err))
		s.errorResponse(w, "failed to read dead jobs", http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, records)
}

// ---- Helper Methods ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
