// Package scheduler periodically enqueues a sync job per level for every
// tenant with live campaigns.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/adstats/internal/metrics"
	"github.com/radiusdt/adstats/internal/models"
	"github.com/radiusdt/adstats/internal/storage"
	"go.uber.org/zap"
)

// Enqueuer accepts sync jobs. *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.JobPayload) (string, bool, error)
}

// TickResult counts what one tick did.
type TickResult struct {
	Tenants  int
	Enqueued int
	Skipped  int
	Failed   int
}

// Scheduler triggers the pipeline for today's date.
type Scheduler struct {
	tenants  storage.TenantRepo
	queue    Enqueuer
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(tenants storage.TenantRepo, q Enqueuer, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		tenants:  tenants,
		queue:    q,
		interval: interval,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Run ticks once immediately and then every interval until ctx is done.
// A failing tick is logged and the loop keeps going.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return nil
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", zap.Any("panic", r))
			s.recordTick("panic", 0)
		}
	}()

	res, err := s.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}
		return
	}
	s.logger.Info("scheduler tick done",
		zap.Int("tenants", res.Tenants),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
}

// Tick enqueues CAMPAIGN, ADSET and AD jobs for today for each eligible
// tenant. Already-pending jobs are counted as skipped.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult

	tenants, err := s.tenants.ListEligibleTenants(ctx)
	if err != nil {
		s.recordTick("error", 0)
		return res, fmt.Errorf("failed to list eligible tenants: %w", err)
	}
	res.Tenants = len(tenants)

	today := models.Day(s.now())
	for _, tenantID := range tenants {
		for _, level := range models.AllLevels() {
			id, created, err := s.queue.Enqueue(ctx, models.NewJobPayload(tenantID, level, today))
			switch {
			case err != nil:
				res.Failed++
				s.logger.Error("failed to enqueue sync job",
					zap.String("tenant_id", tenantID),
					zap.String("level", string(level)),
					zap.Error(err),
				)
			case created:
				res.Enqueued++
			default:
				res.Skipped++
				s.logger.Debug("sync job already pending", zap.String("job_id", id))
			}
		}
	}

	s.recordTick("ok", res.Tenants)
	return res, nil
}

func (s *Scheduler) recordTick(status string, eligible int) {
	if s.metrics != nil {
		s.metrics.RecordTick(status, eligible)
	}
}
