// Package pipeline runs one sync job end to end: resolve the hierarchy,
// fetch provider stats, append them to the raw log, re-aggregate the daily
// summaries and, for campaign jobs, refresh the sellpage rollup.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/adstats/internal/metrics"
	"github.com/radiusdt/adstats/internal/models"
	"github.com/radiusdt/adstats/internal/provider"
	"github.com/radiusdt/adstats/internal/queue"
	"github.com/radiusdt/adstats/internal/resolver"
	"github.com/radiusdt/adstats/internal/stats"
	"go.uber.org/zap"
)

const (
	StageResolve   = "resolve"
	StageFetch     = "fetch"
	StageWrite     = "write"
	StageAggregate = "aggregate"
	StageRollup    = "rollup"
)

// Result summarises one processed job.
type Result struct {
	JobID        string
	Entities     int
	RawRows      int
	DailyRows    int
	SellpageRows int
	Duration     time.Duration
}

// Processor wires the pipeline stages together.
type Processor struct {
	resolver   *resolver.Resolver
	provider   provider.Provider
	writer     *stats.Writer
	aggregator *stats.Aggregator
	rollup     *stats.Rollup
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// Dependencies holds the stages a Processor runs.
type Dependencies struct {
	Resolver   *resolver.Resolver
	Provider   provider.Provider
	Writer     *stats.Writer
	Aggregator *stats.Aggregator
	Rollup     *stats.Rollup
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

func NewProcessor(deps Dependencies) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		resolver:   deps.Resolver,
		provider:   deps.Provider,
		writer:     deps.Writer,
		aggregator: deps.Aggregator,
		rollup:     deps.Rollup,
		logger:     logger,
		metrics:    deps.Metrics,
	}
}

// Process runs the job. A tenant with no syncable entities at the level is a
// successful no-op. Errors carry the failing stage; provider-fatal and
// invalid payload errors are marked permanent.
func (p *Processor) Process(ctx context.Context, payload models.JobPayload) (*Result, error) {
	start := time.Now()
	res := &Result{JobID: payload.ID()}

	if err := payload.Validate(); err != nil {
		return res, queue.Permanent(fmt.Errorf("invalid payload: %w", err))
	}
	from, to := payload.Range()

	log := p.logger.With(
		zap.String("job_id", res.JobID),
		zap.String("tenant_id", payload.TenantID),
		zap.String("level", string(payload.Level)),
	)

	var hierarchy *resolver.Hierarchy
	_, err := p.stage(log, StageResolve, func() (int, error) {
		h, err := p.resolver.Resolve(ctx, payload.TenantID)
		if err != nil {
			return 0, err
		}
		hierarchy = h
		return len(h.ForLevel(payload.Level)), nil
	})
	if err != nil {
		return res, err
	}

	entities := hierarchy.ForLevel(payload.Level)
	res.Entities = len(entities)
	if len(entities) == 0 {
		log.Info("no syncable entities, nothing to do")
		res.Duration = time.Since(start)
		return res, nil
	}
	ids := hierarchy.IDs(payload.Level)

	var rows []models.RawStatRow
	_, err = p.stage(log, StageFetch, func() (int, error) {
		r, err := p.provider.FetchStats(ctx, provider.FetchRequest{
			TenantID: payload.TenantID,
			Level:    payload.Level,
			Entities: entities,
			From:     from,
			To:       to,
		})
		rows = r
		return len(r), err
	})
	if err != nil {
		if provider.IsFatal(err) {
			return res, queue.Permanent(err)
		}
		return res, err
	}

	res.RawRows, err = p.stage(log, StageWrite, func() (int, error) {
		return p.writer.Write(ctx, rows)
	})
	if err != nil {
		return res, err
	}

	days := models.DaysBetween(from, to)

	res.DailyRows, err = p.stage(log, StageAggregate, func() (int, error) {
		total := 0
		for _, day := range days {
			n, err := p.aggregator.Aggregate(ctx, payload.TenantID, payload.Level, ids, day)
			total += n
			if err != nil {
				return total, fmt.Errorf("%s: %w", models.FormatDate(day), err)
			}
		}
		return total, nil
	})
	if err != nil {
		return res, err
	}

	if payload.Level == models.LevelCampaign && p.rollup != nil {
		res.SellpageRows, err = p.stage(log, StageRollup, func() (int, error) {
			total := 0
			for _, day := range days {
				n, err := p.rollup.Rollup(ctx, payload.TenantID, ids, day)
				total += n
				if err != nil {
					return total, fmt.Errorf("%s: %w", models.FormatDate(day), err)
				}
			}
			return total, nil
		})
		if err != nil {
			return res, err
		}
	}

	res.Duration = time.Since(start)
	log.Info("sync job processed",
		zap.Int("entities", res.Entities),
		zap.Int("raw_rows", res.RawRows),
		zap.Int("daily_rows", res.DailyRows),
		zap.Int("sellpage_rows", res.SellpageRows),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (p *Processor) stage(log *zap.Logger, name string, fn func() (int, error)) (int, error) {
	start := time.Now()
	n, err := fn()
	took := time.Since(start)

	if err != nil {
		log.Error("stage failed",
			zap.String("stage", name),
			zap.Duration("duration", took),
			zap.Error(err),
		)
		return n, fmt.Errorf("%s stage: %w", name, err)
	}

	log.Debug("stage done",
		zap.String("stage", name),
		zap.Int("count", n),
		zap.Duration("duration", took),
	)
	if p.metrics != nil {
		p.metrics.RecordStage(name, n)
	}
	return n, nil
}

// Handle adapts Process to queue.Handler.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	start := time.Now()
	_, err := p.Process(ctx, job.Payload)

	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "failed"
		}
		p.metrics.RecordJob(string(job.Payload.Level), status, time.Since(start))
	}
	return err
}
