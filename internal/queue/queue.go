// Package queue is a Redis-backed, at-least-once job queue for sync units.
//
// Keys under the configured prefix:
//
//	<prefix>:job:<id>   hash with payload, state, attempts, last error
//	<prefix>:wait       list of ready job ids
//	<prefix>:active     list of ids currently held by a worker
//	<prefix>:delayed    zset of ids waiting for a retry, scored by due time (ms)
//	<prefix>:completed  capped list of finished job records
//	<prefix>:dead       capped list of jobs that ran out of attempts
//
// A job id is its dedup key. While the hash exists (waiting, active or
// delayed) enqueueing the same id is a no-op. Finished and dead jobs drop
// their hash so the next enqueue creates fresh work. Jobs held in active
// longer than StaleAfter are put back on wait, so a worker that fails to
// settle a job never strands its key.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/radiusdt/adstats/internal/config"
	"github.com/radiusdt/adstats/internal/metrics"
	"github.com/radiusdt/adstats/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	StateWaiting = "waiting"
	StateActive  = "active"
	StateDelayed = "delayed"
)

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'state', 'waiting', 'attempts', '0', 'enqueued_at', ARGV[3])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// dequeueScript moves one id from wait to active and claims its hash in the
// same step. It returns {id, 0} for an orphan id whose hash is gone, and
// {id, attempts, payload} otherwise.
var dequeueScript = redis.NewScript(`
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not id then
	return false
end
local jk = ARGV[1] .. id
if redis.call('EXISTS', jk) == 0 then
	redis.call('LREM', KEYS[2], 1, id)
	return {id, 0}
end
local attempts = redis.call('HINCRBY', jk, 'attempts', 1)
redis.call('HSET', jk, 'state', 'active', 'started_at', ARGV[2])
return {id, attempts, redis.call('HGET', jk, 'payload') or ''}
`)

// promoteScript moves due delayed ids back to wait. Ids whose hash is gone
// are dropped.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
local n = 0
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local jk = ARGV[2] .. id
	if redis.call('EXISTS', jk) == 1 then
		redis.call('HSET', jk, 'state', 'waiting')
		redis.call('LPUSH', KEYS[2], id)
		n = n + 1
	end
end
return n
`)

// reapScript returns one active id to wait when its claim is older than the
// cutoff, or drops it when the hash is gone.
var reapScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 0 then
	redis.call('LREM', KEYS[1], 0, ARGV[1])
	return 0
end
local started = redis.call('HGET', KEYS[3], 'started_at')
if started and tonumber(started) > tonumber(ARGV[2]) then
	return 0
end
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'waiting')
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// Job is a dequeued unit of work.
type Job struct {
	ID       string
	Payload  models.JobPayload
	Attempts int
}

// Handler processes one job. Returning an error wrapped with Permanent sends
// the job straight to dead.
type Handler func(ctx context.Context, job *Job) error

// Record is the history entry kept for completed and dead jobs.
type Record struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenantId"`
	Level      models.Level `json:"level"`
	Attempts   int          `json:"attempts"`
	Error      string       `json:"error,omitempty"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// Queue is the Redis job queue.
type Queue struct {
	client  *redis.Client
	cfg     config.QueueConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(client *redis.Client, cfg config.QueueConfig, logger *zap.Logger, m *metrics.Metrics) *Queue {
	if cfg.Prefix == "" {
		cfg.Prefix = "adstats:sync"
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = 5 * time.Second
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = 100
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = 500
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &Queue{client: client, cfg: cfg, logger: logger, metrics: m, now: time.Now}
}

func (q *Queue) key(parts ...string) string {
	k := q.cfg.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string { return q.key("job", id) }

// Enqueue adds the payload under its dedup id. created is false when a job
// with that id is already waiting, active or delayed.
func (q *Queue) Enqueue(ctx context.Context, payload models.JobPayload) (string, bool, error) {
	if err := payload.Validate(); err != nil {
		return "", false, fmt.Errorf("invalid job payload: %w", err)
	}
	id := payload.ID()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key("wait")},
		id, string(body), strconv.FormatInt(q.now().UnixMilli(), 10),
	).Int()
	if err != nil {
		return "", false, fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}

	created := res == 1
	if q.metrics != nil {
		q.metrics.RecordEnqueue(created)
	}
	return id, created, nil
}

// Start re-queues jobs left active by a previous process, then runs the
// worker pool and the delayed-job promoter until ctx is cancelled.
func (q *Queue) Start(ctx context.Context, handler Handler) error {
	n, err := q.requeueStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		q.logger.Warn("re-queued stale active jobs", zap.Int("count", n))
	}

	q.logger.Info("queue workers starting",
		zap.String("prefix", q.cfg.Prefix),
		zap.Int("concurrency", q.cfg.Concurrency),
		zap.Int("attempts", q.cfg.Attempts),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			q.work(ctx, worker, handler)
			return nil
		})
	}
	g.Go(func() error {
		q.promote(ctx)
		return nil
	})
	return g.Wait()
}

func (q *Queue) work(ctx context.Context, worker int, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := q.processNext(ctx, handler)
		if err != nil && ctx.Err() == nil {
			q.logger.Error("queue worker error", zap.Int("worker", worker), zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

func (q *Queue) promote(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("failed to promote delayed jobs", zap.Error(err))
			}
			if n, err := q.reapStale(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("failed to reap stale jobs", zap.Error(err))
			} else if n > 0 {
				q.logger.Warn("re-queued stuck active jobs", zap.Int("count", n))
			}
			q.refreshDepth(ctx)
		}
	}
}

// processNext takes one ready job and runs it. It reports whether a job was
// taken.
func (q *Queue) processNext(ctx context.Context, handler Handler) (bool, error) {
	job, err := q.dequeue(ctx)
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	if job == nil {
		return true, nil
	}

	// A started job runs to completion even during shutdown.
	runErr := q.run(context.WithoutCancel(ctx), handler, job)
	return true, q.settle(context.WithoutCancel(ctx), job, runErr)
}

// dequeue claims the next waiting job. It returns redis.Nil when wait is
// empty and a nil job for an orphan id. A job whose payload cannot be
// decoded is sent to dead.
func (q *Queue) dequeue(ctx context.Context) (*Job, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.key("wait"), q.key("active")},
		q.key("job")+":", strconv.FormatInt(q.now().UnixMilli(), 10),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	id, _ := res[0].(string)
	attempts, _ := res[1].(int64)
	if attempts == 0 {
		return nil, nil
	}
	raw := ""
	if len(res) > 2 {
		raw, _ = res[2].(string)
	}

	job := &Job{ID: id, Attempts: int(attempts)}
	if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
		decodeErr := fmt.Errorf("failed to decode job %s: %w", id, err)
		q.logger.Error("sync job dead", zap.String("job_id", id), zap.Error(decodeErr))
		if ferr := q.finish(ctx, job, "dead", q.cfg.KeepFailed, decodeErr); ferr != nil {
			return nil, ferr
		}
		return nil, decodeErr
	}
	return job, nil
}

func (q *Queue) run(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) settle(ctx context.Context, job *Job, runErr error) error {
	switch {
	case runErr == nil:
		return q.finish(ctx, job, "completed", q.cfg.KeepCompleted, nil)

	case IsPermanent(runErr) || job.Attempts >= q.cfg.Attempts:
		q.logger.Error("sync job dead",
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.Payload.TenantID),
			zap.String("level", string(job.Payload.Level)),
			zap.Int("attempts", job.Attempts),
			zap.Bool("permanent", IsPermanent(runErr)),
			zap.Error(runErr),
		)
		return q.finish(ctx, job, "dead", q.cfg.KeepFailed, runErr)

	default:
		delay := q.Backoff(job.Attempts)
		due := q.now().Add(delay)

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.HSet(ctx, q.jobKey(job.ID), "state", StateDelayed, "error", runErr.Error())
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to schedule retry for %s: %w", job.ID, err)
		}

		q.logger.Warn("sync job failed, retrying",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Duration("backoff", delay),
			zap.Error(runErr),
		)
		return nil
	}
}

func (q *Queue) finish(ctx context.Context, job *Job, list string, keep int, runErr error) error {
	rec := Record{
		ID:         job.ID,
		TenantID:   job.Payload.TenantID,
		Level:      job.Payload.Level,
		Attempts:   job.Attempts,
		FinishedAt: q.now().UTC(),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, job.ID)
	pipe.Del(ctx, q.jobKey(job.ID))
	pipe.LPush(ctx, q.key(list), body)
	pipe.LTrim(ctx, q.key(list), 0, int64(keep-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark job %s %s: %w", job.ID, list, err)
	}
	return nil
}

// Backoff returns the retry delay after the given attempt: base, 2×base, 4×base...
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
}

// promoteDue moves delayed jobs whose due time has passed back to wait.
func (q *Queue) promoteDue(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.key("delayed"), q.key("wait")},
		strconv.FormatInt(q.now().UnixMilli(), 10), q.key("job")+":",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return n, nil
}

// reapStale puts active jobs claimed more than StaleAfter ago back on wait.
func (q *Queue) reapStale(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read active jobs: %w", err)
	}

	cutoff := strconv.FormatInt(q.now().Add(-q.cfg.StaleAfter).UnixMilli(), 10)
	reaped := 0
	for _, id := range ids {
		n, err := reapScript.Run(ctx, q.client,
			[]string{q.key("active"), q.key("wait"), q.jobKey(id)},
			id, cutoff,
		).Int()
		if err != nil {
			return reaped, fmt.Errorf("failed to reap job %s: %w", id, err)
		}
		reaped += n
	}
	return reaped, nil
}

func (q *Queue) requeueStale(ctx context.Context) (int, error) {
	n := 0
	for {
		id, err := q.client.RPopLPush(ctx, q.key("active"), q.key("wait")).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to re-queue stale jobs: %w", err)
		}
		q.client.HSet(ctx, q.jobKey(id), "state", StateWaiting)
		n++
	}
}

// Stats returns the number of jobs held in each state.
func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.key("wait"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.LLen(ctx, q.key("completed"))
	dead := pipe.LLen(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return map[string]int64{
		StateWaiting: waiting.Val(),
		StateActive:  active.Val(),
		StateDelayed: delayed.Val(),
		"completed":  completed.Val(),
		"dead":       dead.Val(),
	}, nil
}

// Dead returns up to n of the most recent dead job records.
func (q *Queue) Dead(ctx context.Context, n int64) ([]Record, error) {
	return q.history(ctx, "dead", n)
}

// Completed returns up to n of the most recent completed job records.
func (q *Queue) Completed(ctx context.Context, n int64) ([]Record, error) {
	return q.history(ctx, "completed", n)
}

func (q *Queue) history(ctx context.Context, list string, n int64) ([]Record, error) {
	raw, err := q.client.LRange(ctx, q.key(list), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s jobs: %w", list, err)
	}
	out := make([]Record, 0, len(raw))
	for _, r := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	counts, err := q.Stats(ctx)
	if err != nil {
		return
	}
	q.metrics.UpdateQueueDepth(counts)
}
