package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/radiusdt/adstats/internal/config"
	"github.com/radiusdt/adstats/internal/metrics"
	"github.com/radiusdt/adstats/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

var qDay = time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis, *clock, *metrics.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	q := New(client, config.QueueConfig{
		Prefix:          "test:sync",
		Concurrency:     2,
		Attempts:        3,
		BackoffBase:     30 * time.Second,
		PollInterval:    10 * time.Millisecond,
		PromoteInterval: 10 * time.Millisecond,
		KeepCompleted:   2,
		KeepFailed:      5,
		StaleAfter:      time.Minute,
	}, zaptest.NewLogger(t), m)

	c := &clock{t: time.Date(2024, 7, 4, 12, 0, 0, 0, time.UTC)}
	q.now = c.now
	return q, mr, c, m
}

func payload(tenant string, level models.Level) models.JobPayload {
	return models.NewJobPayload(tenant, level, qDay)
}

func TestEnqueue_Dedup(t *testing.T) {
	q, _, _, m := newTestQueue(t)
	ctx := context.Background()

	id1, created1, err := q.Enqueue(ctx, payload("t1", models.LevelCampaign))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id2, created2, err := q.Enqueue(ctx, payload("t1", models.LevelCampaign))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if id1 != "sync_t1_2024-07-04_2024-07-04_CAMPAIGN" {
		t.Errorf("unexpected id %q", id1)
	}
	if id1 != id2 {
		t.Errorf("expected identical ids, got %q and %q", id1, id2)
	}
	if !created1 || created2 {
		t.Errorf("expected created=true then false, got %v %v", created1, created2)
	}

	stats, _ := q.Stats(ctx)
	if stats[StateWaiting] != 1 {
		t.Errorf("expected one waiting job, got %d", stats[StateWaiting])
	}
	if got := testutil.ToFloat64(m.JobsEnqueued.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("expected one duplicate enqueue, got %v", got)
	}
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	_, _, err := q.Enqueue(context.Background(), models.JobPayload{TenantID: "t1", DateFrom: "bad", DateTo: "bad", Level: models.LevelAd})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestProcess_CompletesAndReleasesKey(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()
	_, _, _ = q.Enqueue(ctx, payload("t1", models.LevelAd))

	var seen *Job
	ok, err := q.processNext(ctx, func(ctx context.Context, job *Job) error {
		seen = job
		// Dedup holds while active.
		if _, created, _ := q.Enqueue(ctx, job.Payload); created {
			t.Errorf("enqueue during processing should be deduplicated")
		}
		return nil
	})
	if !ok || err != nil {
		t.Fatalf("processNext: ok=%v err=%v", ok, err)
	}
	if seen == nil || seen.Attempts != 1 || seen.Payload.Level != models.LevelAd {
		t.Fatalf("unexpected job %+v", seen)
	}

	stats, _ := q.Stats(ctx)
	if stats[StateActive] != 0 || stats["completed"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}

	if _, created, _ := q.Enqueue(ctx, payload("t1", models.LevelAd)); !created {
		t.Errorf("completed job should release its dedup key")
	}
}

func TestProcess_RetryWithBackoffThenDead(t *testing.T) {
	q, _, c, _ := newTestQueue(t)
	ctx := context.Background()
	_, _, _ = q.Enqueue(ctx, payload("t1", models.LevelAdSet))

	failing := func(ctx context.Context, job *Job) error { return errors.New("upstream 503") }

	for attempt := 1; attempt <= 2; attempt++ {
		if ok, err := q.processNext(ctx, failing); !ok || err != nil {
			t.Fatalf("attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		stats, _ := q.Stats(ctx)
		if stats[StateDelayed] != 1 {
			t.Fatalf("attempt %d: expected delayed job, got %v", attempt, stats)
		}

		// Not due yet.
		c.add(q.Backoff(attempt) - time.Second)
		if n, _ := q.promoteDue(ctx); n != 0 {
			t.Fatalf("attempt %d: promoted before backoff elapsed", attempt)
		}
		c.add(time.Second)
		if n, _ := q.promoteDue(ctx); n != 1 {
			t.Fatalf("attempt %d: expected promotion after backoff", attempt)
		}
	}

	if ok, err := q.processNext(ctx, failing); !ok || err != nil {
		t.Fatalf("final attempt: ok=%v err=%v", ok, err)
	}

	stats, _ := q.Stats(ctx)
	if stats["dead"] != 1 || stats[StateDelayed] != 0 || stats[StateWaiting] != 0 {
		t.Errorf("expected job dead after 3 attempts, got %v", stats)
	}
	dead, _ := q.Dead(ctx, 10)
	if len(dead) != 1 || dead[0].Attempts != 3 || dead[0].Error != "upstream 503" || dead[0].TenantID != "t1" {
		t.Errorf("unexpected dead record %+v", dead)
	}
}

func TestProcess_PermanentGoesStraightToDead(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()
	_, _, _ = q.Enqueue(ctx, payload("t1", models.LevelCampaign))

	_, _ = q.processNext(ctx, func(ctx context.Context, job *Job) error {
		return Permanent(errors.New("credential rejected"))
	})

	stats, _ := q.Stats(ctx)
	if stats["dead"] != 1 || stats[StateDelayed] != 0 {
		t.Errorf("expected permanent failure to skip retries, got %v", stats)
	}
}

func TestProcess_PanicIsFailure(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()
	_, _, _ = q.Enqueue(ctx, payload("t1", models.LevelCampaign))

	ok, err := q.processNext(ctx, func(ctx context.Context, job *Job) error { panic("boom") })
	if !ok || err != nil {
		t.Fatalf("processNext: ok=%v err=%v", ok, err)
	}
	stats, _ := q.Stats(ctx)
	if stats[StateDelayed] != 1 {
		t.Errorf("expected panicking job to be retried, got %v", stats)
	}
}

func TestHistoryIsCapped(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()
	for _, tenant := range []string{"a", "b", "c", "d"} {
		_, _, _ = q.Enqueue(ctx, payload(tenant, models.LevelAd))
		_, _ = q.processNext(ctx, func(ctx context.Context, job *Job) error { return nil })
	}
	done, _ := q.Completed(ctx, 10)
	if len(done) != 2 {
		t.Errorf("expected completed history capped at 2, got %d", len(done))
	}
	if done[0].TenantID != "d" {
		t.Errorf("expected newest record first, got %q", done[0].TenantID)
	}
}

func TestBackoff(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
	}
	for _, tt := range tests {
		if got := q.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestStart_RequeuesStaleAndProcesses(t *testing.T) {
	q, mr, _, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, _, _ := q.Enqueue(ctx, payload("t1", models.LevelCampaign))
	// Simulate a crash mid-job.
	if _, err := q.client.RPopLPush(ctx, q.key("wait"), q.key("active")).Result(); err != nil {
		t.Fatal(err)
	}
	_, _, _ = q.Enqueue(ctx, payload("t2", models.LevelCampaign))

	var processed int32
	done := make(chan error, 1)
	go func() {
		done <- q.Start(ctx, func(ctx context.Context, job *Job) error {
			atomic.AddInt32(&processed, 1)
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&processed) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}

	if atomic.LoadInt32(&processed) != 2 {
		t.Fatalf("expected both jobs processed, got %d", processed)
	}
	if mr.Exists(q.jobKey(id)) {
		t.Errorf("stale job hash should be gone after completion")
	}
}

func TestProcess_UnreadablePayloadGoesToDead(t *testing.T) {
	q, mr, _, _ := newTestQueue(t)
	ctx := context.Background()

	p := payload("t1", models.LevelCampaign)
	id := p.ID()
	q.client.HSet(ctx, q.jobKey(id), "payload", "{not json", "state", StateWaiting, "attempts", 0)
	q.client.LPush(ctx, q.key("wait"), id)

	ok, err := q.processNext(ctx, func(ctx context.Context, job *Job) error {
		t.Fatalf("handler must not run for an unreadable job")
		return nil
	})
	if !ok || err == nil {
		t.Fatalf("expected a taken job with a decode error, got ok=%v err=%v", ok, err)
	}

	stats, _ := q.Stats(ctx)
	if stats[StateActive] != 0 || stats["dead"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
	if mr.Exists(q.jobKey(id)) {
		t.Errorf("dead job hash should be gone")
	}

	if _, created, err := q.Enqueue(ctx, p); err != nil || !created {
		t.Errorf("key should be free again: created=%v err=%v", created, err)
	}
}

func TestReapStale_RequeuesStuckActiveJob(t *testing.T) {
	q, mr, clk, _ := newTestQueue(t)
	ctx := context.Background()

	id, _, _ := q.Enqueue(ctx, payload("t1", models.LevelAd))
	// Claimed but never settled.
	job, err := q.dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}

	if n, err := q.reapStale(ctx); err != nil || n != 0 {
		t.Fatalf("fresh claim must not be reaped: n=%d err=%v", n, err)
	}

	clk.add(time.Minute + time.Second)
	if n, err := q.reapStale(ctx); err != nil || n != 1 {
		t.Fatalf("expected one reaped job: n=%d err=%v", n, err)
	}
	stats, _ := q.Stats(ctx)
	if stats[StateActive] != 0 || stats[StateWaiting] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}

	ok, err := q.processNext(ctx, func(ctx context.Context, job *Job) error { return nil })
	if !ok || err != nil {
		t.Fatalf("processNext: ok=%v err=%v", ok, err)
	}
	if mr.Exists(q.jobKey(id)) {
		t.Errorf("completed job hash should be gone")
	}
}

func TestPromoteDue_DropsOrphans(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()

	q.client.ZAdd(ctx, q.key("delayed"), redis.Z{Score: 0, Member: "ghost"})
	n, err := q.promoteDue(ctx)
	if err != nil || n != 0 {
		t.Fatalf("promoteDue: n=%d err=%v", n, err)
	}
	stats, _ := q.Stats(ctx)
	if stats[StateDelayed] != 0 || stats[StateWaiting] != 0 {
		t.Errorf("orphan should be dropped, got %v", stats)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("x")
	wrapped := Permanent(base)
	if !IsPermanent(wrapped) || !errors.Is(wrapped, base) {
		t.Errorf("Permanent should mark and wrap")
	}
	if IsPermanent(base) {
		t.Errorf("plain error is not permanent")
	}
	if Permanent(nil) != nil {
		t.Errorf("Permanent(nil) should be nil")
	}
}
