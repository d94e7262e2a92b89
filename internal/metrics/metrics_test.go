package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.RecordJob("CAMPAIGN", "completed", 120*time.Millisecond)
	m.RecordJob("CAMPAIGN", "completed", 80*time.Millisecond)
	m.RecordEnqueue(true)
	m.RecordEnqueue(false)
	m.RecordEnqueue(false)
	m.RecordStage("raw", 7)

	if got := testutil.ToFloat64(m.JobsProcessed.WithLabelValues("CAMPAIGN", "completed")); got != 2 {
		t.Errorf("expected 2 completed jobs, got %v", got)
	}
	if got := testutil.ToFloat64(m.JobsEnqueued.WithLabelValues("duplicate")); got != 2 {
		t.Errorf("expected 2 duplicates, got %v", got)
	}
	if got := testutil.ToFloat64(m.StageRows.WithLabelValues("raw")); got != 7 {
		t.Errorf("expected 7 raw rows, got %v", got)
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two instances on separate registries must not collide.
	NewMetrics("test", prometheus.NewRegistry())
	NewMetrics("test", prometheus.NewRegistry())
}
