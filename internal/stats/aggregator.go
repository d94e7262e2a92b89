package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/radiusdt/adstats/internal/models"
	"github.com/radiusdt/adstats/internal/storage"
)

// aggregatorStore is the slice of storage the aggregator touches.
type aggregatorStore interface {
	storage.RawStatStore
	storage.DailyStatStore
}

// Aggregator recomputes daily summaries from the raw log.
type Aggregator struct {
	store aggregatorStore
	now   func() time.Time
}

func NewAggregator(store aggregatorStore) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Aggregate sums every raw row per entity for the date, re-derives ratios from
// the sums and replaces the daily row. Entities without raw rows are skipped.
// Running it again over an unchanged raw log yields the same rows.
func (a *Aggregator) Aggregate(ctx context.Context, tenantID string, level models.Level, entityIDs []string, date time.Time) (int, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}

	raw, err := a.store.ListRaw(ctx, tenantID, level, entityIDs, date)
	if err != nil {
		return 0, fmt.Errorf("failed to load raw stats: %w", err)
	}
	if len(raw) == 0 {
		return 0, nil
	}

	grouped := make(map[string][]models.Counters)
	for _, r := range raw {
		grouped[r.EntityID] = append(grouped[r.EntityID], r.Counters)
	}

	ids := make([]string, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	updatedAt := a.now().UTC()
	day := models.Day(date)
	summaries := make([]models.DailyStat, 0, len(ids))
	for _, id := range ids {
		counters := Sum(grouped[id])
		summaries = append(summaries, models.DailyStat{
			TenantID:    tenantID,
			EntityType:  level,
			EntityID:    id,
			Date:        day,
			RawRowCount: len(grouped[id]),
			UpdatedAt:   updatedAt,
			Counters:    counters,
			Ratios:      DeriveRatios(counters),
		})
	}

	n, err := a.store.UpsertDaily(ctx, summaries)
	if err != nil {
		return n, fmt.Errorf("failed to upsert daily stats: %w", err)
	}
	return n, nil
}
