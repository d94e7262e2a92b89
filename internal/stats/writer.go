package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/adstats/internal/models"
	"github.com/radiusdt/adstats/internal/storage"
)

// Writer appends fetched rows to the raw log. It never checks for existing
// rows: a re-fetch of the same date adds more rows.
type Writer struct {
	store storage.RawStatStore
	now   func() time.Time
}

func NewWriter(store storage.RawStatStore) *Writer {
	return &Writer{store: store, now: time.Now}
}

// Write assigns missing ids and fetch timestamps and appends every row.
func (w *Writer) Write(ctx context.Context, rows []models.RawStatRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	fetchedAt := w.now().UTC()
	batch := make([]models.RawStatRow, len(rows))
	for i, r := range rows {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.FetchedAt.IsZero() {
			r.FetchedAt = fetchedAt
		}
		batch[i] = r
	}

	n, err := w.store.AppendRaw(ctx, batch)
	if err != nil {
		return n, fmt.Errorf("failed to append raw stats: %w", err)
	}
	return n, nil
}
