package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/radiusdt/adstats/internal/models"
)

// ClickHouseRawStore keeps the append-only raw log in a ClickHouse MergeTree
// table. Daily and sellpage summaries stay in Postgres.
type ClickHouseRawStore struct {
	conn driver.Conn
}

func NewClickHouseRawStore(conn driver.Conn) *ClickHouseRawStore {
	return &ClickHouseRawStore{conn: conn}
}

func (s *ClickHouseRawStore) AppendRaw(ctx context.Context, rows []models.RawStatRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO raw_stats")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare raw batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.ID, r.TenantID, string(r.EntityType), r.EntityID, r.ExternalID,
			r.FetchedAt, r.DateStart, r.DateStop,
			r.Spend, r.Impressions, r.LinkClicks, r.ContentViews,
			r.AddToCart, r.CheckoutInitiated, r.Purchases, r.PurchaseValue,
			r.CPM, r.CTR, r.CPC, r.CostPerPurchase, r.ROAS,
		); err != nil {
			return 0, fmt.Errorf("failed to append raw row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send raw batch: %w", err)
	}
	return len(rows), nil
}

// ListRaw filters entity ids client-side; the per-day slice of one tenant and
// level is small.
func (s *ClickHouseRawStore) ListRaw(ctx context.Context, tenantID string, level models.Level, entityIDs []string, date time.Time) ([]models.RawStatRow, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+rawColumns+`
		FROM raw_stats
		WHERE tenant_id = ? AND entity_type = ? AND date_start = ?
		ORDER BY fetched_at
	`, tenantID, string(level), models.Day(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query raw stats: %w", err)
	}
	defer rows.Close()

	set := idSet(entityIDs)
	result := make([]models.RawStatRow, 0)
	for rows.Next() {
		var r models.RawStatRow
		var entityType string
		if err := rows.Scan(
			&r.ID, &r.TenantID, &entityType, &r.EntityID, &r.ExternalID,
			&r.FetchedAt, &r.DateStart, &r.DateStop,
			&r.Spend, &r.Impressions, &r.LinkClicks, &r.ContentViews,
			&r.AddToCart, &r.CheckoutInitiated, &r.Purchases, &r.PurchaseValue,
			&r.CPM, &r.CTR, &r.CPC, &r.CostPerPurchase, &r.ROAS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan raw stat: %w", err)
		}
		if !inSet(set, r.EntityID) {
			continue
		}
		r.EntityType = models.Level(entityType)
		result = append(result, r)
	}
	return result, rows.Err()
}
