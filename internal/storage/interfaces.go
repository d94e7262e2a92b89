package storage

import (
	"context"
	"time"

	"github.com/radiusdt/adstats/internal/models"
)

// =============================================
// ENTITY HIERARCHY (read-only, owned by CRUD)
// =============================================

// EntityRepo reads the campaign → ad set → ad hierarchy of a tenant.
type EntityRepo interface {
	ListCampaigns(ctx context.Context, tenantID string) ([]*models.Campaign, error)
	ListAdSets(ctx context.Context, tenantID string) ([]*models.AdSet, error)
	ListAds(ctx context.Context, tenantID string) ([]*models.Ad, error)
}

// AdAccountRepo reads ad account connections and their encrypted secrets.
type AdAccountRepo interface {
	ListAdAccounts(ctx context.Context, tenantID string) ([]*models.AdAccount, error)
}

// TenantRepo discovers tenants that need syncing.
type TenantRepo interface {
	// ListEligibleTenants returns tenants with at least one active or paused
	// campaign whose ad account connection is active.
	ListEligibleTenants(ctx context.Context) ([]string, error)
}

// =============================================
// STATS
// =============================================

// RawStatStore is the append-only raw observation log.
type RawStatStore interface {
	// AppendRaw inserts every row without any existence check.
	AppendRaw(ctx context.Context, rows []models.RawStatRow) (int, error)
	// ListRaw returns all rows for the entities whose DateStart is date.
	ListRaw(ctx context.Context, tenantID string, level models.Level, entityIDs []string, date time.Time) ([]models.RawStatRow, error)
}

// DailyStatStore holds one summary row per (tenant, level, entity, date).
type DailyStatStore interface {
	// UpsertDaily replaces existing rows entirely.
	UpsertDaily(ctx context.Context, stats []models.DailyStat) (int, error)
	// ListDaily returns rows for the date; a nil entityIDs returns every entity.
	ListDaily(ctx context.Context, tenantID string, level models.Level, entityIDs []string, date time.Time) ([]models.DailyStat, error)
}

// SellpageStatStore holds one rollup row per (tenant, sellpage, date, channel).
type SellpageStatStore interface {
	UpsertSellpageDaily(ctx context.Context, stats []models.SellpageDailyStat) (int, error)
	ListSellpageDaily(ctx context.Context, tenantID string, date time.Time) ([]models.SellpageDailyStat, error)
}

// Store bundles every repository the pipeline needs.
type Store interface {
	EntityRepo
	AdAccountRepo
	TenantRepo
	RawStatStore
	DailyStatStore
	SellpageStatStore
}

// idSet builds a lookup set; a nil slice means "match everything".
func idSet(ids []string) map[string]struct{} {
	if ids == nil {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func inSet(set map[string]struct{}, id string) bool {
	if set == nil {
		return true
	}
	_, ok := set[id]
	return ok
}
