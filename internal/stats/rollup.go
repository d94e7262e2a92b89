package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/radiusdt/adstats/internal/models"
	"github.com/radiusdt/adstats/internal/storage"
	"go.uber.org/zap"
)

// rollupStore is the slice of storage the rollup touches.
type rollupStore interface {
	storage.EntityRepo
	storage.AdAccountRepo
	storage.DailyStatStore
	storage.SellpageStatStore
}

// Rollup folds campaign daily stats into per-sellpage, per-channel rows.
type Rollup struct {
	store  rollupStore
	logger *zap.Logger
	now    func() time.Time

	// OnTenantFailure is called for every tenant RollupTenants skips.
	OnTenantFailure func(tenantID string, err error)
}

func NewRollup(store rollupStore, logger *zap.Logger) *Rollup {
	return &Rollup{store: store, logger: logger, now: time.Now}
}

type sellpageGroup struct {
	sellpageID string
	channel    string
}

// Rollup loads CAMPAIGN daily stats for the date, groups them by the owning
// sellpage and the ad channel of the campaign's account, and upserts one row
// per group. Campaigns without a sellpage are skipped.
func (r *Rollup) Rollup(ctx context.Context, tenantID string, campaignIDs []string, date time.Time) (int, error) {
	if len(campaignIDs) == 0 {
		return 0, nil
	}

	daily, err := r.store.ListDaily(ctx, tenantID, models.LevelCampaign, campaignIDs, date)
	if err != nil {
		return 0, fmt.Errorf("failed to load campaign daily stats: %w", err)
	}
	if len(daily) == 0 {
		return 0, nil
	}

	campaigns, err := r.store.ListCampaigns(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load campaigns: %w", err)
	}
	accounts, err := r.store.ListAdAccounts(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load ad accounts: %w", err)
	}

	campaignByID := make(map[string]*models.Campaign, len(campaigns))
	for _, c := range campaigns {
		campaignByID[c.ID] = c
	}
	channelByAccount := make(map[string]string, len(accounts))
	for _, a := range accounts {
		channelByAccount[a.ID] = a.Channel
	}

	counters := make(map[sellpageGroup][]models.Counters)
	for _, st := range daily {
		c, ok := campaignByID[st.EntityID]
		if !ok || c.SellpageID == nil || *c.SellpageID == "" {
			continue
		}
		g := sellpageGroup{sellpageID: *c.SellpageID, channel: channelByAccount[c.AdAccountID]}
		counters[g] = append(counters[g], st.Counters)
	}
	if len(counters) == 0 {
		return 0, nil
	}

	groups := make([]sellpageGroup, 0, len(counters))
	for g := range counters {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].sellpageID != groups[j].sellpageID {
			return groups[i].sellpageID < groups[j].sellpageID
		}
		return groups[i].channel < groups[j].channel
	})

	updatedAt := r.now().UTC()
	day := models.Day(date)
	rows := make([]models.SellpageDailyStat, 0, len(groups))
	for _, g := range groups {
		sum := Sum(counters[g])
		ratios := DeriveRatios(sum)
		rows = append(rows, models.SellpageDailyStat{
			TenantID:   tenantID,
			SellpageID: g.sellpageID,
			Date:       day,
			Channel:    g.channel,
			Revenue:    sum.PurchaseValue,
			Orders:     sum.Purchases,
			AdSpend:    sum.Spend,
			Counters:   sum,

			CPM:                    ratios.CPM,
			CTR:                    ratios.CTR,
			CostPerPurchase:        ratios.CostPerPurchase,
			ROAS:                   ratios.ROAS,
			ClickThroughRate:       SafeDiv(float64(sum.LinkClicks), float64(sum.Impressions)),
			ClickToPurchaseRate:    SafeDiv(float64(sum.Purchases), float64(sum.LinkClicks)),
			CheckoutToPurchaseRate: SafeDiv(float64(sum.Purchases), float64(sum.CheckoutInitiated)),

			CampaignCount: len(counters[g]),
			UpdatedAt:     updatedAt,
		})
	}

	n, err := r.store.UpsertSellpageDaily(ctx, rows)
	if err != nil {
		return n, fmt.Errorf("failed to upsert sellpage stats: %w", err)
	}
	return n, nil
}

// RollupTenants runs Rollup for every tenant in byTenant. A failing tenant is
// logged and skipped; the rest still roll up. It returns the total rows
// upserted and the number of tenants that failed.
func (r *Rollup) RollupTenants(ctx context.Context, date time.Time, byTenant map[string][]string) (int, int) {
	tenants := make([]string, 0, len(byTenant))
	for t := range byTenant {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	total, failed := 0, 0
	for _, tenantID := range tenants {
		n, err := r.Rollup(ctx, tenantID, byTenant[tenantID], date)
		if err != nil {
			failed++
			r.logger.Error("sellpage rollup failed",
				zap.String("tenant_id", tenantID),
				zap.String("date", models.FormatDate(date)),
				zap.Error(err),
			)
			if r.OnTenantFailure != nil {
				r.OnTenantFailure(tenantID, err)
			}
			continue
		}
		total += n
	}
	return total, failed
}
