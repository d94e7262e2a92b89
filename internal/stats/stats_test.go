package stats

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/radiusdt/adstats/internal/models"
	"github.com/radiusdt/adstats/internal/storage"
	"go.uber.org/zap"
)

var (
	testDay   = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fixedNow  = func() time.Time { return time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC) }
	testLevel = models.LevelCampaign
)

func raw(entity string, c models.Counters) models.RawStatRow {
	return models.RawStatRow{
		TenantID:   "t1",
		EntityType: testLevel,
		EntityID:   entity,
		DateStart:  testDay,
		DateStop:   testDay,
		Counters:   c,
	}
}

func newAggregator(store *storage.InMemoryStore) *Aggregator {
	a := NewAggregator(store)
	a.now = fixedNow
	return a
}

func TestDeriveRatios(t *testing.T) {
	tests := []struct {
		name string
		in   models.Counters
		want models.Ratios
	}{
		{
			name: "all zero",
			in:   models.Counters{},
			want: models.Ratios{},
		},
		{
			name: "spend without impressions",
			in:   models.Counters{Spend: 10},
			want: models.Ratios{},
		},
		{
			name: "full funnel",
			in:   models.Counters{Spend: 8, Impressions: 1024, LinkClicks: 256, Purchases: 4, PurchaseValue: 32},
			want: models.Ratios{CPM: 7.8125, CTR: 0.25, CPC: 0.03125, CostPerPurchase: 2, ROAS: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveRatios(tt.in)
			if got != tt.want {
				t.Errorf("DeriveRatios() = %+v, want %+v", got, tt.want)
			}
			for _, v := range []float64{got.CPM, got.CTR, got.CPC, got.CostPerPurchase, got.ROAS} {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					t.Errorf("non-finite ratio in %+v", got)
				}
			}
		})
	}
}

func TestAggregate_SumThenDerive(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStore()
	w := NewWriter(store)

	_, err := w.Write(ctx, []models.RawStatRow{
		raw("c1", models.Counters{Spend: 100, Impressions: 10000, LinkClicks: 100, Purchases: 4, PurchaseValue: 400}),
		raw("c1", models.Counters{Spend: 150, Impressions: 5000, LinkClicks: 150, Purchases: 6, PurchaseValue: 640}),
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	n, err := newAggregator(store).Aggregate(ctx, "t1", testLevel, []string{"c1"}, testDay)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 upsert, got %d", n)
	}

	got, _ := store.ListDaily(ctx, "t1", testLevel, nil, testDay)
	if len(got) != 1 {
		t.Fatalf("expected one daily row, got %d", len(got))
	}
	st := got[0]
	if st.Spend != 250 {
		t.Errorf("spend = %v, want 250", st.Spend)
	}
	if st.ROAS != 4.16 {
		t.Errorf("roas = %v, want 4.16", st.ROAS)
	}
	if st.RawRowCount != 2 {
		t.Errorf("raw row count = %d, want 2", st.RawRowCount)
	}
	// Averaging per-row roas would give (4 + 4.2667) / 2.
	if math.Abs(st.ROAS-4.1333) < 0.001 {
		t.Errorf("roas looks averaged: %v", st.ROAS)
	}
}

func TestAggregate_RerunIsStable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStore()
	_, _ = NewWriter(store).Write(ctx, []models.RawStatRow{
		raw("c1", models.Counters{Spend: 33.33, Impressions: 3000, LinkClicks: 40, ContentViews: 30, Purchases: 1, PurchaseValue: 59.99}),
		raw("c1", models.Counters{Spend: 66.67, Impressions: 6000, LinkClicks: 80, ContentViews: 50, Purchases: 2, PurchaseValue: 80.01}),
	})

	agg := newAggregator(store)
	if _, err := agg.Aggregate(ctx, "t1", testLevel, []string{"c1"}, testDay); err != nil {
		t.Fatal(err)
	}
	first, _ := store.ListDaily(ctx, "t1", testLevel, nil, testDay)

	if _, err := agg.Aggregate(ctx, "t1", testLevel, []string{"c1"}, testDay); err != nil {
		t.Fatal(err)
	}
	second, _ := store.ListDaily(ctx, "t1", testLevel, nil, testDay)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("re-aggregation changed output:\n%+v\n%+v", first, second)
	}
}

func TestAggregate_AppendDoubles(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStore()
	w := NewWriter(store)
	agg := newAggregator(store)
	obs := raw("c1", models.Counters{Spend: 12.5, Impressions: 1000, LinkClicks: 20, ContentViews: 14, AddToCart: 3, CheckoutInitiated: 2, Purchases: 1, PurchaseValue: 45})

	_, _ = w.Write(ctx, []models.RawStatRow{obs})
	_, _ = agg.Aggregate(ctx, "t1", testLevel, []string{"c1"}, testDay)
	single, _ := store.ListDaily(ctx, "t1", testLevel, nil, testDay)

	_, _ = w.Write(ctx, []models.RawStatRow{obs})
	_, _ = agg.Aggregate(ctx, "t1", testLevel, []string{"c1"}, testDay)
	double, _ := store.ListDaily(ctx, "t1", testLevel, nil, testDay)

	s, d := single[0].Counters, double[0].Counters
	want := s
	want.Add(s)
	if d != want {
		t.Errorf("expected doubled counters %+v, got %+v", want, d)
	}
	if double[0].ROAS != single[0].ROAS {
		t.Errorf("ratios should be unchanged by doubling: %v vs %v", single[0].ROAS, double[0].ROAS)
	}
	if store.RawCount() != 2 {
		t.Errorf("writer must not dedup, raw count %d", store.RawCount())
	}
}

func TestAggregate_SkipsEntitiesWithoutRaw(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStore()
	_, _ = NewWriter(store).Write(ctx, []models.RawStatRow{raw("c1", models.Counters{Spend: 1, Impressions: 10})})

	n, err := newAggregator(store).Aggregate(ctx, "t1", testLevel, []string{"c1", "c2"}, testDay)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected only c1 upserted, got %d", n)
	}
	got, _ := store.ListDaily(ctx, "t1", testLevel, []string{"c2"}, testDay)
	if len(got) != 0 {
		t.Errorf("expected no zero row for c2, got %+v", got)
	}
}

func TestWriter_AssignsIDs(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStore()
	w := NewWriter(store)
	w.now = fixedNow

	n, err := w.Write(ctx, []models.RawStatRow{raw("c1", models.Counters{}), raw("c1", models.Counters{})})
	if err != nil || n != 2 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	rows, _ := store.ListRaw(ctx, "t1", testLevel, nil, testDay)
	if rows[0].ID == rows[1].ID {
		t.Errorf("expected distinct ids")
	}
	if !rows[0].FetchedAt.Equal(fixedNow()) {
		t.Errorf("expected fetched_at to be stamped, got %v", rows[0].FetchedAt)
	}
}

func seedRollup(store *storage.InMemoryStore, tenant string) {
	store.PutAdAccount(&models.AdAccount{ID: tenant + "-fb", TenantID: tenant, Channel: "facebook", ConnectionStatus: models.ConnectionActive})
	store.PutAdAccount(&models.AdAccount{ID: tenant + "-tt", TenantID: tenant, Channel: "tiktok", ConnectionStatus: models.ConnectionActive})

	sp := models.StringPtr("sp1")
	store.PutCampaign(&models.Campaign{ID: "c1", TenantID: tenant, Status: models.StatusActive, AdAccountID: tenant + "-fb", SellpageID: sp})
	store.PutCampaign(&models.Campaign{ID: "c2", TenantID: tenant, Status: models.StatusActive, AdAccountID: tenant + "-fb", SellpageID: sp})
	store.PutCampaign(&models.Campaign{ID: "c3", TenantID: tenant, Status: models.StatusActive, AdAccountID: tenant + "-tt", SellpageID: sp})
	store.PutCampaign(&models.Campaign{ID: "c4", TenantID: tenant, Status: models.StatusActive, AdAccountID: tenant + "-fb"})

	daily := func(id string, c models.Counters) models.DailyStat {
		return models.DailyStat{TenantID: tenant, EntityType: models.LevelCampaign, EntityID: id, Date: testDay, Counters: c}
	}
	_, _ = store.UpsertDaily(context.Background(), []models.DailyStat{
		daily("c1", models.Counters{Spend: 100, Impressions: 10000, LinkClicks: 200, CheckoutInitiated: 10, Purchases: 5, PurchaseValue: 300}),
		daily("c2", models.Counters{Spend: 50.25, Impressions: 5000, LinkClicks: 50, CheckoutInitiated: 0, Purchases: 0}),
		daily("c3", models.Counters{Spend: 10, Impressions: 0}),
		daily("c4", models.Counters{Spend: 999, Impressions: 1}),
	})
}

func TestRollup_Linkage(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStore()
	seedRollup(store, "t1")

	r := NewRollup(store, zap.NewNop())
	n, err := r.Rollup(ctx, "t1", []string{"c1", "c2", "c3", "c4"}, testDay)
	if err != nil {
		t.Fatalf("Rollup: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sellpage rows, got %d", n)
	}

	rows, _ := store.ListSellpageDaily(ctx, "t1", testDay)
	fb, tt := rows[0], rows[1]
	if fb.Channel != "facebook" || tt.Channel != "tiktok" {
		t.Fatalf("unexpected channel order: %q %q", fb.Channel, tt.Channel)
	}
	if fb.AdSpend != 150.25 {
		t.Errorf("facebook ad spend = %v, want 150.25", fb.AdSpend)
	}
	if fb.CampaignCount != 2 {
		t.Errorf("campaign count = %d, want 2", fb.CampaignCount)
	}
	if fb.Revenue != 300 || fb.Orders != 5 {
		t.Errorf("revenue/orders = %v/%d", fb.Revenue, fb.Orders)
	}
	if fb.ClickThroughRate != 250.0/15000.0 || fb.ClickThroughRate != fb.CTR {
		t.Errorf("click through rate = %v, ctr = %v", fb.ClickThroughRate, fb.CTR)
	}
	if fb.ClickToPurchaseRate != 5.0/250.0 {
		t.Errorf("click to purchase rate = %v", fb.ClickToPurchaseRate)
	}
	if fb.CheckoutToPurchaseRate != 0.5 {
		t.Errorf("checkout to purchase rate = %v", fb.CheckoutToPurchaseRate)
	}

	if tt.AdSpend != 10 || tt.CPM != 0 || tt.CTR != 0 || tt.ClickToPurchaseRate != 0 {
		t.Errorf("zero-impression rollup should have zero ratios: %+v", tt)
	}
}

func TestRollup_NoDailyStats(t *testing.T) {
	store := storage.NewInMemoryStore()
	n, err := NewRollup(store, zap.NewNop()).Rollup(context.Background(), "t1", []string{"c1"}, testDay)
	if err != nil || n != 0 {
		t.Errorf("expected no-op, got n=%d err=%v", n, err)
	}
}

type failingStore struct {
	*storage.InMemoryStore
	tenant string
}

func (f *failingStore) ListDaily(ctx context.Context, tenantID string, level models.Level, ids []string, date time.Time) ([]models.DailyStat, error) {
	if tenantID == f.tenant {
		return nil, errors.New("boom")
	}
	return f.InMemoryStore.ListDaily(ctx, tenantID, level, ids, date)
}

func TestRollupTenants_IsolatesFailures(t *testing.T) {
	mem := storage.NewInMemoryStore()
	seedRollup(mem, "good")
	store := &failingStore{InMemoryStore: mem, tenant: "bad"}

	var failedTenants []string
	r := NewRollup(store, zap.NewNop())
	r.OnTenantFailure = func(tenantID string, err error) { failedTenants = append(failedTenants, tenantID) }

	total, failed := r.RollupTenants(context.Background(), testDay, map[string][]string{
		"bad":  {"x"},
		"good": {"c1", "c2", "c3"},
	})
	if failed != 1 || len(failedTenants) != 1 || failedTenants[0] != "bad" {
		t.Errorf("expected one failed tenant, got %d %v", failed, failedTenants)
	}
	if total != 2 {
		t.Errorf("expected good tenant to roll up 2 rows, got %d", total)
	}
}
