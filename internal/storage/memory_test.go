package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/adstats/internal/models"
)

var day = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

func rawRow(tenant, entity string, date time.Time, spend float64) models.RawStatRow {
	return models.RawStatRow{
		ID:         uuid.New(),
		TenantID:   tenant,
		EntityType: models.LevelCampaign,
		EntityID:   entity,
		FetchedAt:  time.Now(),
		DateStart:  date,
		DateStop:   date,
		Counters:   models.Counters{Spend: spend},
	}
}

func TestInMemoryStore_RawAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	rows := []models.RawStatRow{
		rawRow("t1", "c1", day, 10),
		rawRow("t1", "c1", day, 10),
		rawRow("t1", "c2", day, 5),
		rawRow("t1", "c1", day.AddDate(0, 0, 1), 7),
		rawRow("t2", "c1", day, 3),
	}
	n, err := s.AppendRaw(ctx, rows)
	if err != nil || n != len(rows) {
		t.Fatalf("AppendRaw: n=%d err=%v", n, err)
	}

	tests := []struct {
		name   string
		tenant string
		ids    []string
		want   int
	}{
		{"duplicates kept", "t1", []string{"c1"}, 2},
		{"nil ids match all", "t1", nil, 3},
		{"empty ids match none", "t1", []string{}, 0},
		{"tenant isolation", "t2", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListRaw(ctx, tt.tenant, models.LevelCampaign, tt.ids, day)
			if err != nil {
				t.Fatalf("ListRaw: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d rows, got %d", tt.want, len(got))
			}
		})
	}

	if s.RawCount() != 5 {
		t.Errorf("expected 5 raw rows, got %d", s.RawCount())
	}
}

func TestInMemoryStore_UpsertDailyReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	first := models.DailyStat{TenantID: "t1", EntityType: models.LevelAd, EntityID: "a1", Date: day, RawRowCount: 2,
		Counters: models.Counters{Spend: 20, Impressions: 100}}
	if _, err := s.UpsertDaily(ctx, []models.DailyStat{first}); err != nil {
		t.Fatal(err)
	}

	second := first
	second.Counters = models.Counters{Spend: 30}
	second.Date = day.Add(5 * time.Hour)
	if _, err := s.UpsertDaily(ctx, []models.DailyStat{second}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListDaily(ctx, "t1", models.LevelAd, nil, day)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one row per key, got %d", len(got))
	}
	if got[0].Spend != 30 || got[0].Impressions != 0 {
		t.Errorf("expected full replace, got %+v", got[0].Counters)
	}
}

func TestInMemoryStore_ListEligibleTenants(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	s.PutAdAccount(&models.AdAccount{ID: "acc-on", TenantID: "t1", ConnectionStatus: models.ConnectionActive})
	s.PutAdAccount(&models.AdAccount{ID: "acc-off", TenantID: "t2", ConnectionStatus: models.ConnectionExpired})
	s.PutAdAccount(&models.AdAccount{ID: "acc-on3", TenantID: "t3", ConnectionStatus: models.ConnectionActive})

	s.PutCampaign(&models.Campaign{ID: "c1", TenantID: "t1", Status: models.StatusPaused, AdAccountID: "acc-on"})
	s.PutCampaign(&models.Campaign{ID: "c2", TenantID: "t2", Status: models.StatusActive, AdAccountID: "acc-off"})
	s.PutCampaign(&models.Campaign{ID: "c3", TenantID: "t3", Status: models.StatusArchived, AdAccountID: "acc-on3"})
	// Points at another tenant's account.
	s.PutCampaign(&models.Campaign{ID: "c4", TenantID: "t4", Status: models.StatusActive, AdAccountID: "acc-on"})

	got, err := s.ListEligibleTenants(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "t1" {
		t.Errorf("expected [t1], got %v", got)
	}
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	s.PutCampaign(&models.Campaign{ID: "c1", TenantID: "t1", Name: "orig"})

	list, _ := s.ListCampaigns(ctx, "t1")
	list[0].Name = "mutated"

	again, _ := s.ListCampaigns(ctx, "t1")
	if again[0].Name != "orig" {
		t.Errorf("store leaked internal pointer")
	}
}

func TestSplitStore_RoutesRaw(t *testing.T) {
	ctx := context.Background()
	raw := NewInMemoryStore()
	split := (&PostgresStore{}).WithRawStore(raw)

	if _, err := split.AppendRaw(ctx, []models.RawStatRow{rawRow("t1", "c1", day, 1)}); err != nil {
		t.Fatal(err)
	}
	if raw.RawCount() != 1 {
		t.Errorf("expected raw row routed to override store")
	}
}
