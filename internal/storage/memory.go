package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/adstats/internal/models"
)

// InMemoryStore implements Store in memory. It backs tests and the memory
// storage backend.
type InMemoryStore struct {
	mu sync.RWMutex

	campaigns map[string]*models.Campaign
	adSets    map[string]*models.AdSet
	ads       map[string]*models.Ad
	accounts  map[string]*models.AdAccount

	raw      []models.RawStatRow
	daily    map[models.DailyStatKey]models.DailyStat
	sellpage map[models.SellpageStatKey]models.SellpageDailyStat
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		campaigns: make(map[string]*models.Campaign),
		adSets:    make(map[string]*models.AdSet),
		ads:       make(map[string]*models.Ad),
		accounts:  make(map[string]*models.AdAccount),
		daily:     make(map[models.DailyStatKey]models.DailyStat),
		sellpage:  make(map[models.SellpageStatKey]models.SellpageDailyStat),
	}
}

// =============================================
// Seeding (the CRUD layer owns these records)
// =============================================

func (s *InMemoryStore) PutCampaign(c *models.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.campaigns[c.ID] = &cp
}

func (s *InMemoryStore) PutAdSet(a *models.AdSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.adSets[a.ID] = &cp
}

func (s *InMemoryStore) PutAd(a *models.Ad) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.ads[a.ID] = &cp
}

func (s *InMemoryStore) PutAdAccount(a *models.AdAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
}

// =============================================
// Entities
// =============================================

func (s *InMemoryStore) ListCampaigns(ctx context.Context, tenantID string) ([]*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*models.Campaign, 0)
	for _, c := range s.campaigns {
		if c.TenantID == tenantID {
			cp := *c
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *InMemoryStore) ListAdSets(ctx context.Context, tenantID string) ([]*models.AdSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*models.AdSet, 0)
	for _, a := range s.adSets {
		if a.TenantID == tenantID {
			cp := *a
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *InMemoryStore) ListAds(ctx context.Context, tenantID string) ([]*models.Ad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*models.Ad, 0)
	for _, a := range s.ads {
		if a.TenantID == tenantID {
			cp := *a
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *InMemoryStore) ListAdAccounts(ctx context.Context, tenantID string) ([]*models.AdAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*models.AdAccount, 0)
	for _, a := range s.accounts {
		if a.TenantID == tenantID {
			cp := *a
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *InMemoryStore) ListEligibleTenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, c := range s.campaigns {
		if !c.Status.Syncable() {
			continue
		}
		acc, ok := s.accounts[c.AdAccountID]
		if !ok || acc.TenantID != c.TenantID || !acc.Connected() {
			continue
		}
		seen[c.TenantID] = struct{}{}
	}

	res := make([]string, 0, len(seen))
	for id := range seen {
		res = append(res, id)
	}
	sort.Strings(res)
	return res, nil
}

// =============================================
// Raw log
// =============================================

func (s *InMemoryStore) AppendRaw(ctx context.Context, rows []models.RawStatRow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.raw = append(s.raw, rows...)
	return len(rows), nil
}

func (s *InMemoryStore) ListRaw(ctx context.Context, tenantID string, level models.Level, entityIDs []string, date time.Time) ([]models.RawStatRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := idSet(entityIDs)
	day := models.Day(date)
	res := make([]models.RawStatRow, 0)
	for _, r := range s.raw {
		if r.TenantID != tenantID || r.EntityType != level {
			continue
		}
		if !models.Day(r.DateStart).Equal(day) || !inSet(set, r.EntityID) {
			continue
		}
		res = append(res, r)
	}
	return res, nil
}

// RawCount returns the number of raw rows held.
func (s *InMemoryStore) RawCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.raw)
}

// =============================================
// Daily summaries
// =============================================

func (s *InMemoryStore) UpsertDaily(ctx context.Context, stats []models.DailyStat) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range stats {
		st.Date = models.Day(st.Date)
		s.daily[st.Key()] = st
	}
	return len(stats), nil
}

func (s *InMemoryStore) ListDaily(ctx context.Context, tenantID string, level models.Level, entityIDs []string, date time.Time) ([]models.DailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := idSet(entityIDs)
	d := models.FormatDate(date)
	res := make([]models.DailyStat, 0)
	for k, st := range s.daily {
		if k.TenantID == tenantID && k.EntityType == level && k.Date == d && inSet(set, k.EntityID) {
			res = append(res, st)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].EntityID < res[j].EntityID })
	return res, nil
}

// =============================================
// Sellpage rollups
// =============================================

func (s *InMemoryStore) UpsertSellpageDaily(ctx context.Context, stats []models.SellpageDailyStat) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range stats {
		st.Date = models.Day(st.Date)
		s.sellpage[st.Key()] = st
	}
	return len(stats), nil
}

func (s *InMemoryStore) ListSellpageDaily(ctx context.Context, tenantID string, date time.Time) ([]models.SellpageDailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := models.FormatDate(date)
	res := make([]models.SellpageDailyStat, 0)
	for k, st := range s.sellpage {
		if k.TenantID == tenantID && k.Date == d {
			res = append(res, st)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].SellpageID != res[j].SellpageID {
			return res[i].SellpageID < res[j].SellpageID
		}
		return res[i].Channel < res[j].Channel
	})
	return res, nil
}
