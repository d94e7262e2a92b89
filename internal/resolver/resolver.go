// Package resolver loads a tenant's campaign hierarchy and spreads each
// parent's daily budget across its active children.
package resolver

import (
	"context"
	"fmt"

	"github.com/radiusdt/adstats/internal/models"
	"github.com/radiusdt/adstats/internal/storage"
)

// Hierarchy is the resolved, syncable entity tree of one tenant.
type Hierarchy struct {
	TenantID  string
	Campaigns []models.Entity
	AdSets    []models.Entity
	Ads       []models.Entity
}

// ForLevel returns the entities of one level.
func (h *Hierarchy) ForLevel(level models.Level) []models.Entity {
	switch level {
	case models.LevelCampaign:
		return h.Campaigns
	case models.LevelAdSet:
		return h.AdSets
	case models.LevelAd:
		return h.Ads
	}
	return nil
}

// IDs returns the internal ids of one level.
func (h *Hierarchy) IDs(level models.Level) []string {
	entities := h.ForLevel(level)
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	return ids
}

// ByExternalID maps provider ids to internal ids for one level. Entities
// without an external id are absent.
func ByExternalID(entities []models.Entity) map[string]string {
	m := make(map[string]string, len(entities))
	for _, e := range entities {
		if e.ExternalID != nil && *e.ExternalID != "" {
			m[*e.ExternalID] = e.ID
		}
	}
	return m
}

// Resolver builds hierarchies from the entity repository.
type Resolver struct {
	repo storage.EntityRepo
}

func New(repo storage.EntityRepo) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve loads ACTIVE and PAUSED entities. A campaign's budget is its daily
// budget, or lifetime/30 for lifetime budgets. Each ad set gets an even share
// of its campaign's budget and each ad an even share of its ad set's. Ad sets
// and ads whose parent is not syncable are dropped.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*Hierarchy, error) {
	campaigns, err := r.repo.ListCampaigns(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	adSets, err := r.repo.ListAdSets(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ad sets: %w", err)
	}
	ads, err := r.repo.ListAds(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ads: %w", err)
	}

	h := &Hierarchy{TenantID: tenantID}

	campaignBudget := make(map[string]float64)
	for _, c := range campaigns {
		if !c.Status.Syncable() {
			continue
		}
		budget := c.EffectiveDailyBudget()
		campaignBudget[c.ID] = budget
		h.Campaigns = append(h.Campaigns, models.Entity{
			ID:          c.ID,
			Level:       models.LevelCampaign,
			ExternalID:  c.ExternalID,
			DailyBudget: budget,
		})
	}

	liveAdSets := make([]*models.AdSet, 0, len(adSets))
	adSetsPerCampaign := make(map[string]int)
	for _, a := range adSets {
		if !a.Status.Syncable() {
			continue
		}
		if _, ok := campaignBudget[a.CampaignID]; !ok {
			continue
		}
		liveAdSets = append(liveAdSets, a)
		adSetsPerCampaign[a.CampaignID]++
	}

	adSetBudget := make(map[string]float64)
	for _, a := range liveAdSets {
		budget := campaignBudget[a.CampaignID] / float64(adSetsPerCampaign[a.CampaignID])
		adSetBudget[a.ID] = budget
		h.AdSets = append(h.AdSets, models.Entity{
			ID:          a.ID,
			Level:       models.LevelAdSet,
			ParentID:    a.CampaignID,
			ExternalID:  a.ExternalID,
			DailyBudget: budget,
		})
	}

	liveAds := make([]*models.Ad, 0, len(ads))
	adsPerAdSet := make(map[string]int)
	for _, a := range ads {
		if !a.Status.Syncable() {
			continue
		}
		if _, ok := adSetBudget[a.AdSetID]; !ok {
			continue
		}
		liveAds = append(liveAds, a)
		adsPerAdSet[a.AdSetID]++
	}

	for _, a := range liveAds {
		h.Ads = append(h.Ads, models.Entity{
			ID:          a.ID,
			Level:       models.LevelAd,
			ParentID:    a.AdSetID,
			ExternalID:  a.ExternalID,
			DailyBudget: adSetBudget[a.AdSetID] / float64(adsPerAdSet[a.AdSetID]),
		})
	}

	return h, nil
}
