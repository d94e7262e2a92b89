package models

import (
	"errors"
	"fmt"
	"strings"
)

// Level is the entity level at which performance is tracked.
type Level string

const (
	LevelCampaign Level = "CAMPAIGN"
	LevelAdSet    Level = "ADSET"
	LevelAd       Level = "AD"
)

// ErrInvalidLevel is returned when a level string is not one of the known levels.
var ErrInvalidLevel = errors.New("invalid entity level")

// AllLevels lists the levels in hierarchy order.
func AllLevels() []Level {
	return []Level{LevelCampaign, LevelAdSet, LevelAd}
}

// ParseLevel converts a string (case-insensitive) into a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelCampaign:
		return LevelCampaign, nil
	case LevelAdSet:
		return LevelAdSet, nil
	case LevelAd:
		return LevelAd, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

type EntityStatus string

const (
	StatusActive   EntityStatus = "ACTIVE"
	StatusPaused   EntityStatus = "PAUSED"
	StatusArchived EntityStatus = "ARCHIVED"
	StatusDeleted  EntityStatus = "DELETED"
)

// Syncable reports whether entities with this status still receive stats.
func (s EntityStatus) Syncable() bool {
	return s == StatusActive || s == StatusPaused
}

type BudgetType string

const (
	BudgetDaily    BudgetType = "DAILY"
	BudgetLifetime BudgetType = "LIFETIME"
)

// LifetimeBudgetDays is the number of days a lifetime budget is spread over
// when deriving a daily figure.
const LifetimeBudgetDays = 30

// Campaign is the top of the entity hierarchy. It is owned by the CRUD layer
// and read-only here.
type Campaign struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenant_id"`
	Name           string       `json:"name"`
	Status         EntityStatus `json:"status"`
	ExternalID     *string      `json:"external_id,omitempty"`
	AdAccountID    string       `json:"ad_account_id"`
	SellpageID     *string      `json:"sellpage_id,omitempty"`
	BudgetType     BudgetType   `json:"budget_type"`
	DailyBudget    float64      `json:"daily_budget"`
	LifetimeBudget float64      `json:"lifetime_budget"`
}

// EffectiveDailyBudget returns the stored daily budget, or the lifetime budget
// spread over LifetimeBudgetDays when billed as lifetime.
func (c *Campaign) EffectiveDailyBudget() float64 {
	if c.BudgetType == BudgetLifetime {
		return c.LifetimeBudget / LifetimeBudgetDays
	}
	return c.DailyBudget
}

type AdSet struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenant_id"`
	CampaignID string       `json:"campaign_id"`
	Name       string       `json:"name"`
	Status     EntityStatus `json:"status"`
	ExternalID *string      `json:"external_id,omitempty"`
}

type Ad struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenant_id"`
	AdSetID    string       `json:"ad_set_id"`
	Name       string       `json:"name"`
	Status     EntityStatus `json:"status"`
	ExternalID *string      `json:"external_id,omitempty"`
}

// Entity is a resolved node of the hierarchy with its derived daily budget.
type Entity struct {
	ID          string  `json:"id"`
	Level       Level   `json:"level"`
	ParentID    string  `json:"parent_id,omitempty"`
	ExternalID  *string `json:"external_id,omitempty"`
	DailyBudget float64 `json:"daily_budget"`
}

// StringPtr is a small helper for optional string fields.
func StringPtr(s string) *string {
	return &s
}
