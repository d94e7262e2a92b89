package models

import (
	"time"

	"github.com/google/uuid"
)

// Counters are the additive raw metrics shared by every stat shape.
type Counters struct {
	Spend             float64 `json:"spend"`
	Impressions       int64   `json:"impressions"`
	LinkClicks        int64   `json:"link_clicks"`
	ContentViews      int64   `json:"content_views"`
	AddToCart         int64   `json:"add_to_cart"`
	CheckoutInitiated int64   `json:"checkout_initiated"`
	Purchases         int64   `json:"purchases"`
	PurchaseValue     float64 `json:"purchase_value"`
}

// Add sums o into c.
func (c *Counters) Add(o Counters) {
	c.Spend += o.Spend
	c.Impressions += o.Impressions
	c.LinkClicks += o.LinkClicks
	c.ContentViews += o.ContentViews
	c.AddToCart += o.AddToCart
	c.CheckoutInitiated += o.CheckoutInitiated
	c.Purchases += o.Purchases
	c.PurchaseValue += o.PurchaseValue
}

// FunnelOrdered reports whether the funnel is non-increasing from
// impressions down to purchases.
func (c Counters) FunnelOrdered() bool {
	return c.Impressions >= c.LinkClicks &&
		c.LinkClicks >= c.ContentViews &&
		c.ContentViews >= c.AddToCart &&
		c.AddToCart >= c.CheckoutInitiated &&
		c.CheckoutInitiated >= c.Purchases
}

// Ratios are always derived from a Counters value, never summed or averaged.
type Ratios struct {
	CPM             float64 `json:"cpm"`
	CTR             float64 `json:"ctr"`
	CPC             float64 `json:"cpc"`
	CostPerPurchase float64 `json:"cost_per_purchase"`
	ROAS            float64 `json:"roas"`
}

// RawStatRow is one fetched observation. Rows are append-only and several
// rows may exist for the same entity and date.
type RawStatRow struct {
	ID         uuid.UUID `json:"id"`
	TenantID   string    `json:"tenant_id"`
	EntityType Level     `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	ExternalID *string   `json:"external_id,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
	DateStart  time.Time `json:"date_start"`
	DateStop   time.Time `json:"date_stop"`
	Counters
	Ratios
}

// DailyStat is the current truth for one entity on one date.
type DailyStat struct {
	TenantID    string    `json:"tenant_id"`
	EntityType  Level     `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Date        time.Time `json:"date"`
	RawRowCount int       `json:"raw_row_count"`
	UpdatedAt   time.Time `json:"updated_at"`
	Counters
	Ratios
}

// DailyStatKey identifies a DailyStat row.
type DailyStatKey struct {
	TenantID   string
	EntityType Level
	EntityID   string
	Date       string
}

func (d *DailyStat) Key() DailyStatKey {
	return DailyStatKey{TenantID: d.TenantID, EntityType: d.EntityType, EntityID: d.EntityID, Date: FormatDate(d.Date)}
}

// SellpageDailyStat is the landing-page rollup of campaign daily stats for
// one ad channel.
type SellpageDailyStat struct {
	TenantID   string    `json:"tenant_id"`
	SellpageID string    `json:"sellpage_id"`
	Date       time.Time `json:"date"`
	Channel    string    `json:"channel"`

	Revenue float64 `json:"revenue"`
	Orders  int64   `json:"orders"`
	AdSpend float64 `json:"ad_spend"`
	Counters

	CPM             float64 `json:"cpm"`
	CTR             float64 `json:"ctr"`
	CostPerPurchase float64 `json:"cost_per_purchase"`
	ROAS            float64 `json:"roas"`

	// Funnel rates. ClickThroughRate is the top step and equals CTR.
	ClickThroughRate       float64 `json:"click_through_rate"`
	ClickToPurchaseRate    float64 `json:"click_to_purchase_rate"`
	CheckoutToPurchaseRate float64 `json:"checkout_to_purchase_rate"`

	CampaignCount int       `json:"campaign_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SellpageStatKey identifies a SellpageDailyStat row.
type SellpageStatKey struct {
	TenantID   string
	SellpageID string
	Date       string
	Channel    string
}

func (s *SellpageDailyStat) Key() SellpageStatKey {
	return SellpageStatKey{TenantID: s.TenantID, SellpageID: s.SellpageID, Date: FormatDate(s.Date), Channel: s.Channel}
}
