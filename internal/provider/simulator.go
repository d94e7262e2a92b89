package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"

	"github.com/radiusdt/adstats/internal/models"
	"github.com/radiusdt/adstats/internal/stats"
)

// Simulation constants.
const (
	simBaseCPM            = 12.00
	simCTR                = 0.018
	simClickToView        = 0.72
	simViewToCart         = 0.14
	simCartToCheckout     = 0.55
	simCheckoutToPurchase = 0.62

	simSpendNoiseLow  = 0.85
	simSpendNoiseHigh = 1.15
	simNoiseLow       = 0.90
	simNoiseHigh      = 1.10
	simAOVLow         = 35.0
	simAOVHigh        = 90.0
)

// Simulator generates plausible stats from each entity's daily budget. The
// same (tenant, entity, date) always yields the same row, in any process.
type Simulator struct{}

func NewSimulator() *Simulator {
	return &Simulator{}
}

func (s *Simulator) Name() string { return "simulator" }

// FetchStats returns one row per entity per day. It never fails.
func (s *Simulator) FetchStats(ctx context.Context, req FetchRequest) ([]models.RawStatRow, error) {
	days := models.DaysBetween(req.From, req.To)
	rows := make([]models.RawStatRow, 0, len(req.Entities)*len(days))
	for _, e := range req.Entities {
		for _, day := range days {
			rows = append(rows, simulate(req.TenantID, req.Level, e, day))
		}
	}
	return rows, nil
}

func simulate(tenantID string, level models.Level, e models.Entity, day time.Time) models.RawStatRow {
	rng := newMulberry32(seed(tenantID, e.ID, day))

	spend := stats.RoundCents(floor0(e.DailyBudget * rng.between(simSpendNoiseLow, simSpendNoiseHigh)))
	impressions := roundCount(spend / simBaseCPM * 1000 * rng.between(simNoiseLow, simNoiseHigh))
	clicks := roundCount(float64(impressions) * simCTR * rng.between(simNoiseLow, simNoiseHigh))
	views := roundCount(float64(clicks) * simClickToView * rng.between(simNoiseLow, simNoiseHigh))
	carts := roundCount(float64(views) * simViewToCart * rng.between(simNoiseLow, simNoiseHigh))
	checkouts := roundCount(float64(carts) * simCartToCheckout * rng.between(simNoiseLow, simNoiseHigh))
	purchases := roundCount(float64(checkouts) * simCheckoutToPurchase * rng.between(simNoiseLow, simNoiseHigh))
	aov := rng.between(simAOVLow, simAOVHigh)

	counters := models.Counters{
		Spend:             spend,
		Impressions:       impressions,
		LinkClicks:        clicks,
		ContentViews:      views,
		AddToCart:         carts,
		CheckoutInitiated: checkouts,
		Purchases:         purchases,
		PurchaseValue:     stats.RoundCents(float64(purchases) * aov),
	}

	return models.RawStatRow{
		TenantID:   tenantID,
		EntityType: level,
		EntityID:   e.ID,
		ExternalID: e.ExternalID,
		DateStart:  day,
		DateStop:   day,
		Counters:   counters,
		Ratios:     stats.DeriveRatios(counters),
	}
}

// seed takes the first four bytes of SHA-256(tenant|entity|date).
func seed(tenantID, entityID string, day time.Time) uint32 {
	sum := sha256.Sum256([]byte(tenantID + "|" + entityID + "|" + models.FormatDate(day)))
	return binary.BigEndian.Uint32(sum[:4])
}

// mulberry32 is a 32-bit PRNG. All arithmetic wraps at 2^32.
type mulberry32 struct {
	state uint32
}

func newMulberry32(seed uint32) *mulberry32 {
	return &mulberry32{state: seed}
}

// next returns a float in [0, 1).
func (m *mulberry32) next() float64 {
	m.state += 0x6D2B79F5
	t := m.state
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	return float64(t^(t>>14)) / 4294967296.0
}

func (m *mulberry32) between(lo, hi float64) float64 {
	return lo + (hi-lo)*m.next()
}

func floor0(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

func roundCount(v float64) int64 {
	return int64(math.Round(floor0(v)))
}
