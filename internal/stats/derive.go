package stats

import (
	"math"

	"github.com/radiusdt/adstats/internal/models"
)

// SafeDiv returns a/b, or 0 when b is 0.
func SafeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// RoundCents rounds a money value to two decimals.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// DeriveRatios computes the per-row ratios from summed counters. Ratios are
// never averaged across rows.
func DeriveRatios(c models.Counters) models.Ratios {
	impressions := float64(c.Impressions)
	clicks := float64(c.LinkClicks)
	purchases := float64(c.Purchases)

	return models.Ratios{
		CPM:             SafeDiv(c.Spend, impressions) * 1000,
		CTR:             SafeDiv(clicks, impressions),
		CPC:             SafeDiv(c.Spend, clicks),
		CostPerPurchase: SafeDiv(c.Spend, purchases),
		ROAS:            SafeDiv(c.PurchaseValue, c.Spend),
	}
}

// Sum adds rows' counters and rounds the money fields to cents.
func Sum(rows []models.Counters) models.Counters {
	var total models.Counters
	for _, c := range rows {
		total.Add(c)
	}
	total.Spend = RoundCents(total.Spend)
	total.PurchaseValue = RoundCents(total.PurchaseValue)
	return total
}
