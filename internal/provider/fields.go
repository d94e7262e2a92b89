package provider

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/radiusdt/adstats/internal/models"
)

// insightFields is requested for every level; the id columns the level does
// not carry come back empty.
var insightFields = []string{
	"campaign_id", "adset_id", "ad_id",
	"date_start", "date_stop",
	"spend", "impressions", "inline_link_clicks",
	"actions", "action_values",
}

// Action types in lookup order. The pixel variant wins over the generic one
// so a conversion reported under several names is counted once.
var (
	linkClickActions = []string{"link_click"}
	viewActions      = []string{"offsite_conversion.fb_pixel_view_content", "view_content", "omni_view_content"}
	cartActions      = []string{"offsite_conversion.fb_pixel_add_to_cart", "add_to_cart", "omni_add_to_cart"}
	checkoutActions  = []string{"offsite_conversion.fb_pixel_initiated_checkout", "initiate_checkout", "omni_initiated_checkout"}
	purchaseActions  = []string{"offsite_conversion.fb_pixel_purchase", "purchase", "omni_purchase"}
)

type insightAction struct {
	ActionType string `json:"action_type"`
	Value      string `json:"value"`
}

type insightRecord struct {
	CampaignID       string          `json:"campaign_id"`
	AdSetID          string          `json:"adset_id"`
	AdID             string          `json:"ad_id"`
	DateStart        string          `json:"date_start"`
	DateStop         string          `json:"date_stop"`
	Spend            string          `json:"spend"`
	Impressions      string          `json:"impressions"`
	InlineLinkClicks string          `json:"inline_link_clicks"`
	Actions          []insightAction `json:"actions"`
	ActionValues     []insightAction `json:"action_values"`
}

type insightPage struct {
	Data   []insightRecord `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Insight is one provider row mapped to canonical counters.
type Insight struct {
	ExternalID string
	DateStart  time.Time
	DateStop   time.Time
	Counters   models.Counters
}

func (r insightRecord) externalID(level models.Level) string {
	switch level {
	case models.LevelCampaign:
		return r.CampaignID
	case models.LevelAdSet:
		return r.AdSetID
	case models.LevelAd:
		return r.AdID
	}
	return ""
}

// toInsight maps a record; ok is false when it has no id or no usable date.
func (r insightRecord) toInsight(level models.Level) (Insight, bool) {
	ext := r.externalID(level)
	if ext == "" {
		return Insight{}, false
	}
	start, err := models.ParseDate(r.DateStart)
	if err != nil {
		return Insight{}, false
	}
	stop, err := models.ParseDate(r.DateStop)
	if err != nil {
		stop = start
	}

	clicks := parseCount(r.InlineLinkClicks)
	if r.InlineLinkClicks == "" {
		clicks = actionCount(r.Actions, linkClickActions)
	}

	return Insight{
		ExternalID: ext,
		DateStart:  start,
		DateStop:   stop,
		Counters: models.Counters{
			Spend:             parseMoney(r.Spend),
			Impressions:       parseCount(r.Impressions),
			LinkClicks:        clicks,
			ContentViews:      actionCount(r.Actions, viewActions),
			AddToCart:         actionCount(r.Actions, cartActions),
			CheckoutInitiated: actionCount(r.Actions, checkoutActions),
			Purchases:         actionCount(r.Actions, purchaseActions),
			PurchaseValue:     parseMoney(findAction(r.ActionValues, purchaseActions)),
		},
	}, true
}

// findAction returns the value of the first alias present, or "".
func findAction(actions []insightAction, aliases []string) string {
	for _, alias := range aliases {
		for _, a := range actions {
			if a.ActionType == alias {
				return a.Value
			}
		}
	}
	return ""
}

func actionCount(actions []insightAction, aliases []string) int64 {
	return parseCount(findAction(actions, aliases))
}

// parseMoney parses a decimal string; anything unparsable or negative is 0.
func parseMoney(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return math.Round(f*100) / 100
}

func parseCount(s string) int64 {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int64(math.Round(f))
}
