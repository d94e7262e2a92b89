// Package provider fetches raw per-entity stats, either from a deterministic
// simulator or from the ad platform's insights API.
package provider

import (
	"context"
	"time"

	"github.com/radiusdt/adstats/internal/models"
)

// FetchRequest selects the entities and inclusive date window to fetch.
type FetchRequest struct {
	TenantID string
	Level    models.Level
	Entities []models.Entity
	From     time.Time
	To       time.Time
}

// Provider returns raw stat rows for the requested entities. Transient
// upstream failures yield fewer rows, not an error.
type Provider interface {
	Name() string
	FetchStats(ctx context.Context, req FetchRequest) ([]models.RawStatRow, error)
}
