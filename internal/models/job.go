package models

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the civil date format used in payloads and job ids.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date as UTC midnight.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// FormatDate formats t as YYYY-MM-DD in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Day truncates t to UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns every day in [from, to], inclusive.
func DaysBetween(from, to time.Time) []time.Time {
	from, to = Day(from), Day(to)
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// JobPayload is one (tenant, level, date window) unit of work.
type JobPayload struct {
	TenantID string `json:"tenantId"`
	DateFrom string `json:"dateFrom"`
	DateTo   string `json:"dateTo"`
	Level    Level  `json:"level"`
}

// NewJobPayload builds a single-day payload.
func NewJobPayload(tenantID string, level Level, date time.Time) JobPayload {
	d := FormatDate(date)
	return JobPayload{TenantID: tenantID, DateFrom: d, DateTo: d, Level: level}
}

// ID returns the deterministic dedup key sync_<tenant>_<from>_<to>_<level>.
func (p JobPayload) ID() string {
	return fmt.Sprintf("sync_%s_%s_%s_%s", p.TenantID, p.DateFrom, p.DateTo, p.Level)
}

// Validate checks the payload is processable.
func (p JobPayload) Validate() error {
	if p.TenantID == "" {
		return errors.New("tenantId is required")
	}
	if _, err := ParseLevel(string(p.Level)); err != nil {
		return err
	}
	from, err := ParseDate(p.DateFrom)
	if err != nil {
		return fmt.Errorf("invalid dateFrom: %w", err)
	}
	to, err := ParseDate(p.DateTo)
	if err != nil {
		return fmt.Errorf("invalid dateTo: %w", err)
	}
	if to.Before(from) {
		return errors.New("dateTo is before dateFrom")
	}
	return nil
}

// Range returns the parsed date window. Call Validate first.
func (p JobPayload) Range() (time.Time, time.Time) {
	from, _ := ParseDate(p.DateFrom)
	to, _ := ParseDate(p.DateTo)
	return from, to
}
