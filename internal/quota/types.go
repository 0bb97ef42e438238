// Package quota meters daily per-user feature usage against plan limits.
package quota

import (
	"math"
	"strings"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/apperr"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
)

// QuotaType names a metered feature
type QuotaType string

const (
	Toggles    QuotaType = "toggles"
	Refreshes  QuotaType = "refreshes"
	ErrorViews QuotaType = "error_views"
)

// AllTypes lists every quota type in display order
func AllTypes() []QuotaType {
	return []QuotaType{Toggles, Refreshes, ErrorViews}
}

// Valid reports whether qt is a known quota type
func (qt QuotaType) Valid() bool {
	switch qt {
	case Toggles, Refreshes, ErrorViews:
		return true
	}
	return false
}

// ParseQuotaType accepts the canonical names. Unknown names are an InvalidArgument error.
func ParseQuotaType(s string) (QuotaType, error) {
	qt := QuotaType(strings.ToLower(strings.TrimSpace(s)))
	if !qt.Valid() {
		return "", apperr.InvalidArgument("unknown quota type %q", s)
	}
	return qt, nil
}

// Reason explains a Decision
type Reason string

const (
	ReasonTester             Reason = "tester"
	ReasonUnlimited          Reason = "unlimited"
	ReasonWithinLimit        Reason = "within_limit"
	ReasonDailyLimitReached  Reason = "daily_limit_reached"
	ReasonHourlyLimitReached Reason = "hourly_limit_reached"
)

// Decision is the outcome of a check or an increment. A denial is a value, not an error.
type Decision struct {
	Allowed     bool       `json:"allowed"`
	Reason      Reason     `json:"reason"`
	QuotaType   QuotaType  `json:"quota_type"`
	Plan        plans.Tier `json:"plan,omitempty"`
	Limit       int        `json:"limit"`
	Used        int64      `json:"used"`
	HourlyLimit int        `json:"hourly_limit,omitempty"`
	// RetryAfter is the suggested delay in seconds before retrying a denied request
	RetryAfter int `json:"retry_after,omitempty"`
}

// Usage is one quota type's standing for the day
type Usage struct {
	Used      int64 `json:"used"`
	Limit     int   `json:"limit"`
	Remaining int64 `json:"remaining"`
	Unlimited bool  `json:"unlimited"`
}

// Status is a user's standing across all quota types for one day
type Status struct {
	UserID   string              `json:"user_id"`
	Plan     plans.Tier          `json:"plan"`
	PlanName string              `json:"plan_name"`
	Date     string              `json:"date"`
	IsTester bool                `json:"is_tester"`
	Quotas   map[QuotaType]Usage `json:"quotas"`
}

// HourlyLimit is the free tier burst ceiling: max(1, floor(daily * fraction))
func HourlyLimit(daily int, fraction float64) int {
	return max(1, int(math.Floor(float64(daily)*fraction)))
}

// DateKey formats the UTC calendar date counters are keyed by
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func secondsUntilNextHour(now time.Time) int {
	now = now.UTC()
	return ceilSeconds(now.Truncate(time.Hour).Add(time.Hour).Sub(now))
}

func secondsUntilMidnight(now time.Time) int {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return ceilSeconds(midnight.Sub(now))
}

func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	return max(1, s)
}
