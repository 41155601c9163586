package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rollup window identifiers stored in metric_rollups.window.
const (
	Window7d  = "7d"
	Window30d = "30d"
	Window90d = "90d"
)

// Windows lists the rollup windows in recomputation order.
var Windows = []string{Window7d, Window30d, Window90d}

// WindowDays maps a window identifier to its trailing span in days.
var WindowDays = map[string]int{
	Window7d:  7,
	Window30d: 30,
	Window90d: 90,
}

// Batch run terminal statuses.
const (
	BatchSuccess = "SUCCESS"
	BatchPartial = "PARTIAL"
	BatchFailed  = "FAILED"
)

// Product is a tracked entity. Owned by the ingestion pipeline; the core
// only reads it and refreshes last-seen bookkeeping on upsert.
type Product struct {
	ID          string
	Title       string
	Brand       string
	Category    string
	ImageURL    string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// DailyMetric is one observation row per (entity, calendar day).
type DailyMetric struct {
	EntityID       string
	Date           time.Time
	Price          *decimal.Decimal
	Rank           *int64
	Rating         *decimal.Decimal
	ReviewCount    *int64
	SecondaryPrice *decimal.Decimal
	JobID          string
	CreatedAt      time.Time
}

// PeerLink is a directed comparison relation: main is compared against peer.
// A link A→B does not imply B→A.
type PeerLink struct {
	MainID    string
	PeerID    string
	Active    bool
	CreatedAt time.Time
}

// DeltaRow holds day-over-day changes against the most recent prior
// observation (not necessarily date−1; gaps are tolerated up to the
// configured lookback). Percentage fields are nil when the prior value is
// nil or zero.
type DeltaRow struct {
	EntityID        string
	Date            time.Time
	PriorDate       *time.Time
	PriceDelta      *decimal.Decimal
	PriceChangePct  *decimal.Decimal
	RankDelta       *int64
	RankChangePct   *decimal.Decimal
	RatingDelta     *decimal.Decimal
	ReviewDelta     *int64
	SecondaryDelta  *decimal.Decimal
	SecondaryChgPct *decimal.Decimal
	ComputedAt      time.Time
}

// RollupRow is a trailing-window aggregate snapshot. Rows are append-only
// per (entity, window, as_of); history is retained.
type RollupRow struct {
	EntityID       string
	Window         string
	AsOf           time.Time
	PriceAvg       *decimal.Decimal
	PriceMin       *decimal.Decimal
	PriceMax       *decimal.Decimal
	RankAvg        *decimal.Decimal
	RatingAvg      *decimal.Decimal
	ReviewDelta    *int64
	PriceChangePct *decimal.Decimal
	RankChangePct  *decimal.Decimal
	SampleCount    int
	ComputedAt     time.Time
}

// ComparisonRow is a signed same-date difference, main minus peer. Only
// produced when both sides observed the date.
type ComparisonRow struct {
	MainID        string
	PeerID        string
	Date          time.Time
	PriceDiff     *decimal.Decimal
	RankGap       *int64
	RatingDiff    *decimal.Decimal
	ReviewGap     *int64
	SecondaryDiff *decimal.Decimal
	ComputedAt    time.Time
}

// AlertRecord captures a threshold crossing, deduplicated by
// (entity, kind, alert date). Resolution is an explicit operator action.
type AlertRecord struct {
	ID         int64
	EntityID   string
	Kind       string
	Severity   string
	AlertDate  time.Time
	ChangePct  *decimal.Decimal
	Delta      *decimal.Decimal
	Threshold  decimal.Decimal
	Message    string
	Resolved   bool
	ResolvedAt *time.Time
	ResolvedBy string
	CreatedAt  time.Time
}

// BatchRun records one aggregation/detection cycle for job introspection.
type BatchRun struct {
	TargetDate time.Time
	Status     string
	Counts     []byte
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// Day normalises a timestamp to its UTC calendar day.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
