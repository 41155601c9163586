package mart

import (
	"time"

	"github.com/shopspring/decimal"

	"shelfwatch/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// ComputeDelta derives the day-over-day row for one observation against
// its closest prior observation. A nil prior produces a row with only the
// key populated; percentage fields stay nil whenever the prior value is
// nil or zero.
func ComputeDelta(current storage.DailyMetric, prior *storage.DailyMetric, computedAt time.Time) storage.DeltaRow {
	row := storage.DeltaRow{
		EntityID:   current.EntityID,
		Date:       storage.Day(current.Date),
		ComputedAt: computedAt,
	}
	if prior == nil {
		return row
	}

	priorDay := storage.Day(prior.Date)
	row.PriorDate = &priorDay

	row.PriceDelta = decDelta(current.Price, prior.Price)
	row.PriceChangePct = pctChange(current.Price, prior.Price)
	row.RankDelta = intDelta(current.Rank, prior.Rank)
	row.RankChangePct = intPctChange(current.Rank, prior.Rank)
	row.RatingDelta = decDelta(current.Rating, prior.Rating)
	row.ReviewDelta = intDelta(current.ReviewCount, prior.ReviewCount)
	row.SecondaryDelta = decDelta(current.SecondaryPrice, prior.SecondaryPrice)
	row.SecondaryChgPct = pctChange(current.SecondaryPrice, prior.SecondaryPrice)
	return row
}

func decDelta(cur, prev *decimal.Decimal) *decimal.Decimal {
	if cur == nil || prev == nil {
		return nil
	}
	d := cur.Sub(*prev).Round(2)
	return &d
}

// pctChange returns (cur−prev)/prev×100, or nil when prev is nil or zero.
func pctChange(cur, prev *decimal.Decimal) *decimal.Decimal {
	if cur == nil || prev == nil || prev.IsZero() {
		return nil
	}
	pct := cur.Sub(*prev).Div(*prev).Mul(hundred).Round(2)
	return &pct
}

func intDelta(cur, prev *int64) *int64 {
	if cur == nil || prev == nil {
		return nil
	}
	d := *cur - *prev
	return &d
}

func intPctChange(cur, prev *int64) *decimal.Decimal {
	if cur == nil || prev == nil || *prev == 0 {
		return nil
	}
	pct := decimal.NewFromInt(*cur - *prev).Div(decimal.NewFromInt(*prev)).Mul(hundred).Round(2)
	return &pct
}
