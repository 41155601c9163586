package mart

import (
	"time"

	"github.com/shopspring/decimal"

	"shelfwatch/internal/storage"
)

// minRollupSamples is the smallest number of observations a window needs
// before an aggregate is worth writing.
const minRollupSamples = 2

// ComputeRollup aggregates one entity's observations inside a trailing
// window. Metrics must be ordered by date ascending (the store query
// guarantees this). Percentage fields compare the window average against
// the first observed value in the window.
func ComputeRollup(entityID, window string, asOf time.Time, metrics []storage.DailyMetric, computedAt time.Time) storage.RollupRow {
	row := storage.RollupRow{
		EntityID:    entityID,
		Window:      window,
		AsOf:        storage.Day(asOf),
		SampleCount: len(metrics),
		ComputedAt:  computedAt,
	}
	if len(metrics) == 0 {
		return row
	}

	prices := collectDecimals(metrics, func(m storage.DailyMetric) *decimal.Decimal { return m.Price })
	ratings := collectDecimals(metrics, func(m storage.DailyMetric) *decimal.Decimal { return m.Rating })
	ranks := collectInts(metrics, func(m storage.DailyMetric) *int64 { return m.Rank })
	reviews := collectInts(metrics, func(m storage.DailyMetric) *int64 { return m.ReviewCount })

	if len(prices) > 0 {
		avg := decimalAvg(prices)
		minimum, maximum := decimalMinMax(prices)
		row.PriceAvg = &avg
		row.PriceMin = &minimum
		row.PriceMax = &maximum
		row.PriceChangePct = pctChange(&avg, &prices[0])
	}
	if len(ratings) > 0 {
		avg := decimalAvg(ratings)
		row.RatingAvg = &avg
	}
	if len(ranks) > 0 {
		avg := intAvg(ranks)
		row.RankAvg = &avg
		first := decimal.NewFromInt(ranks[0])
		row.RankChangePct = pctChange(&avg, &first)
	}
	if len(reviews) > 0 {
		delta := reviews[len(reviews)-1] - reviews[0]
		row.ReviewDelta = &delta
	}
	return row
}

func collectDecimals(metrics []storage.DailyMetric, pick func(storage.DailyMetric) *decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(metrics))
	for _, m := range metrics {
		if v := pick(m); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

func collectInts(metrics []storage.DailyMetric, pick func(storage.DailyMetric) *int64) []int64 {
	out := make([]int64, 0, len(metrics))
	for _, m := range metrics {
		if v := pick(m); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

func decimalAvg(values []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values)))).Round(2)
}

func decimalMinMax(values []decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	minimum, maximum := values[0], values[0]
	for _, v := range values[1:] {
		if v.LessThan(minimum) {
			minimum = v
		}
		if v.GreaterThan(maximum) {
			maximum = v
		}
	}
	return minimum, maximum
}

func intAvg(values []int64) decimal.Decimal {
	var sum int64
	for _, v := range values {
		sum += v
	}
	return decimal.NewFromInt(sum).Div(decimal.NewFromInt(int64(len(values)))).Round(2)
}
