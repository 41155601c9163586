package mart

import (
	"time"

	"shelfwatch/internal/storage"
)

// ComputeComparison derives the signed same-date difference main minus
// peer. Rows are directed: a B→A link produces its own independent row,
// never the mirror of A→B.
func ComputeComparison(main, peer storage.DailyMetric, computedAt time.Time) storage.ComparisonRow {
	return storage.ComparisonRow{
		MainID:        main.EntityID,
		PeerID:        peer.EntityID,
		Date:          storage.Day(main.Date),
		PriceDiff:     decDelta(main.Price, peer.Price),
		RankGap:       intDelta(main.Rank, peer.Rank),
		RatingDiff:    decDelta(main.Rating, peer.Rating),
		ReviewGap:     intDelta(main.ReviewCount, peer.ReviewCount),
		SecondaryDiff: decDelta(main.SecondaryPrice, peer.SecondaryPrice),
		ComputedAt:    computedAt,
	}
}
