package mart

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"shelfwatch/internal/storage"
)

func TestComputeRollupAggregates(t *testing.T) {
	metrics := []storage.DailyMetric{
		{EntityID: "X", Date: day("2024-01-01"), Price: dec("100"), Rank: i64(200), Rating: dec("4.0"), ReviewCount: i64(10)},
		{EntityID: "X", Date: day("2024-01-02"), Price: dec("110"), Rank: i64(150), Rating: dec("4.5"), ReviewCount: i64(14)},
		{EntityID: "X", Date: day("2024-01-03"), Price: dec("120"), Rank: i64(100), Rating: dec("5.0"), ReviewCount: i64(25)},
	}

	row := ComputeRollup("X", storage.Window7d, day("2024-01-03"), metrics, time.Now().UTC())

	if row.SampleCount != 3 {
		t.Fatalf("sample count should be 3, got %d", row.SampleCount)
	}
	if row.PriceAvg == nil || !row.PriceAvg.Equal(decimal.RequireFromString("110")) {
		t.Fatalf("price avg should be 110, got %v", row.PriceAvg)
	}
	if row.PriceMin == nil || !row.PriceMin.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("price min should be 100, got %v", row.PriceMin)
	}
	if row.PriceMax == nil || !row.PriceMax.Equal(decimal.RequireFromString("120")) {
		t.Fatalf("price max should be 120, got %v", row.PriceMax)
	}
	// Window average (110) against the first observation (100).
	if row.PriceChangePct == nil || !row.PriceChangePct.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("price change pct should be 10, got %v", row.PriceChangePct)
	}
	if row.RankAvg == nil || !row.RankAvg.Equal(decimal.RequireFromString("150")) {
		t.Fatalf("rank avg should be 150, got %v", row.RankAvg)
	}
	if row.ReviewDelta == nil || *row.ReviewDelta != 15 {
		t.Fatalf("review delta should be last minus first = 15, got %v", row.ReviewDelta)
	}
}

func TestComputeRollupSkipsNilValues(t *testing.T) {
	metrics := []storage.DailyMetric{
		{EntityID: "X", Date: day("2024-01-01"), Price: dec("100")},
		{EntityID: "X", Date: day("2024-01-02")},
		{EntityID: "X", Date: day("2024-01-03"), Price: dec("140")},
	}

	row := ComputeRollup("X", storage.Window7d, day("2024-01-03"), metrics, time.Now().UTC())

	if row.SampleCount != 3 {
		t.Fatalf("sample count counts observation rows, got %d", row.SampleCount)
	}
	if row.PriceAvg == nil || !row.PriceAvg.Equal(decimal.RequireFromString("120")) {
		t.Fatalf("price avg should skip the nil price, got %v", row.PriceAvg)
	}
	if row.RankAvg != nil {
		t.Fatalf("rank avg should be nil with no rank data, got %v", row.RankAvg)
	}
}

func TestComputeRollupEmptyWindow(t *testing.T) {
	row := ComputeRollup("X", storage.Window30d, day("2024-01-03"), nil, time.Now().UTC())

	if row.SampleCount != 0 {
		t.Fatalf("sample count should be 0, got %d", row.SampleCount)
	}
	if row.PriceAvg != nil || row.RankAvg != nil || row.ReviewDelta != nil {
		t.Fatalf("aggregates should be nil for an empty window: %+v", row)
	}
}
