package anomaly

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"shelfwatch/internal/alerting"
	"shelfwatch/internal/config"
	"shelfwatch/internal/storage"
)

func testThresholds() config.ThresholdConfig {
	return config.ThresholdConfig{
		Version:          1,
		PriceSpikeMedium: 15,
		PriceSpikeHigh:   30,
		PriceDropMedium:  20,
		PriceDropHigh:    40,
		RankJumpMedium:   50,
		RankJumpHigh:     100,
		RankImprove:      30,
		RatingDrop:       0.3,
	}
}

func dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func day(value string) time.Time {
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		panic(err)
	}
	return t
}

func deltaRow(entity, date string) storage.DeltaRow {
	return storage.DeltaRow{EntityID: entity, Date: day(date)}
}

func TestEvaluateCollapsesTiersToHighestSeverity(t *testing.T) {
	d := deltaRow("X", "2024-01-02")
	d.PriceChangePct = dec("35")

	alerts := Evaluate(d, testThresholds())

	if len(alerts) != 1 {
		t.Fatalf("crossing both spike tiers should yield one alert, got %d", len(alerts))
	}
	if alerts[0].Kind != KindPriceSpike || alerts[0].Severity != SeverityHigh {
		t.Fatalf("expected high-severity price_spike, got %s/%s", alerts[0].Kind, alerts[0].Severity)
	}
}

func TestEvaluatePriceDropTiers(t *testing.T) {
	d := deltaRow("X", "2024-01-02")
	d.PriceChangePct = dec("-25")

	alerts := Evaluate(d, testThresholds())

	if len(alerts) != 1 || alerts[0].Kind != KindPriceDrop || alerts[0].Severity != SeverityMedium {
		t.Fatalf("expected medium price_drop, got %+v", alerts)
	}
}

func TestEvaluateRankDirections(t *testing.T) {
	worse := deltaRow("X", "2024-01-02")
	worse.RankChangePct = dec("120")
	alerts := Evaluate(worse, testThresholds())
	if len(alerts) != 1 || alerts[0].Kind != KindRankJump || alerts[0].Severity != SeverityHigh {
		t.Fatalf("expected high rank_jump, got %+v", alerts)
	}

	better := deltaRow("X", "2024-01-02")
	better.RankChangePct = dec("-40")
	alerts = Evaluate(better, testThresholds())
	if len(alerts) != 1 || alerts[0].Kind != KindRankImprovement {
		t.Fatalf("expected rank_improvement, got %+v", alerts)
	}
}

func TestEvaluateRatingDrop(t *testing.T) {
	d := deltaRow("X", "2024-01-02")
	d.RatingDelta = dec("-0.5")

	alerts := Evaluate(d, testThresholds())

	if len(alerts) != 1 || alerts[0].Kind != KindRatingDrop {
		t.Fatalf("expected rating_drop, got %+v", alerts)
	}
}

func TestEvaluateQuietDelta(t *testing.T) {
	d := deltaRow("X", "2024-01-02")
	d.PriceChangePct = dec("5")
	d.RankChangePct = dec("10")
	d.RatingDelta = dec("-0.1")

	if alerts := Evaluate(d, testThresholds()); len(alerts) != 0 {
		t.Fatalf("no thresholds crossed, got %+v", alerts)
	}
}

func TestEvaluateNilFieldsAreIgnored(t *testing.T) {
	d := deltaRow("X", "2024-01-02")

	if alerts := Evaluate(d, testThresholds()); len(alerts) != 0 {
		t.Fatalf("an empty delta row must not alert, got %+v", alerts)
	}
}

// fakeMart serves a fixed slice of delta rows.
type fakeMart struct {
	deltas []storage.DeltaRow
}

func (f *fakeMart) ListDeltasForDate(_ context.Context, date time.Time, scope []string) ([]storage.DeltaRow, error) {
	var out []storage.DeltaRow
	for _, d := range f.deltas {
		if !d.Date.Equal(storage.Day(date)) {
			continue
		}
		if len(scope) > 0 && !contains(scope, d.EntityID) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeMart) GetDeltaRow(context.Context, string, time.Time) (*storage.DeltaRow, error) {
	return nil, nil
}

func (f *fakeMart) ListDeltasForEntity(context.Context, string, time.Time, time.Time) ([]storage.DeltaRow, error) {
	return nil, nil
}

func (f *fakeMart) GetLatestRollup(context.Context, string, string) (*storage.RollupRow, error) {
	return nil, nil
}

func (f *fakeMart) ListComparisonsBetween(context.Context, string, string, time.Time, time.Time) ([]storage.ComparisonRow, error) {
	return nil, nil
}

func (f *fakeMart) GetBatchRun(context.Context, time.Time) (*storage.BatchRun, error) {
	return nil, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// fakeAlerts dedupes on (entity, kind, date) like the real store.
type fakeAlerts struct {
	mu      sync.Mutex
	nextID  int64
	records map[string]storage.AlertRecord
}

func newFakeAlerts() *fakeAlerts {
	return &fakeAlerts{records: make(map[string]storage.AlertRecord)}
}

func (f *fakeAlerts) UpsertAlert(_ context.Context, alert storage.AlertRecord) (storage.AlertRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := alert.EntityID + "|" + alert.Kind + "|" + alert.AlertDate.Format(time.DateOnly)
	if existing, ok := f.records[key]; ok {
		return existing, false, nil
	}
	f.nextID++
	alert.ID = f.nextID
	alert.CreatedAt = time.Now().UTC()
	f.records[key] = alert
	return alert, true, nil
}

func (f *fakeAlerts) ListActiveAlerts(context.Context, string, int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (f *fakeAlerts) ResolveAlert(context.Context, int64, string) (bool, error) {
	return false, nil
}

var _ storage.AlertStore = (*fakeAlerts)(nil)

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (p *capturePublisher) Publish(_ context.Context, event alerting.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func TestDetectDeduplicatesAcrossRuns(t *testing.T) {
	d := deltaRow("X", "2024-01-02")
	d.PriceChangePct = dec("18")

	mart := &fakeMart{deltas: []storage.DeltaRow{d}}
	alerts := newFakeAlerts()
	pub := &capturePublisher{}
	detector := New(mart, nil, alerts, pub, testThresholds(), zerolog.Nop())

	first, err := detector.Detect(context.Background(), day("2024-01-02"), nil)
	if err != nil {
		t.Fatalf("first detect failed: %v", err)
	}
	if first.Created != 1 || first.Existing != 0 {
		t.Fatalf("first run should create one alert: %+v", first)
	}

	second, err := detector.Detect(context.Background(), day("2024-01-02"), nil)
	if err != nil {
		t.Fatalf("second detect failed: %v", err)
	}
	if second.Created != 0 || second.Existing != 1 {
		t.Fatalf("second run should dedupe: %+v", second)
	}

	if len(alerts.records) != 1 {
		t.Fatalf("exactly one alert row expected, got %d", len(alerts.records))
	}
	if len(pub.events) != 1 {
		t.Fatalf("exactly one event should be published, got %d", len(pub.events))
	}
	if pub.events[0].Kind != KindPriceSpike {
		t.Fatalf("unexpected event kind %s", pub.events[0].Kind)
	}
}

func TestDetectMultipleFamiliesOneRowEach(t *testing.T) {
	d := deltaRow("X", "2024-01-02")
	d.PriceChangePct = dec("-45")
	d.RankChangePct = dec("60")
	d.RatingDelta = dec("-0.4")

	mart := &fakeMart{deltas: []storage.DeltaRow{d}}
	alerts := newFakeAlerts()
	detector := New(mart, nil, alerts, nil, testThresholds(), zerolog.Nop())

	result, err := detector.Detect(context.Background(), day("2024-01-02"), nil)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if result.Created != 3 {
		t.Fatalf("three families crossed, expected 3 alerts, got %d", result.Created)
	}
}

// categoryFacts resolves products with a fixed category.
type categoryFacts struct {
	category string
}

func (f *categoryFacts) GetProduct(_ context.Context, id string) (*storage.Product, error) {
	return &storage.Product{ID: id, Category: f.category}, nil
}

func (f *categoryFacts) ListEntityIDs(context.Context) ([]string, error) { return nil, nil }

func (f *categoryFacts) GetDailyMetric(context.Context, string, time.Time) (*storage.DailyMetric, error) {
	return nil, nil
}

func (f *categoryFacts) GetPriorMetric(context.Context, string, time.Time, int) (*storage.DailyMetric, error) {
	return nil, nil
}

func (f *categoryFacts) ListMetricsBetween(context.Context, string, time.Time, time.Time) ([]storage.DailyMetric, error) {
	return nil, nil
}

func (f *categoryFacts) ListPeerLinks(context.Context, []string) ([]storage.PeerLink, error) {
	return nil, nil
}

var _ storage.FactReader = (*categoryFacts)(nil)

func TestDetectAppliesCategoryOverride(t *testing.T) {
	d := deltaRow("X", "2024-01-02")
	d.RankChangePct = dec("60")

	thresholds := testThresholds()
	thresholds.CategoryOverride = map[string]float64{"books": 80}

	mart := &fakeMart{deltas: []storage.DeltaRow{d}}
	alerts := newFakeAlerts()
	detector := New(mart, &categoryFacts{category: "books"}, alerts, nil, thresholds, zerolog.Nop())

	result, err := detector.Detect(context.Background(), day("2024-01-02"), nil)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	// 60% is above the global 50 but below the books override of 80.
	if result.Created != 0 {
		t.Fatalf("override should suppress the rank_jump alert, got %d", result.Created)
	}
}
