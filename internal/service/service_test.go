package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"shelfwatch/internal/anomaly"
	"shelfwatch/internal/cache"
	"shelfwatch/internal/config"
	"shelfwatch/internal/mart"
	"shelfwatch/internal/readpath"
	"shelfwatch/internal/storage"
)

// svcStore is an in-memory fact/mart/alert store backing the service.
type svcStore struct {
	mu          sync.Mutex
	products    map[string]storage.Product
	metrics     map[string]storage.DailyMetric
	links       []storage.PeerLink
	deltas      map[string]storage.DeltaRow
	rollups     map[string][]storage.RollupRow // entity|window, append order
	comparisons map[string]storage.ComparisonRow
	alerts      map[string]storage.AlertRecord
	runs        map[string]storage.BatchRun
	nextAlertID int64
}

func newSvcStore() *svcStore {
	return &svcStore{
		products:    make(map[string]storage.Product),
		metrics:     make(map[string]storage.DailyMetric),
		deltas:      make(map[string]storage.DeltaRow),
		rollups:     make(map[string][]storage.RollupRow),
		comparisons: make(map[string]storage.ComparisonRow),
		alerts:      make(map[string]storage.AlertRecord),
		runs:        make(map[string]storage.BatchRun),
	}
}

func key2(entity string, date time.Time) string {
	return entity + "|" + date.Format(time.DateOnly)
}

func (s *svcStore) addMetric(entity string, date time.Time, price string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := decimal.RequireFromString(price)
	day := storage.Day(date)
	s.metrics[key2(entity, day)] = storage.DailyMetric{EntityID: entity, Date: day, Price: &p}
	if _, ok := s.products[entity]; !ok {
		s.products[entity] = storage.Product{ID: entity, Title: "Product " + entity}
	}
}

func (s *svcStore) GetProduct(_ context.Context, id string) (*storage.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (s *svcStore) ListEntityIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.products))
	for id := range s.products {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *svcStore) GetDailyMetric(_ context.Context, entityID string, date time.Time) (*storage.DailyMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.metrics[key2(entityID, storage.Day(date))]; ok {
		return &m, nil
	}
	return nil, nil
}

func (s *svcStore) GetPriorMetric(_ context.Context, entityID string, before time.Time, lookbackDays int) (*storage.DailyMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := storage.Day(before)
	for i := 1; i <= lookbackDays; i++ {
		if m, ok := s.metrics[key2(entityID, day.AddDate(0, 0, -i))]; ok {
			return &m, nil
		}
	}
	return nil, nil
}

func (s *svcStore) ListMetricsBetween(_ context.Context, entityID string, from, to time.Time) ([]storage.DailyMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.DailyMetric
	for d := storage.Day(from); !d.After(storage.Day(to)); d = d.AddDate(0, 0, 1) {
		if m, ok := s.metrics[key2(entityID, d)]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *svcStore) ListPeerLinks(_ context.Context, mains []string) ([]storage.PeerLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.PeerLink(nil), s.links...), nil
}

func (s *svcStore) CommitEntityDerived(_ context.Context, delta *storage.DeltaRow, rollups []storage.RollupRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delta != nil {
		s.deltas[key2(delta.EntityID, delta.Date)] = *delta
	}
	for _, r := range rollups {
		k := r.EntityID + "|" + r.Window
		s.rollups[k] = append(s.rollups[k], r)
	}
	return nil
}

func (s *svcStore) UpsertComparisonRow(_ context.Context, row storage.ComparisonRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comparisons[fmt.Sprintf("%s|%s|%s", row.MainID, row.PeerID, row.Date.Format(time.DateOnly))] = row
	return nil
}

func (s *svcStore) RecordBatchRun(_ context.Context, run storage.BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.TargetDate.Format(time.DateOnly)] = run
	return nil
}

func (s *svcStore) GetDeltaRow(_ context.Context, entityID string, date time.Time) (*storage.DeltaRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.deltas[key2(entityID, storage.Day(date))]; ok {
		return &d, nil
	}
	return nil, nil
}

func (s *svcStore) ListDeltasForDate(_ context.Context, date time.Time, scope []string) ([]storage.DeltaRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.DeltaRow
	for _, d := range s.deltas {
		if d.Date.Equal(storage.Day(date)) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *svcStore) ListDeltasForEntity(_ context.Context, entityID string, from, to time.Time) ([]storage.DeltaRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.DeltaRow
	for d := storage.Day(from); !d.After(storage.Day(to)); d = d.AddDate(0, 0, 1) {
		if row, ok := s.deltas[key2(entityID, d)]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *svcStore) GetLatestRollup(_ context.Context, entityID, window string) (*storage.RollupRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rollups[entityID+"|"+window]
	if len(rows) == 0 {
		return nil, nil
	}
	latest := rows[len(rows)-1]
	return &latest, nil
}

func (s *svcStore) ListComparisonsBetween(_ context.Context, mainID, peerID string, from, to time.Time) ([]storage.ComparisonRow, error) {
	return nil, nil
}

func (s *svcStore) GetBatchRun(_ context.Context, targetDate time.Time) (*storage.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[storage.Day(targetDate).Format(time.DateOnly)]; ok {
		return &run, nil
	}
	return nil, nil
}

func (s *svcStore) UpsertAlert(_ context.Context, alert storage.AlertRecord) (storage.AlertRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := alert.EntityID + "|" + alert.Kind + "|" + alert.AlertDate.Format(time.DateOnly)
	if existing, ok := s.alerts[k]; ok {
		return existing, false, nil
	}
	s.nextAlertID++
	alert.ID = s.nextAlertID
	alert.CreatedAt = time.Now().UTC()
	s.alerts[k] = alert
	return alert, true, nil
}

func (s *svcStore) ListActiveAlerts(_ context.Context, entityID string, limit int) ([]storage.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.AlertRecord
	for _, a := range s.alerts {
		if a.EntityID == entityID && !a.Resolved {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *svcStore) ResolveAlert(_ context.Context, id int64, resolvedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, a := range s.alerts {
		if a.ID == id && !a.Resolved {
			now := time.Now().UTC()
			a.Resolved = true
			a.ResolvedAt = &now
			a.ResolvedBy = resolvedBy
			s.alerts[k] = a
			return true, nil
		}
	}
	return false, nil
}

var (
	_ storage.FactReader = (*svcStore)(nil)
	_ storage.MartReader = (*svcStore)(nil)
	_ storage.MartWriter = (*svcStore)(nil)
	_ storage.AlertStore = (*svcStore)(nil)
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		SummaryFresh:   24 * time.Hour,
		SummaryHard:    48 * time.Hour,
		CompareFresh:   12 * time.Hour,
		CompareHard:    24 * time.Hour,
		LoaderTimeout:  2 * time.Second,
		RefreshTimeout: 2 * time.Second,
	}
}

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

func newTestService(store *svcStore, cacheStore *cache.MemoryStore) *Service {
	engine := mart.New(store, store, nil, mart.Options{Workers: 2, LookbackDays: 14}, zerolog.Nop())
	detector := anomaly.New(store, store, store, nil, testThresholds(), zerolog.Nop())

	var coordinator *readpath.Coordinator
	var invalidator cache.Invalidator
	if cacheStore != nil {
		coordinator = readpath.New(cacheStore, readpath.Options{LoaderTimeout: 2 * time.Second, RefreshTimeout: 2 * time.Second}, zerolog.Nop())
		invalidator = cacheStore
	}

	return New(Deps{
		Facts:       store,
		MartReader:  store,
		MartWriter:  store,
		AlertStore:  store,
		Engine:      engine,
		Detector:    detector,
		Coordinator: coordinator,
		Invalidator: invalidator,
	}, testCacheConfig(), zerolog.Nop())
}

// TestInvalidationOrdering covers the coherency guarantee: once a batch has
// committed and published invalidation, a read must never serve pre-batch
// data as a fresh cache hit.
func TestInvalidationOrdering(t *testing.T) {
	store := newSvcStore()
	cacheStore := cache.NewMemoryStore(nil)
	svc := newTestService(store, cacheStore)
	ctx := context.Background()

	today := storage.Day(time.Now().UTC())
	yesterday := today.AddDate(0, 0, -1)
	store.addMetric("A", yesterday, "100")

	if _, err := svc.RunBatch(ctx, yesterday, nil); err != nil {
		t.Fatalf("first batch failed: %v", err)
	}

	// Prime the cache with pre-batch state.
	first, err := svc.EntityDelta(ctx, "A", "7d")
	if err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	var before DeltaView
	if err := json.Unmarshal(first.Payload, &before); err != nil {
		t.Fatalf("decode first payload: %v", err)
	}

	primed, err := svc.EntityDelta(ctx, "A", "7d")
	if err != nil {
		t.Fatalf("primed read failed: %v", err)
	}
	if primed.Freshness != cache.Fresh {
		t.Fatalf("second read should be a fresh cache hit, got %s", primed.Freshness)
	}

	// New facts arrive and the next batch runs.
	store.addMetric("A", today, "115")
	if _, err := svc.RunBatch(ctx, today, nil); err != nil {
		t.Fatalf("second batch failed: %v", err)
	}

	after, err := svc.EntityDelta(ctx, "A", "7d")
	if err != nil {
		t.Fatalf("post-batch read failed: %v", err)
	}
	if after.Freshness == cache.Fresh && string(after.Payload) == string(first.Payload) {
		t.Fatal("post-batch read served pre-batch data as fresh")
	}

	var view DeltaView
	if err := json.Unmarshal(after.Payload, &view); err != nil {
		t.Fatalf("decode post-batch payload: %v", err)
	}
	if len(view.Deltas) != len(before.Deltas)+1 {
		t.Fatalf("post-batch view should include the new delta row: before=%d after=%d", len(before.Deltas), len(view.Deltas))
	}
	latest := view.Deltas[len(view.Deltas)-1]
	if latest.PriceChangePct == nil || !latest.PriceChangePct.Equal(decimal.RequireFromString("15")) {
		t.Fatalf("latest delta should show the 15%% move, got %v", latest.PriceChangePct)
	}
}

func TestRunBatchCreatesAlertsAndRecordsRun(t *testing.T) {
	store := newSvcStore()
	svc := newTestService(store, cache.NewMemoryStore(nil))
	ctx := context.Background()

	today := storage.Day(time.Now().UTC())
	store.addMetric("A", today.AddDate(0, 0, -1), "100")
	store.addMetric("A", today, "140")

	summary, err := svc.RunBatch(ctx, today, nil)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if summary.Status != storage.BatchSuccess {
		t.Fatalf("expected SUCCESS, got %s", summary.Status)
	}
	if summary.Detection.Created != 1 {
		t.Fatalf("a 40%% spike should create one alert, got %d", summary.Detection.Created)
	}

	run, err := svc.BatchStatus(ctx, today)
	if err != nil {
		t.Fatalf("batch status failed: %v", err)
	}
	if run == nil || run.Status != storage.BatchSuccess {
		t.Fatalf("batch run should be recorded: %+v", run)
	}

	var recorded BatchSummary
	if err := json.Unmarshal(run.Counts, &recorded); err != nil {
		t.Fatalf("decode recorded counts: %v", err)
	}
	if recorded.Detection.Created != 1 || recorded.Recompute.Delta.Rows != 1 {
		t.Fatalf("recorded counts should match the run: %+v", recorded)
	}
}

func TestReadPathWithoutCache(t *testing.T) {
	store := newSvcStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	today := storage.Day(time.Now().UTC())
	store.addMetric("A", today, "100")

	res, err := svc.EntitySummary(ctx, "A")
	if err != nil {
		t.Fatalf("summary read failed: %v", err)
	}

	var view SummaryView
	if err := json.Unmarshal(res.Payload, &view); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if view.EntityID != "A" || view.Title != "Product A" {
		t.Fatalf("unexpected summary %+v", view)
	}
}

func TestEntitySummaryUnknownEntity(t *testing.T) {
	store := newSvcStore()
	svc := newTestService(store, nil)

	if _, err := svc.EntitySummary(context.Background(), "missing"); err == nil {
		t.Fatal("unknown entity should error")
	}
}

func TestRejectsUnknownWindow(t *testing.T) {
	store := newSvcStore()
	svc := newTestService(store, nil)

	if _, err := svc.EntityMetrics(context.Background(), "A", "14d"); err == nil {
		t.Fatal("unknown window should be rejected before touching the cache")
	}
}
