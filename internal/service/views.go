package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"shelfwatch/internal/cache"
	"shelfwatch/internal/readpath"
	"shelfwatch/internal/storage"
)

// ReadResult wraps a view payload with its staleness metadata so callers
// can expose "stale as of" information.
type ReadResult struct {
	Payload   json.RawMessage
	Freshness cache.Freshness
	StaleAt   time.Time
}

// SummaryView is the per-entity overview payload.
type SummaryView struct {
	EntityID     string                `json:"entity_id"`
	Title        string                `json:"title"`
	Brand        string                `json:"brand,omitempty"`
	Category     string                `json:"category,omitempty"`
	Rollups      map[string]RollupView `json:"rollups"`
	ActiveAlerts int                   `json:"active_alerts"`
	GeneratedAt  time.Time             `json:"generated_at"`
}

// RollupView is the serialized trailing-window aggregate.
type RollupView struct {
	AsOf           time.Time        `json:"as_of"`
	PriceAvg       *decimal.Decimal `json:"price_avg,omitempty"`
	PriceMin       *decimal.Decimal `json:"price_min,omitempty"`
	PriceMax       *decimal.Decimal `json:"price_max,omitempty"`
	RankAvg        *decimal.Decimal `json:"rank_avg,omitempty"`
	RatingAvg      *decimal.Decimal `json:"rating_avg,omitempty"`
	ReviewDelta    *int64           `json:"review_delta,omitempty"`
	PriceChangePct *decimal.Decimal `json:"price_change_pct,omitempty"`
	RankChangePct  *decimal.Decimal `json:"rank_change_pct,omitempty"`
	SampleCount    int              `json:"sample_count"`
}

// MetricsView lists raw daily observations over one window.
type MetricsView struct {
	EntityID    string        `json:"entity_id"`
	Window      string        `json:"window"`
	Points      []MetricPoint `json:"points"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// MetricPoint is one day's observation.
type MetricPoint struct {
	Date           time.Time        `json:"date"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	Rank           *int64           `json:"rank,omitempty"`
	Rating         *decimal.Decimal `json:"rating,omitempty"`
	ReviewCount    *int64           `json:"review_count,omitempty"`
	SecondaryPrice *decimal.Decimal `json:"secondary_price,omitempty"`
}

// DeltaView lists day-over-day changes over one window.
type DeltaView struct {
	EntityID    string       `json:"entity_id"`
	Window      string       `json:"window"`
	Deltas      []DeltaPoint `json:"deltas"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// DeltaPoint is one day's delta row.
type DeltaPoint struct {
	Date           time.Time        `json:"date"`
	PriorDate      *time.Time       `json:"prior_date,omitempty"`
	PriceDelta     *decimal.Decimal `json:"price_delta,omitempty"`
	PriceChangePct *decimal.Decimal `json:"price_change_pct,omitempty"`
	RankDelta      *int64           `json:"rank_delta,omitempty"`
	RankChangePct  *decimal.Decimal `json:"rank_change_pct,omitempty"`
	RatingDelta    *decimal.Decimal `json:"rating_delta,omitempty"`
	ReviewDelta    *int64           `json:"review_delta,omitempty"`
}

// CompareView lists directed main-minus-peer differences over one window.
type CompareView struct {
	MainID      string         `json:"main_id"`
	PeerID      string         `json:"peer_id"`
	Window      string         `json:"window"`
	Points      []ComparePoint `json:"points"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// ComparePoint is one day's comparison row.
type ComparePoint struct {
	Date       time.Time        `json:"date"`
	PriceDiff  *decimal.Decimal `json:"price_diff,omitempty"`
	RankGap    *int64           `json:"rank_gap,omitempty"`
	RatingDiff *decimal.Decimal `json:"rating_diff,omitempty"`
	ReviewGap  *int64           `json:"review_gap,omitempty"`
}

// AlertsView lists an entity's unresolved alerts.
type AlertsView struct {
	EntityID    string       `json:"entity_id"`
	Alerts      []AlertPoint `json:"alerts"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// AlertPoint is one unresolved alert.
type AlertPoint struct {
	ID        int64            `json:"id"`
	Kind      string           `json:"kind"`
	Severity  string           `json:"severity"`
	AlertDate time.Time        `json:"alert_date"`
	ChangePct *decimal.Decimal `json:"change_pct,omitempty"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"created_at"`
}

const activeAlertLimit = 50

func (s *Service) summaryTTL() readpath.TTL {
	return readpath.TTL{Fresh: s.cacheCfg.SummaryFresh, Hard: s.cacheCfg.SummaryHard}
}

func (s *Service) compareTTL() readpath.TTL {
	return readpath.TTL{Fresh: s.cacheCfg.CompareFresh, Hard: s.cacheCfg.CompareHard}
}

// EntitySummary serves the per-entity overview, cache first.
func (s *Service) EntitySummary(ctx context.Context, entityID string) (ReadResult, error) {
	return s.read(ctx, cache.EntitySummaryKey(entityID), s.summaryTTL(), func(ctx context.Context) ([]byte, error) {
		return s.loadSummary(ctx, entityID)
	})
}

// EntityMetrics serves raw daily observations over a trailing window.
func (s *Service) EntityMetrics(ctx context.Context, entityID, window string) (ReadResult, error) {
	if err := validWindow(window); err != nil {
		return ReadResult{}, err
	}
	return s.read(ctx, cache.EntityMetricsKey(entityID, window), s.summaryTTL(), func(ctx context.Context) ([]byte, error) {
		return s.loadMetrics(ctx, entityID, window)
	})
}

// EntityDelta serves day-over-day deltas over a trailing window.
func (s *Service) EntityDelta(ctx context.Context, entityID, window string) (ReadResult, error) {
	if err := validWindow(window); err != nil {
		return ReadResult{}, err
	}
	return s.read(ctx, cache.EntityDeltaKey(entityID, window), s.summaryTTL(), func(ctx context.Context) ([]byte, error) {
		return s.loadDeltas(ctx, entityID, window)
	})
}

// Compare serves the directed main-vs-peer comparison over a window.
func (s *Service) Compare(ctx context.Context, mainID, peerID, window string) (ReadResult, error) {
	if err := validWindow(window); err != nil {
		return ReadResult{}, err
	}
	return s.read(ctx, cache.CompareKey(mainID, peerID, window), s.compareTTL(), func(ctx context.Context) ([]byte, error) {
		return s.loadComparisons(ctx, mainID, peerID, window)
	})
}

// AlertSummary serves an entity's unresolved alerts.
func (s *Service) AlertSummary(ctx context.Context, entityID string) (ReadResult, error) {
	return s.read(ctx, cache.AlertsKey(entityID), s.summaryTTL(), func(ctx context.Context) ([]byte, error) {
		return s.loadAlerts(ctx, entityID)
	})
}

func (s *Service) read(ctx context.Context, key string, ttl readpath.TTL, loader readpath.Loader) (ReadResult, error) {
	if s.coordinator == nil {
		payload, err := loader(ctx)
		if err != nil {
			return ReadResult{}, err
		}
		return ReadResult{Payload: payload, Freshness: cache.Fresh}, nil
	}
	res, err := s.coordinator.Read(ctx, key, ttl, loader)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Payload: res.Payload, Freshness: res.Freshness, StaleAt: res.StaleAt}, nil
}

func (s *Service) loadSummary(ctx context.Context, entityID string) ([]byte, error) {
	product, err := s.facts.GetProduct(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, entityID)
	}

	view := SummaryView{
		EntityID:    product.ID,
		Title:       product.Title,
		Brand:       product.Brand,
		Category:    product.Category,
		Rollups:     make(map[string]RollupView, len(storage.Windows)),
		GeneratedAt: s.now(),
	}

	for _, window := range storage.Windows {
		rollup, err := s.martReader.GetLatestRollup(ctx, entityID, window)
		if err != nil {
			return nil, err
		}
		if rollup == nil {
			continue
		}
		view.Rollups[window] = RollupView{
			AsOf:           rollup.AsOf,
			PriceAvg:       rollup.PriceAvg,
			PriceMin:       rollup.PriceMin,
			PriceMax:       rollup.PriceMax,
			RankAvg:        rollup.RankAvg,
			RatingAvg:      rollup.RatingAvg,
			ReviewDelta:    rollup.ReviewDelta,
			PriceChangePct: rollup.PriceChangePct,
			RankChangePct:  rollup.RankChangePct,
			SampleCount:    rollup.SampleCount,
		}
	}

	alerts, err := s.alertStore.ListActiveAlerts(ctx, entityID, activeAlertLimit)
	if err != nil {
		return nil, err
	}
	view.ActiveAlerts = len(alerts)

	return json.Marshal(view)
}

func (s *Service) loadMetrics(ctx context.Context, entityID, window string) ([]byte, error) {
	to := storage.Day(s.now())
	from := to.AddDate(0, 0, -storage.WindowDays[window])
	metrics, err := s.facts.ListMetricsBetween(ctx, entityID, from, to)
	if err != nil {
		return nil, err
	}

	view := MetricsView{EntityID: entityID, Window: window, Points: make([]MetricPoint, 0, len(metrics)), GeneratedAt: s.now()}
	for _, m := range metrics {
		view.Points = append(view.Points, MetricPoint{
			Date:           m.Date,
			Price:          m.Price,
			Rank:           m.Rank,
			Rating:         m.Rating,
			ReviewCount:    m.ReviewCount,
			SecondaryPrice: m.SecondaryPrice,
		})
	}
	return json.Marshal(view)
}

func (s *Service) loadDeltas(ctx context.Context, entityID, window string) ([]byte, error) {
	to := storage.Day(s.now())
	from := to.AddDate(0, 0, -storage.WindowDays[window])
	deltas, err := s.martReader.ListDeltasForEntity(ctx, entityID, from, to)
	if err != nil {
		return nil, err
	}

	view := DeltaView{EntityID: entityID, Window: window, Deltas: make([]DeltaPoint, 0, len(deltas)), GeneratedAt: s.now()}
	for _, d := range deltas {
		view.Deltas = append(view.Deltas, DeltaPoint{
			Date:           d.Date,
			PriorDate:      d.PriorDate,
			PriceDelta:     d.PriceDelta,
			PriceChangePct: d.PriceChangePct,
			RankDelta:      d.RankDelta,
			RankChangePct:  d.RankChangePct,
			RatingDelta:    d.RatingDelta,
			ReviewDelta:    d.ReviewDelta,
		})
	}
	return json.Marshal(view)
}

func (s *Service) loadComparisons(ctx context.Context, mainID, peerID, window string) ([]byte, error) {
	to := storage.Day(s.now())
	from := to.AddDate(0, 0, -storage.WindowDays[window])
	rows, err := s.martReader.ListComparisonsBetween(ctx, mainID, peerID, from, to)
	if err != nil {
		return nil, err
	}

	view := CompareView{MainID: mainID, PeerID: peerID, Window: window, Points: make([]ComparePoint, 0, len(rows)), GeneratedAt: s.now()}
	for _, row := range rows {
		view.Points = append(view.Points, ComparePoint{
			Date:       row.Date,
			PriceDiff:  row.PriceDiff,
			RankGap:    row.RankGap,
			RatingDiff: row.RatingDiff,
			ReviewGap:  row.ReviewGap,
		})
	}
	return json.Marshal(view)
}

func (s *Service) loadAlerts(ctx context.Context, entityID string) ([]byte, error) {
	alerts, err := s.alertStore.ListActiveAlerts(ctx, entityID, activeAlertLimit)
	if err != nil {
		return nil, err
	}

	view := AlertsView{EntityID: entityID, Alerts: make([]AlertPoint, 0, len(alerts)), GeneratedAt: s.now()}
	for _, a := range alerts {
		view.Alerts = append(view.Alerts, AlertPoint{
			ID:        a.ID,
			Kind:      a.Kind,
			Severity:  a.Severity,
			AlertDate: a.AlertDate,
			ChangePct: a.ChangePct,
			Message:   a.Message,
			CreatedAt: a.CreatedAt,
		})
	}
	return json.Marshal(view)
}

func validWindow(window string) error {
	if _, ok := storage.WindowDays[window]; !ok {
		return fmt.Errorf("unknown window %q", window)
	}
	return nil
}
