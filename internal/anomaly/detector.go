// Package anomaly scans freshly computed delta rows against the versioned
// threshold table and records alert rows. Detection is read-only over the
// mart: it never touches raw facts beyond resolving an entity's category
// for threshold overrides.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"shelfwatch/internal/alerting"
	"shelfwatch/internal/config"
	"shelfwatch/internal/storage"
)

// Alert kinds. Closed set; the dedupe key is (entity, kind, date).
const (
	KindPriceSpike      = "price_spike"
	KindPriceDrop       = "price_drop"
	KindRankJump        = "rank_jump"
	KindRankImprovement = "rank_improvement"
	KindRatingDrop      = "rating_drop"
)

// Severity tiers, low to high.
const (
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Result summarises one detection run.
type Result struct {
	TargetDate time.Time `json:"target_date"`
	Scanned    int       `json:"scanned"`
	Created    int       `json:"created"`
	Existing   int       `json:"existing"`
	Failed     int       `json:"failed"`
}

// Detector evaluates delta rows and upserts alert records.
type Detector struct {
	mart       storage.MartReader
	facts      storage.FactReader
	alerts     storage.AlertStore
	publisher  alerting.Publisher
	thresholds config.ThresholdConfig
	logger     zerolog.Logger
}

func New(mart storage.MartReader, facts storage.FactReader, alerts storage.AlertStore, publisher alerting.Publisher, thresholds config.ThresholdConfig, logger zerolog.Logger) *Detector {
	if publisher == nil {
		publisher = alerting.NopPublisher{}
	}
	return &Detector{
		mart:       mart,
		facts:      facts,
		alerts:     alerts,
		publisher:  publisher,
		thresholds: thresholds,
		logger:     logger.With().Str("component", "anomaly_detector").Logger(),
	}
}

// Detect scans delta rows for targetDate (optionally narrowed to scope)
// and upserts one alert per crossed metric family. Deduplication rides on
// the store's (entity, kind, date) conflict key, so re-running a date is
// harmless. Publish failures are logged, never returned.
func (d *Detector) Detect(ctx context.Context, targetDate time.Time, scope []string) (Result, error) {
	day := storage.Day(targetDate)
	result := Result{TargetDate: day}

	deltas, err := d.mart.ListDeltasForDate(ctx, day, scope)
	if err != nil {
		return result, fmt.Errorf("list deltas for %s: %w", day.Format(time.DateOnly), err)
	}
	result.Scanned = len(deltas)

	for _, delta := range deltas {
		candidates := Evaluate(delta, d.resolveThresholds(ctx, delta.EntityID))
		for _, candidate := range candidates {
			stored, created, err := d.alerts.UpsertAlert(ctx, candidate)
			if err != nil {
				result.Failed++
				d.logger.Error().Err(err).Str("entity", candidate.EntityID).Str("kind", candidate.Kind).Msg("alert upsert failed")
				continue
			}
			if !created {
				result.Existing++
				continue
			}
			result.Created++
			d.publish(ctx, stored)
		}
	}

	d.logger.Info().
		Time("target_date", day).
		Int("scanned", result.Scanned).
		Int("created", result.Created).
		Int("existing", result.Existing).
		Int("failed", result.Failed).
		Msg("detection finished")
	return result, nil
}

func (d *Detector) publish(ctx context.Context, alert storage.AlertRecord) {
	event := alerting.Event{
		AlertID:   alert.ID,
		EntityID:  alert.EntityID,
		Kind:      alert.Kind,
		Severity:  alert.Severity,
		AlertDate: alert.AlertDate,
		ChangePct: alert.ChangePct,
		Threshold: alert.Threshold,
		Message:   alert.Message,
		CreatedAt: alert.CreatedAt,
	}
	if err := d.publisher.Publish(ctx, event); err != nil {
		d.logger.Warn().Err(err).Int64("alert_id", alert.ID).Msg("alert event publish failed")
	}
}

// resolveThresholds applies the per-category rank override when the
// entity's category carries one. Missing products or lookup errors fall
// back to the global table.
func (d *Detector) resolveThresholds(ctx context.Context, entityID string) config.ThresholdConfig {
	t := d.thresholds
	if len(t.CategoryOverride) == 0 || d.facts == nil {
		return t
	}
	product, err := d.facts.GetProduct(ctx, entityID)
	if err != nil || product == nil {
		return t
	}
	if override, ok := t.CategoryOverride[product.Category]; ok {
		ratio := t.RankJumpHigh / t.RankJumpMedium
		t.RankJumpMedium = override
		t.RankJumpHigh = override * ratio
	}
	return t
}

// Evaluate derives alert candidates from one delta row. At most one alert
// per metric family is produced; when two tiers of the same family are
// crossed only the higher severity survives.
func Evaluate(delta storage.DeltaRow, t config.ThresholdConfig) []storage.AlertRecord {
	var out []storage.AlertRecord

	if delta.PriceChangePct != nil {
		pct := *delta.PriceChangePct
		switch {
		case pct.GreaterThanOrEqual(decimal.NewFromFloat(t.PriceSpikeHigh)):
			out = append(out, newAlert(delta, KindPriceSpike, SeverityHigh, &pct, nil, t.PriceSpikeHigh,
				fmt.Sprintf("price spiked %s%%", pct.StringFixed(1))))
		case pct.GreaterThanOrEqual(decimal.NewFromFloat(t.PriceSpikeMedium)):
			out = append(out, newAlert(delta, KindPriceSpike, SeverityMedium, &pct, nil, t.PriceSpikeMedium,
				fmt.Sprintf("price spiked %s%%", pct.StringFixed(1))))
		case pct.Neg().GreaterThanOrEqual(decimal.NewFromFloat(t.PriceDropHigh)):
			out = append(out, newAlert(delta, KindPriceDrop, SeverityHigh, &pct, nil, t.PriceDropHigh,
				fmt.Sprintf("price dropped %s%%", pct.Abs().StringFixed(1))))
		case pct.Neg().GreaterThanOrEqual(decimal.NewFromFloat(t.PriceDropMedium)):
			out = append(out, newAlert(delta, KindPriceDrop, SeverityMedium, &pct, nil, t.PriceDropMedium,
				fmt.Sprintf("price dropped %s%%", pct.Abs().StringFixed(1))))
		}
	}

	// Rank increases are worse placement, decreases are improvements.
	if delta.RankChangePct != nil {
		pct := *delta.RankChangePct
		switch {
		case pct.GreaterThanOrEqual(decimal.NewFromFloat(t.RankJumpHigh)):
			out = append(out, newAlert(delta, KindRankJump, SeverityHigh, &pct, nil, t.RankJumpHigh,
				fmt.Sprintf("rank worsened %s%%", pct.StringFixed(1))))
		case pct.GreaterThanOrEqual(decimal.NewFromFloat(t.RankJumpMedium)):
			out = append(out, newAlert(delta, KindRankJump, SeverityMedium, &pct, nil, t.RankJumpMedium,
				fmt.Sprintf("rank worsened %s%%", pct.StringFixed(1))))
		case pct.Neg().GreaterThanOrEqual(decimal.NewFromFloat(t.RankImprove)):
			out = append(out, newAlert(delta, KindRankImprovement, SeverityMedium, &pct, nil, t.RankImprove,
				fmt.Sprintf("rank improved %s%%", pct.Abs().StringFixed(1))))
		}
	}

	if delta.RatingDelta != nil {
		drop := delta.RatingDelta.Neg()
		if drop.GreaterThanOrEqual(decimal.NewFromFloat(t.RatingDrop)) {
			out = append(out, newAlert(delta, KindRatingDrop, SeverityMedium, nil, delta.RatingDelta, t.RatingDrop,
				fmt.Sprintf("rating dropped %s", drop.StringFixed(1))))
		}
	}

	return out
}

func newAlert(delta storage.DeltaRow, kind, severity string, changePct, rawDelta *decimal.Decimal, threshold float64, message string) storage.AlertRecord {
	return storage.AlertRecord{
		EntityID:  delta.EntityID,
		Kind:      kind,
		Severity:  severity,
		AlertDate: delta.Date,
		ChangePct: changePct,
		Delta:     rawDelta,
		Threshold: decimal.NewFromFloat(threshold),
		Message:   message,
	}
}
