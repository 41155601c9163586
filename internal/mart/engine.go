// Package mart recomputes the derived read models (daily deltas, trailing
// rollups, peer comparisons) from the fact store. Recomputation is
// deterministic and idempotent: re-running a date against unchanged facts
// rewrites identical rows.
package mart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"shelfwatch/internal/storage"
)

// StageCounts reports one stage's outcome for job introspection.
type StageCounts struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Rows      int `json:"rows"`
}

// EntityFailure records a single entity's computation error. These are
// absorbed into PARTIAL status, never fatal to the batch.
type EntityFailure struct {
	EntityID string
	Stage    string
	Err      error
}

func (f EntityFailure) Error() string {
	return fmt.Sprintf("entity %s stage %s: %v", f.EntityID, f.Stage, f.Err)
}

// Result summarises one recompute run.
type Result struct {
	TargetDate time.Time       `json:"target_date"`
	Delta      StageCounts     `json:"delta"`
	Rollup     StageCounts     `json:"rollup"`
	Comparison StageCounts     `json:"comparison"`
	Status     string          `json:"status"`
	Failures   []EntityFailure `json:"-"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Options tune the engine.
type Options struct {
	Workers      int
	LookbackDays int
}

// Engine runs the three-stage recomputation.
type Engine struct {
	facts  storage.FactReader
	mart   storage.MartWriter
	locker storage.BatchLocker
	opts   Options
	logger zerolog.Logger
}

// New constructs an Engine. The locker may be nil when single-process
// coordination is acceptable (tests, one-shot CLI runs against a scope).
func New(facts storage.FactReader, martStore storage.MartWriter, locker storage.BatchLocker, opts Options, logger zerolog.Logger) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 14
	}
	return &Engine{
		facts:  facts,
		mart:   martStore,
		locker: locker,
		opts:   opts,
		logger: logger.With().Str("component", "mart_engine").Logger(),
	}
}

// Recompute rebuilds deltas, rollups, and comparisons touching targetDate
// for the given entity scope (empty scope = all known entities). One
// entity's failure is counted and skipped; only structural errors (scope
// resolution, a second run already holding the date lease) fail the call.
func (e *Engine) Recompute(ctx context.Context, targetDate time.Time, scope []string) (Result, error) {
	day := storage.Day(targetDate)
	result := Result{TargetDate: day, StartedAt: time.Now().UTC()}

	if e.locker != nil {
		unlock, acquired, err := e.locker.TryBatchLock(ctx, day)
		if err != nil {
			result.Status = storage.BatchFailed
			return result, fmt.Errorf("acquire batch lease: %w", err)
		}
		if !acquired {
			result.Status = storage.BatchFailed
			return result, storage.ErrBatchInFlight
		}
		defer unlock()
	}

	entities := scope
	if len(entities) == 0 {
		err := withRetry(ctx, 3, func() error {
			var listErr error
			entities, listErr = e.facts.ListEntityIDs(ctx)
			return listErr
		})
		if err != nil {
			result.Status = storage.BatchFailed
			return result, fmt.Errorf("resolve entity scope: %w", err)
		}
	}

	e.logger.Info().Time("target_date", day).Int("entities", len(entities)).Msg("recompute starting")

	var mu sync.Mutex
	fail := func(entityID, stage string, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Failures = append(result.Failures, EntityFailure{EntityID: entityID, Stage: stage, Err: err})
		switch stage {
		case "delta":
			result.Delta.Failed++
		case "rollup":
			result.Rollup.Failed++
		case "comparison":
			result.Comparison.Failed++
		}
		e.logger.Error().Err(err).Str("entity", entityID).Str("stage", stage).Msg("entity computation failed")
	}

	computedAt := time.Now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, entityID := range entities {
		entityID := entityID
		mu.Lock()
		result.Delta.Attempted++
		result.Rollup.Attempted++
		mu.Unlock()

		g.Go(func() error {
			delta, rollups, stage, err := e.computeEntity(gctx, entityID, day, computedAt)
			if err != nil {
				fail(entityID, stage, err)
				return nil
			}

			if err := e.mart.CommitEntityDerived(gctx, delta, rollups); err != nil {
				fail(entityID, "delta", err)
				mu.Lock()
				result.Rollup.Failed++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			result.Delta.Succeeded++
			result.Rollup.Succeeded++
			if delta != nil {
				result.Delta.Rows++
			}
			result.Rollup.Rows += len(rollups)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	e.runComparisonStage(ctx, day, entities, computedAt, &result, fail)

	result.FinishedAt = time.Now().UTC()
	result.Status = storage.BatchSuccess
	if len(result.Failures) > 0 {
		result.Status = storage.BatchPartial
	}
	if err := ctx.Err(); err != nil {
		result.Status = storage.BatchFailed
		return result, err
	}

	e.logger.Info().
		Time("target_date", day).
		Str("status", result.Status).
		Int("delta_rows", result.Delta.Rows).
		Int("rollup_rows", result.Rollup.Rows).
		Int("comparison_rows", result.Comparison.Rows).
		Int("failures", len(result.Failures)).
		Msg("recompute finished")
	return result, nil
}

// computeEntity builds one entity's delta row and window rollups. On
// error the second-to-last return names the failing stage.
func (e *Engine) computeEntity(ctx context.Context, entityID string, day, computedAt time.Time) (*storage.DeltaRow, []storage.RollupRow, string, error) {
	current, err := e.facts.GetDailyMetric(ctx, entityID, day)
	if err != nil {
		return nil, nil, "delta", err
	}

	var delta *storage.DeltaRow
	if current != nil {
		prior, err := e.facts.GetPriorMetric(ctx, entityID, day, e.opts.LookbackDays)
		if err != nil {
			return nil, nil, "delta", err
		}
		d := ComputeDelta(*current, prior, computedAt)
		delta = &d
	}

	rollups := make([]storage.RollupRow, 0, len(storage.Windows))
	for _, window := range storage.Windows {
		from := day.AddDate(0, 0, -storage.WindowDays[window])
		metrics, err := e.facts.ListMetricsBetween(ctx, entityID, from, day)
		if err != nil {
			return nil, nil, "rollup", err
		}
		rollup := ComputeRollup(entityID, window, day, metrics, computedAt)
		if rollup.SampleCount >= minRollupSamples {
			rollups = append(rollups, rollup)
		}
	}
	return delta, rollups, "", nil
}

func (e *Engine) runComparisonStage(ctx context.Context, day time.Time, scope []string, computedAt time.Time, result *Result, fail func(string, string, error)) {
	links, err := e.facts.ListPeerLinks(ctx, scope)
	if err != nil {
		// The comparison stage failing wholesale must not block the rows
		// the other stages already committed.
		result.Comparison.Failed++
		result.Failures = append(result.Failures, EntityFailure{EntityID: "*", Stage: "comparison", Err: err})
		e.logger.Error().Err(err).Msg("comparison stage aborted")
		return
	}

	for _, link := range links {
		result.Comparison.Attempted++

		mainMetric, err := e.facts.GetDailyMetric(ctx, link.MainID, day)
		if err != nil {
			fail(link.MainID, "comparison", err)
			continue
		}
		peerMetric, err := e.facts.GetDailyMetric(ctx, link.PeerID, day)
		if err != nil {
			fail(link.MainID, "comparison", err)
			continue
		}
		if mainMetric == nil || peerMetric == nil {
			// Both sides must have observed the date.
			result.Comparison.Succeeded++
			continue
		}

		row := ComputeComparison(*mainMetric, *peerMetric, computedAt)
		if err := e.mart.UpsertComparisonRow(ctx, row); err != nil {
			fail(link.MainID, "comparison", err)
			continue
		}
		result.Comparison.Succeeded++
		result.Comparison.Rows++
	}
}

// withRetry retries fn with capped exponential backoff while the error
// looks transient.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	backoff := 100 * time.Millisecond
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !storage.IsTransient(err) || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
