package app

import (
	"context"
	"errors"
	"time"

	"shelfwatch/internal/storage"
)

// BackfillOptions configure the historical recompute job.
type BackfillOptions struct {
	From  time.Time
	To    time.Time
	Scope []string
}

// Backfill recomputes derived rows for every date in [From, To], oldest
// first so rollups see already-settled earlier dates. One date's failure
// is logged and the walk continues.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	from := storage.Day(opts.From)
	to := storage.Day(opts.To)
	if to.Before(from) {
		return errors.New("backfill range is empty, check --from/--to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cacheStore, closeCache, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	if closeCache != nil {
		defer closeCache()
	}

	svc := a.buildService(store, cacheStore, nil)

	processed := 0
	failed := 0
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		summary, err := svc.RunBatch(ctx, day, opts.Scope)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("target_date", day).Msg("backfill date failed")
			continue
		}
		if summary.Status == storage.BatchPartial {
			a.Logger.Warn().Time("target_date", day).Int("failures", len(summary.Recompute.Failures)).Msg("backfill date partial")
		}
		processed++
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("backfill finished")
	if failed > 0 {
		return errors.New("some dates failed to backfill, check logs")
	}
	return nil
}
