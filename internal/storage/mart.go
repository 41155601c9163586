package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	upsertDeltaSQL = `INSERT INTO metric_deltas_daily (
        entity_id, date, prior_date,
        price_delta, price_change_pct,
        rank_delta, rank_change_pct,
        rating_delta, review_delta,
        secondary_delta, secondary_change_pct,
        computed_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
    ON CONFLICT (entity_id, date) DO UPDATE
    SET prior_date           = EXCLUDED.prior_date,
        price_delta          = EXCLUDED.price_delta,
        price_change_pct     = EXCLUDED.price_change_pct,
        rank_delta           = EXCLUDED.rank_delta,
        rank_change_pct      = EXCLUDED.rank_change_pct,
        rating_delta         = EXCLUDED.rating_delta,
        review_delta         = EXCLUDED.review_delta,
        secondary_delta      = EXCLUDED.secondary_delta,
        secondary_change_pct = EXCLUDED.secondary_change_pct,
        computed_at          = EXCLUDED.computed_at;`

	upsertRollupSQL = `INSERT INTO metric_rollups (
        entity_id, window, as_of,
        price_avg, price_min, price_max,
        rank_avg, rating_avg, review_delta,
        price_change_pct, rank_change_pct,
        sample_count, computed_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
    ON CONFLICT (entity_id, window, as_of) DO UPDATE
    SET price_avg        = EXCLUDED.price_avg,
        price_min        = EXCLUDED.price_min,
        price_max        = EXCLUDED.price_max,
        rank_avg         = EXCLUDED.rank_avg,
        rating_avg       = EXCLUDED.rating_avg,
        review_delta     = EXCLUDED.review_delta,
        price_change_pct = EXCLUDED.price_change_pct,
        rank_change_pct  = EXCLUDED.rank_change_pct,
        sample_count     = EXCLUDED.sample_count,
        computed_at      = EXCLUDED.computed_at;`

	upsertComparisonSQL = `INSERT INTO peer_comparisons_daily (
        main_id, peer_id, date,
        price_diff, rank_gap, rating_diff, review_gap, secondary_diff,
        computed_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    ON CONFLICT (main_id, peer_id, date) DO UPDATE
    SET price_diff     = EXCLUDED.price_diff,
        rank_gap       = EXCLUDED.rank_gap,
        rating_diff    = EXCLUDED.rating_diff,
        review_gap     = EXCLUDED.review_gap,
        secondary_diff = EXCLUDED.secondary_diff,
        computed_at    = EXCLUDED.computed_at;`

	getDeltaSQL = `SELECT entity_id, date, prior_date,
        price_delta, price_change_pct, rank_delta, rank_change_pct,
        rating_delta, review_delta, secondary_delta, secondary_change_pct, computed_at
    FROM metric_deltas_daily
    WHERE entity_id = $1 AND date = $2;`

	listDeltasForDateSQL = `SELECT entity_id, date, prior_date,
        price_delta, price_change_pct, rank_delta, rank_change_pct,
        rating_delta, review_delta, secondary_delta, secondary_change_pct, computed_at
    FROM metric_deltas_daily
    WHERE date = $1
    ORDER BY entity_id;`

	listDeltasForDateScopedSQL = `SELECT entity_id, date, prior_date,
        price_delta, price_change_pct, rank_delta, rank_change_pct,
        rating_delta, review_delta, secondary_delta, secondary_change_pct, computed_at
    FROM metric_deltas_daily
    WHERE date = $1 AND entity_id = ANY($2)
    ORDER BY entity_id;`

	listDeltasForEntitySQL = `SELECT entity_id, date, prior_date,
        price_delta, price_change_pct, rank_delta, rank_change_pct,
        rating_delta, review_delta, secondary_delta, secondary_change_pct, computed_at
    FROM metric_deltas_daily
    WHERE entity_id = $1 AND date >= $2 AND date <= $3
    ORDER BY date;`

	getLatestRollupSQL = `SELECT entity_id, window, as_of,
        price_avg, price_min, price_max, rank_avg, rating_avg, review_delta,
        price_change_pct, rank_change_pct, sample_count, computed_at
    FROM metric_rollups
    WHERE entity_id = $1 AND window = $2
    ORDER BY as_of DESC
    LIMIT 1;`

	listComparisonsBetweenSQL = `SELECT main_id, peer_id, date,
        price_diff, rank_gap, rating_diff, review_gap, secondary_diff, computed_at
    FROM peer_comparisons_daily
    WHERE main_id = $1 AND peer_id = $2 AND date >= $3 AND date <= $4
    ORDER BY date;`

	upsertBatchRunSQL = `INSERT INTO batch_runs (target_date, status, counts, started_at, finished_at, error)
    VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (target_date) DO UPDATE
    SET status      = EXCLUDED.status,
        counts      = EXCLUDED.counts,
        started_at  = EXCLUDED.started_at,
        finished_at = EXCLUDED.finished_at,
        error       = EXCLUDED.error;`

	getBatchRunSQL = `SELECT target_date, status, counts, started_at, finished_at, error
    FROM batch_runs WHERE target_date = $1;`
)

// MartWriter is what the aggregation engine needs to persist derived rows.
type MartWriter interface {
	// CommitEntityDerived writes one entity's delta and rollups in a single
	// transaction so readers never observe partial per-entity state.
	CommitEntityDerived(ctx context.Context, delta *DeltaRow, rollups []RollupRow) error
	UpsertComparisonRow(ctx context.Context, row ComparisonRow) error
	RecordBatchRun(ctx context.Context, run BatchRun) error
}

// MartReader serves the read path and the anomaly detector.
type MartReader interface {
	GetDeltaRow(ctx context.Context, entityID string, date time.Time) (*DeltaRow, error)
	ListDeltasForDate(ctx context.Context, date time.Time, scope []string) ([]DeltaRow, error)
	ListDeltasForEntity(ctx context.Context, entityID string, from, to time.Time) ([]DeltaRow, error)
	GetLatestRollup(ctx context.Context, entityID, window string) (*RollupRow, error)
	ListComparisonsBetween(ctx context.Context, mainID, peerID string, from, to time.Time) ([]ComparisonRow, error)
	GetBatchRun(ctx context.Context, targetDate time.Time) (*BatchRun, error)
}

// CommitEntityDerived upserts the delta row plus all window rollups for a
// single entity inside one transaction. Passing a nil delta (no observation
// for the date) commits rollups alone.
func (s *Store) CommitEntityDerived(ctx context.Context, delta *DeltaRow, rollups []RollupRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin derived commit: %w", err)
	}
	defer tx.Rollback(ctx)

	if delta != nil {
		if err := execUpsertDelta(ctx, tx, *delta); err != nil {
			return err
		}
	}
	for _, rollup := range rollups {
		if err := execUpsertRollup(ctx, tx, rollup); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit derived rows: %w", err)
	}
	return nil
}

func execUpsertDelta(ctx context.Context, tx pgx.Tx, d DeltaRow) error {
	var prior any
	if d.PriorDate != nil {
		prior = Day(*d.PriorDate)
	}
	if _, err := tx.Exec(ctx, upsertDeltaSQL,
		d.EntityID, Day(d.Date), prior,
		decStr(d.PriceDelta), decStr(d.PriceChangePct),
		d.RankDelta, decStr(d.RankChangePct),
		decStr(d.RatingDelta), d.ReviewDelta,
		decStr(d.SecondaryDelta), decStr(d.SecondaryChgPct),
		d.ComputedAt,
	); err != nil {
		return fmt.Errorf("upsert delta row: %w", err)
	}
	return nil
}

func execUpsertRollup(ctx context.Context, tx pgx.Tx, r RollupRow) error {
	if _, err := tx.Exec(ctx, upsertRollupSQL,
		r.EntityID, r.Window, Day(r.AsOf),
		decStr(r.PriceAvg), decStr(r.PriceMin), decStr(r.PriceMax),
		decStr(r.RankAvg), decStr(r.RatingAvg), r.ReviewDelta,
		decStr(r.PriceChangePct), decStr(r.RankChangePct),
		r.SampleCount, r.ComputedAt,
	); err != nil {
		return fmt.Errorf("upsert rollup row: %w", err)
	}
	return nil
}

// UpsertComparisonRow persists one directed same-date comparison.
func (s *Store) UpsertComparisonRow(ctx context.Context, row ComparisonRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertComparisonSQL,
		row.MainID, row.PeerID, Day(row.Date),
		decStr(row.PriceDiff), row.RankGap, decStr(row.RatingDiff), row.ReviewGap, decStr(row.SecondaryDiff),
		row.ComputedAt,
	); err != nil {
		return fmt.Errorf("upsert comparison row: %w", err)
	}
	return nil
}

// GetDeltaRow fetches one delta row, or nil.
func (s *Store) GetDeltaRow(ctx context.Context, entityID string, date time.Time) (*DeltaRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	d, scanErr := scanDelta(pool.QueryRow(ctx, getDeltaSQL, entityID, Day(date)))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, scanErr
	}
	return &d, nil
}

// ListDeltasForDate lists delta rows for a date, optionally scoped.
func (s *Store) ListDeltasForDate(ctx context.Context, date time.Time, scope []string) ([]DeltaRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	var queryErr error
	if len(scope) == 0 {
		rows, queryErr = pool.Query(ctx, listDeltasForDateSQL, Day(date))
	} else {
		rows, queryErr = pool.Query(ctx, listDeltasForDateScopedSQL, Day(date), scope)
	}
	if queryErr != nil {
		return nil, fmt.Errorf("list deltas for date: %w", queryErr)
	}
	defer rows.Close()

	return collectDeltas(rows)
}

// ListDeltasForEntity lists one entity's delta rows in [from, to].
func (s *Store) ListDeltasForEntity(ctx context.Context, entityID string, from, to time.Time) ([]DeltaRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listDeltasForEntitySQL, entityID, Day(from), Day(to))
	if queryErr != nil {
		return nil, fmt.Errorf("list deltas for entity: %w", queryErr)
	}
	defer rows.Close()
	return collectDeltas(rows)
}

// GetLatestRollup returns the newest rollup snapshot for a window, or nil.
func (s *Store) GetLatestRollup(ctx context.Context, entityID, window string) (*RollupRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		r                             RollupRow
		priceAvg, priceMin, priceMax  sql.NullString
		rankAvg, ratingAvg            sql.NullString
		reviewDelta                   sql.NullInt64
		priceChangePct, rankChangePct sql.NullString
	)
	row := pool.QueryRow(ctx, getLatestRollupSQL, entityID, window)
	if err := row.Scan(&r.EntityID, &r.Window, &r.AsOf,
		&priceAvg, &priceMin, &priceMax, &rankAvg, &ratingAvg, &reviewDelta,
		&priceChangePct, &rankChangePct, &r.SampleCount, &r.ComputedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest rollup: %w", err)
	}

	var parseErr error
	if r.PriceAvg, parseErr = parseDec(priceAvg); parseErr != nil {
		return nil, fmt.Errorf("parse price avg: %w", parseErr)
	}
	if r.PriceMin, parseErr = parseDec(priceMin); parseErr != nil {
		return nil, fmt.Errorf("parse price min: %w", parseErr)
	}
	if r.PriceMax, parseErr = parseDec(priceMax); parseErr != nil {
		return nil, fmt.Errorf("parse price max: %w", parseErr)
	}
	if r.RankAvg, parseErr = parseDec(rankAvg); parseErr != nil {
		return nil, fmt.Errorf("parse rank avg: %w", parseErr)
	}
	if r.RatingAvg, parseErr = parseDec(ratingAvg); parseErr != nil {
		return nil, fmt.Errorf("parse rating avg: %w", parseErr)
	}
	if r.PriceChangePct, parseErr = parseDec(priceChangePct); parseErr != nil {
		return nil, fmt.Errorf("parse price change pct: %w", parseErr)
	}
	if r.RankChangePct, parseErr = parseDec(rankChangePct); parseErr != nil {
		return nil, fmt.Errorf("parse rank change pct: %w", parseErr)
	}
	if reviewDelta.Valid {
		v := reviewDelta.Int64
		r.ReviewDelta = &v
	}
	return &r, nil
}

// ListComparisonsBetween lists comparisons for one directed pair in [from, to].
func (s *Store) ListComparisonsBetween(ctx context.Context, mainID, peerID string, from, to time.Time) ([]ComparisonRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listComparisonsBetweenSQL, mainID, peerID, Day(from), Day(to))
	if queryErr != nil {
		return nil, fmt.Errorf("list comparisons: %w", queryErr)
	}
	defer rows.Close()

	comparisons := make([]ComparisonRow, 0)
	for rows.Next() {
		var (
			c                              ComparisonRow
			priceDiff, ratingDiff, secDiff sql.NullString
			rankGap, reviewGap             sql.NullInt64
		)
		if err := rows.Scan(&c.MainID, &c.PeerID, &c.Date,
			&priceDiff, &rankGap, &ratingDiff, &reviewGap, &secDiff, &c.ComputedAt); err != nil {
			return nil, err
		}
		var parseErr error
		if c.PriceDiff, parseErr = parseDec(priceDiff); parseErr != nil {
			return nil, fmt.Errorf("parse price diff: %w", parseErr)
		}
		if c.RatingDiff, parseErr = parseDec(ratingDiff); parseErr != nil {
			return nil, fmt.Errorf("parse rating diff: %w", parseErr)
		}
		if c.SecondaryDiff, parseErr = parseDec(secDiff); parseErr != nil {
			return nil, fmt.Errorf("parse secondary diff: %w", parseErr)
		}
		if rankGap.Valid {
			v := rankGap.Int64
			c.RankGap = &v
		}
		if reviewGap.Valid {
			v := reviewGap.Int64
			c.ReviewGap = &v
		}
		comparisons = append(comparisons, c)
	}
	return comparisons, rows.Err()
}

// RecordBatchRun upserts the status row for a batch cycle.
func (s *Store) RecordBatchRun(ctx context.Context, run BatchRun) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertBatchRunSQL,
		Day(run.TargetDate), run.Status, run.Counts, run.StartedAt, run.FinishedAt, nullStr(run.Error),
	); err != nil {
		return fmt.Errorf("record batch run: %w", err)
	}
	return nil
}

// GetBatchRun fetches the status row for a target date, or nil.
func (s *Store) GetBatchRun(ctx context.Context, targetDate time.Time) (*BatchRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var run BatchRun
	var errMsg sql.NullString
	row := pool.QueryRow(ctx, getBatchRunSQL, Day(targetDate))
	if err := row.Scan(&run.TargetDate, &run.Status, &run.Counts, &run.StartedAt, &run.FinishedAt, &errMsg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get batch run: %w", err)
	}
	run.Error = errMsg.String
	return &run, nil
}

func collectDeltas(rows pgx.Rows) ([]DeltaRow, error) {
	deltas := make([]DeltaRow, 0)
	for rows.Next() {
		d, err := scanDelta(rows)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}

func scanDelta(row rowScanner) (DeltaRow, error) {
	var (
		d                               DeltaRow
		priorDate                       sql.NullTime
		priceDelta, priceChangePct      sql.NullString
		rankChangePct, ratingDelta      sql.NullString
		secondaryDelta, secondaryChgPct sql.NullString
		rankDelta, reviewDelta          sql.NullInt64
	)
	if err := row.Scan(&d.EntityID, &d.Date, &priorDate,
		&priceDelta, &priceChangePct, &rankDelta, &rankChangePct,
		&ratingDelta, &reviewDelta, &secondaryDelta, &secondaryChgPct, &d.ComputedAt); err != nil {
		return DeltaRow{}, err
	}

	if priorDate.Valid {
		v := priorDate.Time
		d.PriorDate = &v
	}
	if rankDelta.Valid {
		v := rankDelta.Int64
		d.RankDelta = &v
	}
	if reviewDelta.Valid {
		v := reviewDelta.Int64
		d.ReviewDelta = &v
	}

	var parseErr error
	if d.PriceDelta, parseErr = parseDec(priceDelta); parseErr != nil {
		return DeltaRow{}, fmt.Errorf("parse price delta: %w", parseErr)
	}
	if d.PriceChangePct, parseErr = parseDec(priceChangePct); parseErr != nil {
		return DeltaRow{}, fmt.Errorf("parse price change pct: %w", parseErr)
	}
	if d.RankChangePct, parseErr = parseDec(rankChangePct); parseErr != nil {
		return DeltaRow{}, fmt.Errorf("parse rank change pct: %w", parseErr)
	}
	if d.RatingDelta, parseErr = parseDec(ratingDelta); parseErr != nil {
		return DeltaRow{}, fmt.Errorf("parse rating delta: %w", parseErr)
	}
	if d.SecondaryDelta, parseErr = parseDec(secondaryDelta); parseErr != nil {
		return DeltaRow{}, fmt.Errorf("parse secondary delta: %w", parseErr)
	}
	if d.SecondaryChgPct, parseErr = parseDec(secondaryChgPct); parseErr != nil {
		return DeltaRow{}, fmt.Errorf("parse secondary change pct: %w", parseErr)
	}
	return d, nil
}
