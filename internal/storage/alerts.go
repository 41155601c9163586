package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	upsertAlertSQL = `INSERT INTO alerts (
        entity_id, kind, severity, alert_date,
        change_pct, delta, threshold, message
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    ON CONFLICT (entity_id, kind, alert_date) DO UPDATE
    SET severity   = EXCLUDED.severity,
        change_pct = EXCLUDED.change_pct,
        delta      = EXCLUDED.delta,
        threshold  = EXCLUDED.threshold,
        message    = EXCLUDED.message
    RETURNING id, created_at, (xmax = 0) AS inserted;`

	listActiveAlertsSQL = `SELECT id, entity_id, kind, severity, alert_date,
        change_pct, delta, threshold, message,
        resolved, resolved_at, resolved_by, created_at
    FROM alerts
    WHERE NOT resolved
    ORDER BY created_at DESC
    LIMIT $1;`

	listActiveAlertsForEntitySQL = `SELECT id, entity_id, kind, severity, alert_date,
        change_pct, delta, threshold, message,
        resolved, resolved_at, resolved_by, created_at
    FROM alerts
    WHERE NOT resolved AND entity_id = $1
    ORDER BY created_at DESC
    LIMIT $2;`

	resolveAlertSQL = `UPDATE alerts
    SET resolved = TRUE, resolved_at = $2, resolved_by = $3
    WHERE id = $1 AND NOT resolved;`
)

// AlertStore defines alert persistence. Upserts dedupe on
// (entity, kind, alert date); resolution is operator-only.
type AlertStore interface {
	UpsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, bool, error)
	ListActiveAlerts(ctx context.Context, entityID string, limit int) ([]AlertRecord, error)
	ResolveAlert(ctx context.Context, id int64, resolvedBy string) (bool, error)
}

// UpsertAlert persists an alert crossing. The boolean result reports
// whether a new row was created (false means the dedupe key matched an
// existing alert, which was refreshed in place).
func (s *Store) UpsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, false, err
	}

	row := pool.QueryRow(ctx, upsertAlertSQL,
		alert.EntityID, alert.Kind, alert.Severity, Day(alert.AlertDate),
		decStr(alert.ChangePct), decStr(alert.Delta), alert.Threshold.String(), nullStr(alert.Message),
	)

	rec := alert
	rec.AlertDate = Day(alert.AlertDate)
	var inserted bool
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &inserted); err != nil {
		return AlertRecord{}, false, fmt.Errorf("upsert alert: %w", err)
	}
	return rec, inserted, nil
}

// ListActiveAlerts lists unresolved alerts, optionally for one entity.
func (s *Store) ListActiveAlerts(ctx context.Context, entityID string, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	var queryErr error
	if entityID == "" {
		rows, queryErr = pool.Query(ctx, listActiveAlertsSQL, limit)
	} else {
		rows, queryErr = pool.Query(ctx, listActiveAlertsForEntitySQL, entityID, limit)
	}
	if queryErr != nil {
		return nil, fmt.Errorf("list active alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec                         AlertRecord
			changePct, delta, threshold sql.NullString
			message, resolvedBy         sql.NullString
			resolvedAt                  sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.Kind, &rec.Severity, &rec.AlertDate,
			&changePct, &delta, &threshold, &message,
			&rec.Resolved, &resolvedAt, &resolvedBy, &rec.CreatedAt); err != nil {
			return nil, err
		}

		var parseErr error
		if rec.ChangePct, parseErr = parseDec(changePct); parseErr != nil {
			return nil, fmt.Errorf("parse change pct: %w", parseErr)
		}
		if rec.Delta, parseErr = parseDec(delta); parseErr != nil {
			return nil, fmt.Errorf("parse delta: %w", parseErr)
		}
		if threshold.Valid {
			t, convErr := decimal.NewFromString(threshold.String)
			if convErr != nil {
				return nil, fmt.Errorf("parse threshold: %w", convErr)
			}
			rec.Threshold = t
		}
		if resolvedAt.Valid {
			v := resolvedAt.Time
			rec.ResolvedAt = &v
		}
		rec.ResolvedBy = resolvedBy.String
		rec.Message = message.String
		alerts = append(alerts, rec)
	}
	return alerts, rows.Err()
}

// ResolveAlert marks an alert resolved. Returns false when the alert does
// not exist or was already resolved.
func (s *Store) ResolveAlert(ctx context.Context, id int64, resolvedBy string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, resolveAlertSQL, id, time.Now().UTC(), resolvedBy)
	if execErr != nil {
		return false, fmt.Errorf("resolve alert: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}
