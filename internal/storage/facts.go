package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	upsertProductSQL = `INSERT INTO products (
        id, title, brand, category, image_url, first_seen_at, last_seen_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (id) DO UPDATE
    SET title        = EXCLUDED.title,
        brand        = EXCLUDED.brand,
        category     = EXCLUDED.category,
        image_url    = EXCLUDED.image_url,
        last_seen_at = EXCLUDED.last_seen_at;`

	getProductSQL = `SELECT id, title, brand, category, image_url, first_seen_at, last_seen_at
    FROM products WHERE id = $1;`

	listEntityIDsSQL = `SELECT id FROM products ORDER BY id;`

	upsertDailyMetricSQL = `INSERT INTO product_metrics_daily (
        entity_id, date, price, rank, rating, review_count, secondary_price, job_id
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    ON CONFLICT (entity_id, date) DO UPDATE
    SET price           = EXCLUDED.price,
        rank            = EXCLUDED.rank,
        rating          = EXCLUDED.rating,
        review_count    = EXCLUDED.review_count,
        secondary_price = EXCLUDED.secondary_price,
        job_id          = EXCLUDED.job_id;`

	getDailyMetricSQL = `SELECT entity_id, date, price, rank, rating, review_count, secondary_price, job_id, created_at
    FROM product_metrics_daily
    WHERE entity_id = $1 AND date = $2;`

	getPriorMetricSQL = `SELECT entity_id, date, price, rank, rating, review_count, secondary_price, job_id, created_at
    FROM product_metrics_daily
    WHERE entity_id = $1 AND date < $2 AND date >= $3
    ORDER BY date DESC
    LIMIT 1;`

	listMetricsBetweenSQL = `SELECT entity_id, date, price, rank, rating, review_count, secondary_price, job_id, created_at
    FROM product_metrics_daily
    WHERE entity_id = $1 AND date >= $2 AND date <= $3
    ORDER BY date;`

	deleteMetricsForJobSQL = `DELETE FROM product_metrics_daily WHERE job_id = $1;`

	upsertPeerLinkSQL = `INSERT INTO peer_links (main_id, peer_id, active)
    VALUES ($1,$2,$3)
    ON CONFLICT (main_id, peer_id) DO UPDATE SET active = EXCLUDED.active;`

	listPeerLinksSQL = `SELECT main_id, peer_id, active, created_at
    FROM peer_links
    WHERE active AND main_id = ANY($1)
    ORDER BY main_id, peer_id;`

	listAllPeerLinksSQL = `SELECT main_id, peer_id, active, created_at
    FROM peer_links
    WHERE active
    ORDER BY main_id, peer_id;`
)

// FactReader exposes the fact-store queries the aggregation and read paths
// need. The fact store is the single source of truth; everything derived is
// rebuildable from it.
type FactReader interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListEntityIDs(ctx context.Context) ([]string, error)
	GetDailyMetric(ctx context.Context, entityID string, date time.Time) (*DailyMetric, error)
	GetPriorMetric(ctx context.Context, entityID string, before time.Time, lookbackDays int) (*DailyMetric, error)
	ListMetricsBetween(ctx context.Context, entityID string, from, to time.Time) ([]DailyMetric, error)
	ListPeerLinks(ctx context.Context, mains []string) ([]PeerLink, error)
}

// FactWriter covers the idempotent upserts the ingestion boundary uses.
// Duplicate deliveries are tolerated by design.
type FactWriter interface {
	UpsertProduct(ctx context.Context, p Product) error
	UpsertDailyMetric(ctx context.Context, m DailyMetric) error
	UpsertPeerLink(ctx context.Context, link PeerLink) error
	DeleteMetricsForJob(ctx context.Context, jobID string) error
}

// UpsertProduct inserts or refreshes a tracked product.
func (s *Store) UpsertProduct(ctx context.Context, p Product) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	firstSeen := p.FirstSeenAt
	if firstSeen.IsZero() {
		firstSeen = now
	}
	lastSeen := p.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = now
	}
	if _, err := pool.Exec(ctx, upsertProductSQL,
		p.ID, p.Title, nullStr(p.Brand), nullStr(p.Category), nullStr(p.ImageURL), firstSeen, lastSeen,
	); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// GetProduct fetches one product, or nil when unknown.
func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		p               Product
		brand, category sql.NullString
		imageURL        sql.NullString
	)
	row := pool.QueryRow(ctx, getProductSQL, id)
	if scanErr := row.Scan(&p.ID, &p.Title, &brand, &category, &imageURL, &p.FirstSeenAt, &p.LastSeenAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get product: %w", scanErr)
	}
	p.Brand = brand.String
	p.Category = category.String
	p.ImageURL = imageURL.String
	return &p, nil
}

// ListEntityIDs returns every known entity id.
func (s *Store) ListEntityIDs(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEntityIDsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list entity ids: %w", queryErr)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertDailyMetric persists one (entity, date) observation, overwriting
// metric values on conflict but never the key.
func (s *Store) UpsertDailyMetric(ctx context.Context, m DailyMetric) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertDailyMetricSQL,
		m.EntityID,
		Day(m.Date),
		decStr(m.Price),
		m.Rank,
		decStr(m.Rating),
		m.ReviewCount,
		decStr(m.SecondaryPrice),
		nullStr(m.JobID),
	); err != nil {
		return fmt.Errorf("upsert daily metric: %w", err)
	}
	return nil
}

// GetDailyMetric fetches the observation for an exact date, or nil.
func (s *Store) GetDailyMetric(ctx context.Context, entityID string, date time.Time) (*DailyMetric, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return scanOptionalMetric(pool.QueryRow(ctx, getDailyMetricSQL, entityID, Day(date)))
}

// GetPriorMetric returns the closest observation strictly before the given
// date, scanning back no further than lookbackDays.
func (s *Store) GetPriorMetric(ctx context.Context, entityID string, before time.Time, lookbackDays int) (*DailyMetric, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	day := Day(before)
	floor := day.AddDate(0, 0, -lookbackDays)
	return scanOptionalMetric(pool.QueryRow(ctx, getPriorMetricSQL, entityID, day, floor))
}

// ListMetricsBetween lists observations for one entity in [from, to].
func (s *Store) ListMetricsBetween(ctx context.Context, entityID string, from, to time.Time) ([]DailyMetric, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listMetricsBetweenSQL, entityID, Day(from), Day(to))
	if queryErr != nil {
		return nil, fmt.Errorf("list metrics between: %w", queryErr)
	}
	defer rows.Close()

	metrics := make([]DailyMetric, 0)
	for rows.Next() {
		m, scanErr := scanMetric(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// DeleteMetricsForJob rolls back every observation an ingestion job wrote.
func (s *Store) DeleteMetricsForJob(ctx context.Context, jobID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteMetricsForJobSQL, jobID); err != nil {
		return fmt.Errorf("delete metrics for job: %w", err)
	}
	return nil
}

// UpsertPeerLink inserts or re-activates a directed comparison link.
func (s *Store) UpsertPeerLink(ctx context.Context, link PeerLink) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if link.MainID == link.PeerID {
		return fmt.Errorf("peer link cannot reference itself: %s", link.MainID)
	}
	if _, err := pool.Exec(ctx, upsertPeerLinkSQL, link.MainID, link.PeerID, link.Active); err != nil {
		return fmt.Errorf("upsert peer link: %w", err)
	}
	return nil
}

// ListPeerLinks returns active links whose main entity is in mains; an
// empty slice of mains means all links.
func (s *Store) ListPeerLinks(ctx context.Context, mains []string) ([]PeerLink, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	var queryErr error
	if len(mains) == 0 {
		rows, queryErr = pool.Query(ctx, listAllPeerLinksSQL)
	} else {
		rows, queryErr = pool.Query(ctx, listPeerLinksSQL, mains)
	}
	if queryErr != nil {
		return nil, fmt.Errorf("list peer links: %w", queryErr)
	}
	defer rows.Close()

	links := make([]PeerLink, 0)
	for rows.Next() {
		var link PeerLink
		if err := rows.Scan(&link.MainID, &link.PeerID, &link.Active, &link.CreatedAt); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOptionalMetric(row rowScanner) (*DailyMetric, error) {
	m, err := scanMetric(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func scanMetric(row rowScanner) (DailyMetric, error) {
	var (
		m                        DailyMetric
		price, rating, secondary sql.NullString
		rank, reviews            sql.NullInt64
		jobID                    sql.NullString
	)
	if err := row.Scan(&m.EntityID, &m.Date, &price, &rank, &rating, &reviews, &secondary, &jobID, &m.CreatedAt); err != nil {
		return DailyMetric{}, err
	}

	var parseErr error
	if m.Price, parseErr = parseDec(price); parseErr != nil {
		return DailyMetric{}, fmt.Errorf("parse price: %w", parseErr)
	}
	if m.Rating, parseErr = parseDec(rating); parseErr != nil {
		return DailyMetric{}, fmt.Errorf("parse rating: %w", parseErr)
	}
	if m.SecondaryPrice, parseErr = parseDec(secondary); parseErr != nil {
		return DailyMetric{}, fmt.Errorf("parse secondary price: %w", parseErr)
	}
	if rank.Valid {
		v := rank.Int64
		m.Rank = &v
	}
	if reviews.Valid {
		v := reviews.Int64
		m.ReviewCount = &v
	}
	m.JobID = jobID.String
	return m, nil
}

func decStr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDec(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
