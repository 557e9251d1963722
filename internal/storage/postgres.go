package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
)

// schema is applied at startup; all statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS resources (
	ri   TEXT PRIMARY KEY,
	ty   INTEGER NOT NULL,
	pi   TEXT NOT NULL,
	rn   TEXT NOT NULL,
	srn  TEXT NOT NULL UNIQUE,
	et   TEXT,
	seq  BIGSERIAL,
	doc  JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS resources_pi_rn ON resources (pi, rn);
CREATE INDEX IF NOT EXISTS resources_pi ON resources (pi);
CREATE INDEX IF NOT EXISTS resources_ty ON resources (ty);
CREATE INDEX IF NOT EXISTS resources_et ON resources (et) WHERE et IS NOT NULL;

CREATE TABLE IF NOT EXISTS statistics (
	key   TEXT PRIMARY KEY,
	value BIGINT NOT NULL DEFAULT 0
);
`

// PostgresStore implements Store on a relational schema. One resources
// table carries the tree; the srn column doubles as the identifiers table
// and the (pi, rn) unique index enforces sibling-name uniqueness. The seq
// column preserves creation order among siblings.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens the database and applies the schema.
func NewPostgresStore(cfg *config.PostgresConfig) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

type pgRow struct {
	RI  string         `db:"ri"`
	Ty  int            `db:"ty"`
	SRN string         `db:"srn"`
	Doc []byte         `db:"doc"`
	ET  sql.NullString `db:"et"`
}

func (row *pgRow) toResource() (*resource.Resource, error) {
	attrs := make(map[string]any)
	if err := json.Unmarshal(row.Doc, &attrs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource %s: %w", row.RI, err)
	}
	return &resource.Resource{Type: onem2m.ResourceType(row.Ty), Attributes: attrs}, nil
}

type pgQuerier interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type pgTx struct {
	q pgQuerier
}

// View runs fn outside any transaction; single statements are consistent.
func (p *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return fn(&pgTx{q: p.db})
}

// Update runs fn inside a database transaction.
func (p *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	dbtx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&pgTx{q: dbtx}); err != nil {
		_ = dbtx.Rollback()
		return err
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *pgTx) get(ctx context.Context, query string, args ...any) (*resource.Resource, error) {
	var row pgRow
	err := t.q.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return row.toResource()
}

func (t *pgTx) Resource(ctx context.Context, ri string) (*resource.Resource, error) {
	return t.get(ctx, `SELECT ri, ty, srn, doc, et FROM resources WHERE ri = $1`, ri)
}

func (t *pgTx) ResourceBySRN(ctx context.Context, srn string) (*resource.Resource, error) {
	return t.get(ctx, `SELECT ri, ty, srn, doc, et FROM resources WHERE srn = $1`, srn)
}

func (t *pgTx) SRN(ctx context.Context, ri string) (string, error) {
	var srn string
	err := t.q.GetContext(ctx, &srn, `SELECT srn FROM resources WHERE ri = $1`, ri)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ri)
	}
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	return srn, nil
}

func (t *pgTx) ChildIDs(ctx context.Context, pi string) ([]string, error) {
	var ids []string
	err := t.q.SelectContext(ctx, &ids,
		`SELECT ri FROM resources WHERE pi = $1 ORDER BY seq`, pi)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", pi, err)
	}
	return ids, nil
}

func (t *pgTx) Children(ctx context.Context, pi string) ([]*resource.Resource, error) {
	var rows []pgRow
	err := t.q.SelectContext(ctx, &rows,
		`SELECT ri, ty, srn, doc, et FROM resources WHERE pi = $1 ORDER BY seq`, pi)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", pi, err)
	}
	out := make([]*resource.Resource, 0, len(rows))
	for i := range rows {
		res, err := rows[i].toResource()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (t *pgTx) ChildByName(ctx context.Context, pi, rn string) (*resource.Resource, error) {
	res, err := t.get(ctx,
		`SELECT ri, ty, srn, doc, et FROM resources WHERE pi = $1 AND rn = $2`, pi, rn)
	if err != nil && errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, pi, rn)
	}
	return res, err
}

func (t *pgTx) ResourcesByType(ctx context.Context, ty onem2m.ResourceType) ([]*resource.Resource, error) {
	var rows []pgRow
	err := t.q.SelectContext(ctx, &rows,
		`SELECT ri, ty, srn, doc, et FROM resources WHERE ty = $1 ORDER BY seq`, int(ty))
	if err != nil {
		return nil, fmt.Errorf("failed to list resources of type %d: %w", ty, err)
	}
	out := make([]*resource.Resource, 0, len(rows))
	for i := range rows {
		res, err := rows[i].toResource()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (t *pgTx) Create(ctx context.Context, res *resource.Resource, srn string) error {
	// Explicit existence checks give the callers the same sentinel
	// errors on every backend.
	var n int
	if err := t.q.GetContext(ctx, &n, `SELECT count(*) FROM resources WHERE ri = $1`, res.RI()); err != nil {
		return fmt.Errorf("existence check failed: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, res.RI())
	}
	if err := t.q.GetContext(ctx, &n,
		`SELECT count(*) FROM resources WHERE srn = $1 OR (pi = $2 AND rn = $3)`,
		srn, res.PI(), res.RN()); err != nil {
		return fmt.Errorf("existence check failed: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateName, srn)
	}

	doc, err := json.Marshal(res.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal resource %s: %w", res.RI(), err)
	}
	et := sql.NullString{String: res.ET(), Valid: res.ET() != ""}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO resources (ri, ty, pi, rn, srn, et, doc) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.RI(), int(res.Type), res.PI(), res.RN(), srn, et, doc)
	if err != nil {
		return fmt.Errorf("failed to insert resource %s: %w", res.RI(), err)
	}
	return nil
}

func (t *pgTx) Update(ctx context.Context, res *resource.Resource) error {
	doc, err := json.Marshal(res.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal resource %s: %w", res.RI(), err)
	}
	et := sql.NullString{String: res.ET(), Valid: res.ET() != ""}
	result, err := t.q.ExecContext(ctx,
		`UPDATE resources SET doc = $1, et = $2 WHERE ri = $3`,
		doc, et, res.RI())
	if err != nil {
		return fmt.Errorf("failed to update resource %s: %w", res.RI(), err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, res.RI())
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, ri string) error {
	result, err := t.q.ExecContext(ctx, `DELETE FROM resources WHERE ri = $1`, ri)
	if err != nil {
		return fmt.Errorf("failed to delete resource %s: %w", ri, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ri)
	}
	return nil
}

func (p *PostgresStore) selectResources(ctx context.Context, query string, args ...any) ([]*resource.Resource, error) {
	var rows []pgRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	out := make([]*resource.Resource, 0, len(rows))
	for i := range rows {
		res, err := rows[i].toResource()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// SubscriptionsByParent lists subscription resources under pi.
func (p *PostgresStore) SubscriptionsByParent(ctx context.Context, pi string) ([]*resource.Resource, error) {
	return p.selectResources(ctx,
		`SELECT ri, ty, srn, doc, et FROM resources WHERE pi = $1 AND ty = $2 ORDER BY seq`,
		pi, int(onem2m.TypeSubscription))
}

// Subscriptions lists every subscription resource.
func (p *PostgresStore) Subscriptions(ctx context.Context) ([]*resource.Resource, error) {
	return p.ResourcesByType(ctx, onem2m.TypeSubscription)
}

// ResourcesByType lists resources by type code.
func (p *PostgresStore) ResourcesByType(ctx context.Context, ty onem2m.ResourceType) ([]*resource.Resource, error) {
	return p.selectResources(ctx,
		`SELECT ri, ty, srn, doc, et FROM resources WHERE ty = $1 ORDER BY seq`, int(ty))
}

// ExpiredResources lists resources whose et is at or before now. The et
// column stores basic-form timestamps, so string comparison is
// chronological.
func (p *PostgresStore) ExpiredResources(ctx context.Context, now string, limit int) ([]*resource.Resource, error) {
	query := `SELECT ri, ty, srn, doc, et FROM resources WHERE et IS NOT NULL AND et <= $1 ORDER BY et`
	if limit > 0 {
		return p.selectResources(ctx, query+` LIMIT $2`, now, limit)
	}
	return p.selectResources(ctx, query, now)
}

// IncrStat upserts a counter.
func (p *PostgresStore) IncrStat(ctx context.Context, key string, delta int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO statistics (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = statistics.value + $2`,
		key, delta)
	if err != nil {
		return fmt.Errorf("failed to increment stat %s: %w", key, err)
	}
	return nil
}

// Stats reads all counters.
func (p *PostgresStore) Stats(ctx context.Context) (map[string]int64, error) {
	rows := []struct {
		Key   string `db:"key"`
		Value int64  `db:"value"`
	}{}
	if err := p.db.SelectContext(ctx, &rows, `SELECT key, value FROM statistics`); err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// Ping checks database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
