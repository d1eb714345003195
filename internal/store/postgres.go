package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-cli/internal/db"
	"github.com/sells-group/pricing-cli/internal/filter"
	"github.com/sells-group/pricing-cli/internal/model"
)

// productsTable is the single logical product collection.
const productsTable = "products"

// productColumns is the COPY/upsert column order for products.
var productColumns = []string{"sku", "product_family", "attributes", "on_demand_pricing", "reserved_pricing", "updated_at"}

// productUpsert replaces whole records by sku. Re-ingesting an identical
// record leaves its row, including updated_at, untouched.
var productUpsert = db.StagedUpsert{
	Table:         productsTable,
	Columns:       productColumns,
	Key:           []string{"sku"},
	SkipUnchanged: []string{"product_family", "attributes", "on_demand_pricing", "reserved_pricing"},
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, unavailable("postgres: create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("postgres: ping", err)
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS products (
	sku               TEXT PRIMARY KEY,
	product_family    TEXT NOT NULL DEFAULT '',
	attributes        JSONB NOT NULL DEFAULT '{}'::jsonb,
	on_demand_pricing JSONB,
	reserved_pricing  JSONB,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ingest_log (
	id           BIGSERIAL PRIMARY KEY,
	run_id       TEXT NOT NULL,
	file         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	records      BIGINT NOT NULL DEFAULT 0,
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_ingest_log_run_id ON ingest_log(run_id);
`

// The GIN jsonb_path_ops index serves @> containment on any attribute key.
const postgresIndexes = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_products_sku ON products(sku);
CREATE INDEX IF NOT EXISTS idx_products_attributes ON products USING GIN (attributes jsonb_path_ops);
CREATE INDEX IF NOT EXISTS idx_products_product_family ON products(product_family);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return unavailable("postgres: ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return unavailable("postgres: migrate", err)
}

func (s *PostgresStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresIndexes)
	return unavailable("postgres: ensure indexes", err)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Upsert replaces each record by sku. A batch is written in one transaction,
// so readers see either the old or the new version of a record.
func (s *PostgresStore) Upsert(ctx context.Context, records []model.FlatProduct) error {
	records = dedupe(records)
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		e, err := encodeProduct(r)
		if err != nil {
			return err
		}
		rows = append(rows, []any{e.SKU, e.ProductFamily, e.Attributes, nullable(e.OnDemandPricing), nullable(e.ReservedPricing), now})
	}

	_, err := productUpsert.Exec(ctx, s.pool, rows)
	return unavailable("postgres: upsert", err)
}

// Find returns up to limit products matching pred, in store order.
func (s *PostgresStore) Find(ctx context.Context, pred filter.Predicate, limit int) ([]model.FlatProduct, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	query, args, err := buildPostgresFind(pred, limit)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("postgres: find", err)
	}
	defer rows.Close()

	out := make([]model.FlatProduct, 0)
	for rows.Next() {
		var e encodedProduct
		if err := rows.Scan(&e.SKU, &e.ProductFamily, &e.Attributes, &e.OnDemandPricing, &e.ReservedPricing); err != nil {
			return nil, unavailable("postgres: scan product", err)
		}
		p, err := decodeProduct(e)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("postgres: find", err)
	}
	return out, nil
}

// buildPostgresFind renders pred as a parameterized SELECT. Keys are emitted
// in sorted order so the statement text is stable.
func buildPostgresFind(pred filter.Predicate, limit int) (string, []any, error) {
	keys := make([]string, 0, len(pred))
	for k := range pred {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, key := range keys {
		m := pred[key]
		col, fixed := fixedColumn(key)

		if m.Eq != nil {
			if fixed {
				where = append(where, fmt.Sprintf("%s = %s", col, arg(*m.Eq)))
			} else {
				doc, err := json.Marshal(map[string]string{key: *m.Eq})
				if err != nil {
					return "", nil, eris.Wrapf(err, "postgres: encode filter %s", key)
				}
				where = append(where, fmt.Sprintf("attributes @> %s::jsonb", arg(string(doc))))
			}
		}
		if m.Match != nil {
			if !fixed {
				col = fmt.Sprintf("attributes ->> %s", arg(key))
			}
			where = append(where, fmt.Sprintf("%s ~ %s", col, arg(m.Match.Postgres())))
		}
	}

	var b strings.Builder
	b.WriteString("SELECT sku, product_family, attributes, on_demand_pricing, reserved_pricing FROM products")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" LIMIT ")
	b.WriteString(arg(limit))
	return b.String(), args, nil
}

// fixedColumn maps the fixed product fields onto their columns.
func fixedColumn(key string) (string, bool) {
	switch key {
	case model.FieldSKU:
		return "sku", true
	case model.FieldProductFamily:
		return "product_family", true
	}
	return "", false
}

// AttributeKeys returns the distinct attribute keys, optionally restricted to
// products of one service code.
func (s *PostgresStore) AttributeKeys(ctx context.Context, serviceCode string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT k FROM products, jsonb_object_keys(attributes) AS k
		 WHERE $1 = '' OR attributes ->> 'servicecode' = $1
		 ORDER BY k`,
		serviceCode,
	)
	if err != nil {
		return nil, unavailable("postgres: attribute keys", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, unavailable("postgres: scan attribute key", err)
		}
		keys = append(keys, k)
	}
	return keys, unavailable("postgres: attribute keys", rows.Err())
}

func (s *PostgresStore) StartFile(ctx context.Context, runID, file string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO ingest_log (run_id, file, status, started_at) VALUES ($1, $2, 'running', now()) RETURNING id`,
		runID, file,
	).Scan(&id)
	if err != nil {
		return 0, unavailable("postgres: start file "+file, err)
	}
	return id, nil
}

func (s *PostgresStore) CompleteFile(ctx context.Context, id int64, records int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_log SET status = 'complete', records = $1, completed_at = now() WHERE id = $2`,
		records, id,
	)
	return unavailable(fmt.Sprintf("postgres: complete file %d", id), err)
}

func (s *PostgresStore) FailFile(ctx context.Context, id int64, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_log SET status = 'failed', error = $1, completed_at = now() WHERE id = $2`,
		msg, id,
	)
	return unavailable(fmt.Sprintf("postgres: fail file %d", id), err)
}

func (s *PostgresStore) ListFiles(ctx context.Context, limit int) ([]FileEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, file, status, records, COALESCE(error, ''), started_at, completed_at
		 FROM ingest_log ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, unavailable("postgres: list files", err)
	}
	defer rows.Close()

	var entries []FileEntry
	for rows.Next() {
		var e FileEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.File, &e.Status, &e.Records, &e.Error, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, unavailable("postgres: scan file entry", err)
		}
		entries = append(entries, e)
	}
	return entries, unavailable("postgres: list files", rows.Err())
}
