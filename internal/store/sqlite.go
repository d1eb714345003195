package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pricing-cli/internal/filter"
	"github.com/sells-group/pricing-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Attributes are kept
// as a JSON text column; equality on plain keys is pushed into SQL and the
// full predicate is applied while scanning.
type SQLiteStore struct {
	db      *sql.DB
	indexed []string
}

// sqlitePragmas are applied by the driver to every new connection. Batches are
// written concurrently, so each connection must wait on the write lock
// instead of failing with SQLITE_BUSY.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// sqliteDSN appends the connection pragmas and an immediate transaction lock
// to dsn.
func sqliteDSN(dsn string) string {
	params := url.Values{}
	for _, p := range sqlitePragmas {
		params.Add("_pragma", p)
	}
	params.Set("_txlock", "immediate")

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + params.Encode()
}

// NewSQLite opens a SQLite database at the given path in WAL mode.
// indexed names attribute keys that get an expression index in EnsureIndexes.
func NewSQLite(dsn string, indexed ...string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, unavailable("sqlite: open", err)
	}
	// Every connection to :memory: is a separate database.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	return &SQLiteStore{db: db, indexed: indexed}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS products (
	sku               TEXT PRIMARY KEY,
	product_family    TEXT NOT NULL DEFAULT '',
	attributes        TEXT NOT NULL DEFAULT '{}',
	on_demand_pricing TEXT,
	reserved_pricing  TEXT,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ingest_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	file         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	records      INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_ingest_log_run_id ON ingest_log(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return unavailable("sqlite: migrate", err)
}

// EnsureIndexes creates the product_family index plus one json_extract
// expression index per configured attribute key. Keys that cannot be written
// as a plain JSON path are skipped.
func (s *SQLiteStore) EnsureIndexes(ctx context.Context) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_products_product_family ON products(product_family)",
	}
	for _, key := range s.indexed {
		path, ok := sqliteJSONPath(key)
		if !ok {
			continue
		}
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON products(%s)",
			sqliteIndexName(key), path,
		))
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("sqlite: ensure indexes", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return unavailable("sqlite: ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert replaces each record by sku inside one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, records []model.FlatProduct) error {
	records = dedupe(records)
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("sqlite: upsert: begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (sku, product_family, attributes, on_demand_pricing, reserved_pricing, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sku) DO UPDATE SET
			product_family = excluded.product_family,
			attributes = excluded.attributes,
			on_demand_pricing = excluded.on_demand_pricing,
			reserved_pricing = excluded.reserved_pricing,
			updated_at = excluded.updated_at
		WHERE products.product_family IS NOT excluded.product_family
			OR products.attributes IS NOT excluded.attributes
			OR products.on_demand_pricing IS NOT excluded.on_demand_pricing
			OR products.reserved_pricing IS NOT excluded.reserved_pricing`)
	if err != nil {
		return unavailable("sqlite: upsert: prepare", err)
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, r := range records {
		e, err := encodeProduct(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			e.SKU, e.ProductFamily, string(e.Attributes),
			nullableText(e.OnDemandPricing), nullableText(e.ReservedPricing), now,
		); err != nil {
			return unavailable("sqlite: upsert "+e.SKU, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("sqlite: upsert: commit tx", err)
	}
	return nil
}

// Find returns up to limit products matching pred, in insertion order.
func (s *SQLiteStore) Find(ctx context.Context, pred filter.Predicate, limit int) ([]model.FlatProduct, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	query, args := buildSQLiteFind(pred, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("sqlite: find", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]model.FlatProduct, 0)
	for rows.Next() && len(out) < limit {
		var e encodedProduct
		var attrs string
		var od, rv sql.NullString
		if err := rows.Scan(&e.SKU, &e.ProductFamily, &attrs, &od, &rv); err != nil {
			return nil, unavailable("sqlite: scan product", err)
		}
		e.Attributes = []byte(attrs)
		if od.Valid {
			e.OnDemandPricing = []byte(od.String)
		}
		if rv.Valid {
			e.ReservedPricing = []byte(rv.String)
		}
		p, err := decodeProduct(e)
		if err != nil {
			return nil, err
		}
		if pred.Matches(p) {
			out = append(out, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("sqlite: find", err)
	}
	return out, nil
}

// buildSQLiteFind pushes equality conditions into the WHERE clause. The SQL
// LIMIT is only applied when every condition was pushed down; otherwise the
// caller filters rows and stops at limit itself.
func buildSQLiteFind(pred filter.Predicate, limit int) (string, []any) {
	keys := make([]string, 0, len(pred))
	for k := range pred {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var where []string
	var args []any
	complete := true
	for _, key := range keys {
		m := pred[key]
		if m.Match != nil {
			complete = false
		}
		if m.Eq == nil {
			continue
		}
		if col, fixed := fixedColumn(key); fixed {
			where = append(where, col+" = ?")
			args = append(args, *m.Eq)
			continue
		}
		path, ok := sqliteJSONPath(key)
		if !ok {
			complete = false
			continue
		}
		where = append(where, path+" = ?")
		args = append(args, *m.Eq)
	}

	var b strings.Builder
	b.WriteString("SELECT sku, product_family, attributes, on_demand_pricing, reserved_pricing FROM products")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY rowid")
	if complete {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	return b.String(), args
}

var plainKey = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// sqliteJSONPath returns the json_extract expression for an attribute key,
// or false when the key cannot be embedded in a path literal.
func sqliteJSONPath(key string) (string, bool) {
	if !plainKey.MatchString(key) {
		return "", false
	}
	return fmt.Sprintf(`json_extract(attributes, '$."%s"')`, key), true
}

func sqliteIndexName(key string) string {
	r := strings.NewReplacer(".", "_", ":", "_", "-", "_")
	return "idx_products_attr_" + r.Replace(key)
}

func (s *SQLiteStore) AttributeKeys(ctx context.Context, serviceCode string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT j.key FROM products, json_each(products.attributes) AS j
		 WHERE ? = '' OR json_extract(products.attributes, '$.servicecode') = ?
		 ORDER BY j.key`,
		serviceCode, serviceCode,
	)
	if err != nil {
		return nil, unavailable("sqlite: attribute keys", err)
	}
	defer rows.Close() //nolint:errcheck

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, unavailable("sqlite: scan attribute key", err)
		}
		keys = append(keys, k)
	}
	return keys, unavailable("sqlite: attribute keys", rows.Err())
}

func (s *SQLiteStore) StartFile(ctx context.Context, runID, file string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_log (run_id, file, status, started_at) VALUES (?, ?, ?, ?)`,
		runID, file, FileRunning, time.Now().UTC(),
	)
	if err != nil {
		return 0, unavailable("sqlite: start file "+file, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: last insert id")
	}
	return id, nil
}

func (s *SQLiteStore) CompleteFile(ctx context.Context, id int64, records int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_log SET status = ?, records = ?, completed_at = ? WHERE id = ?`,
		FileComplete, records, time.Now().UTC(), id,
	)
	if err != nil {
		return unavailable(fmt.Sprintf("sqlite: complete file %d", id), err)
	}
	return checkRowsAffected(res, "ingest log entry", id)
}

func (s *SQLiteStore) FailFile(ctx context.Context, id int64, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_log SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		FileFailed, msg, time.Now().UTC(), id,
	)
	if err != nil {
		return unavailable(fmt.Sprintf("sqlite: fail file %d", id), err)
	}
	return checkRowsAffected(res, "ingest log entry", id)
}

func (s *SQLiteStore) ListFiles(ctx context.Context, limit int) ([]FileEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, file, status, records, COALESCE(error, ''), started_at, completed_at
		 FROM ingest_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, unavailable("sqlite: list files", err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []FileEntry
	for rows.Next() {
		var e FileEntry
		var completed sql.NullTime
		if err := rows.Scan(&e.ID, &e.RunID, &e.File, &e.Status, &e.Records, &e.Error, &e.StartedAt, &completed); err != nil {
			return nil, unavailable("sqlite: scan file entry", err)
		}
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, unavailable("sqlite: list files", rows.Err())
}

// helpers

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %d", entity, id)
	}
	return nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
