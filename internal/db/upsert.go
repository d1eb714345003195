package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// StagedUpsert writes rows into Table by COPYing them into a transaction-local
// staging table and merging from there with INSERT ... ON CONFLICT. Every
// non-key column is replaced on conflict.
type StagedUpsert struct {
	Table   string   // target table, optionally schema-qualified
	Columns []string // COPY column order
	Key     []string // unique constraint columns

	// SkipUnchanged lists columns compared before an update. A conflicting
	// row whose listed columns are all equal to the incoming row is left
	// untouched and not counted. Empty means always update.
	SkipUnchanged []string
}

// Exec runs the upsert in one transaction and returns the number of rows
// inserted or updated. Rows must not repeat a key; PostgreSQL rejects an
// ON CONFLICT statement that touches the same row twice.
func (u StagedUpsert) Exec(ctx context.Context, pool Pool, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := u.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, u.createSQL()); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create staging table for %s", u.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{u.StagingTable()}, u.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy into staging table for %s", u.Table)
	}

	tag, err := tx.Exec(ctx, u.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", u.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// StagingTable returns the name of the staging table used for Table.
func (u StagedUpsert) StagingTable() string {
	return "_stage_" + strings.ReplaceAll(u.Table, ".", "_")
}

func (u StagedUpsert) validate() error {
	if len(u.Columns) == 0 {
		return eris.Errorf("db: upsert %s: no columns", u.Table)
	}
	if len(u.Key) == 0 {
		return eris.Errorf("db: upsert %s: no key columns", u.Table)
	}
	for _, k := range u.Key {
		if !slices.Contains(u.Columns, k) {
			return eris.Errorf("db: upsert %s: key column %q not in columns", u.Table, k)
		}
	}
	if len(u.updateColumns()) == 0 {
		return eris.Errorf("db: upsert %s: nothing to update besides the key", u.Table)
	}
	return nil
}

func (u StagedUpsert) updateColumns() []string {
	var cols []string
	for _, c := range u.Columns {
		if !slices.Contains(u.Key, c) {
			cols = append(cols, c)
		}
	}
	return cols
}

func (u StagedUpsert) createSQL() string {
	return fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{u.StagingTable()}.Sanitize(),
		qualified(u.Table),
	)
}

func (u StagedUpsert) mergeSQL() string {
	cols := identList(u.Columns, "")

	sets := make([]string, 0, len(u.Columns))
	for _, c := range u.updateColumns() {
		id := pgx.Identifier{c}.Sanitize()
		sets = append(sets, id+" = EXCLUDED."+id)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		qualified(u.Table),
		cols,
		cols,
		pgx.Identifier{u.StagingTable()}.Sanitize(),
		identList(u.Key, ""),
		strings.Join(sets, ", "),
	)
	if len(u.SkipUnchanged) > 0 {
		fmt.Fprintf(&b, " WHERE (%s) IS DISTINCT FROM (%s)",
			identList(u.SkipUnchanged, "t."),
			identList(u.SkipUnchanged, "EXCLUDED."),
		)
	}
	return b.String()
}

// qualified quotes a table name that may carry a schema ("pricing.products").
func qualified(table string) string {
	schema, name, ok := strings.Cut(table, ".")
	if ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func identList(cols []string, prefix string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = prefix + pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
