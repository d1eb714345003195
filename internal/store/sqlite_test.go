package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricing-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath, "servicecode", "instanceType")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.EnsureIndexes(context.Background()))
	return st
}

func ec2Product(sku, instanceType, location string) model.FlatProduct {
	return model.FlatProduct{
		SKU:           sku,
		ProductFamily: "Compute Instance",
		Attributes: map[string]string{
			"servicecode":  "AmazonEC2",
			"instanceType": instanceType,
			"location":     location,
		},
		OnDemandPricing: []model.PriceTerm{{
			OfferTermCode: "JRTCKXETXF",
			SKU:           sku,
			PriceDimensions: []model.PriceDimension{{
				RateCode:     sku + ".JRTCKXETXF.6YS6EN2CT7",
				Unit:         "Hrs",
				PricePerUnit: model.PricePerUnit{"USD": "0.0960000000"},
			}},
		}},
	}
}

// --- Catalog ---

func TestSQLite_UpsertAndFind(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, []model.FlatProduct{
		ec2Product("SKU1", "m5.large", "US East (N. Virginia)"),
		ec2Product("SKU2", "c5.large", "US East (N. Virginia)"),
	}))

	got, err := st.Find(ctx, mustTranslate(t, model.AttributeFilter{Key: "instanceType", Value: "m5.large"}), 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SKU1", got[0].SKU)
	assert.Equal(t, "Compute Instance", got[0].ProductFamily)
	assert.Equal(t, "US East (N. Virginia)", got[0].Attributes["location"])
	require.Len(t, got[0].OnDemandPricing, 1)
	assert.Equal(t, "0.0960000000", got[0].OnDemandPricing[0].PriceDimensions[0].PricePerUnit.USD())
	assert.Nil(t, got[0].ReservedPricing)
}

func TestSQLite_UpsertIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	batch := []model.FlatProduct{ec2Product("SKU1", "m5.large", "US East (N. Virginia)")}
	require.NoError(t, st.Upsert(ctx, batch))
	require.NoError(t, st.Upsert(ctx, batch))

	got, err := st.Find(ctx, nil, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, batch[0], got[0])
}

func TestSQLite_UpsertReplacesWholeRecord(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, []model.FlatProduct{ec2Product("SKU1", "m5.large", "US East (N. Virginia)")}))
	require.NoError(t, st.Upsert(ctx, []model.FlatProduct{{
		SKU:        "SKU1",
		Attributes: map[string]string{"instanceType": "m5.xlarge"},
	}}))

	got, err := st.Find(ctx, nil, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]string{"instanceType": "m5.xlarge"}, got[0].Attributes)
	assert.Empty(t, got[0].ProductFamily)
	assert.Nil(t, got[0].OnDemandPricing)
}

func TestSQLite_UpsertUnchangedKeepsTimestamp(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	updatedAt := func() string {
		var ts string
		require.NoError(t, st.db.QueryRowContext(ctx, `SELECT updated_at FROM products WHERE sku = ?`, "SKU1").Scan(&ts))
		return ts
	}

	p := ec2Product("SKU1", "m5.large", "US East (N. Virginia)")
	require.NoError(t, st.Upsert(ctx, []model.FlatProduct{p}))
	first := updatedAt()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, st.Upsert(ctx, []model.FlatProduct{p}))
	assert.Equal(t, first, updatedAt())

	time.Sleep(5 * time.Millisecond)
	p.Attributes["instanceType"] = "m5.xlarge"
	require.NoError(t, st.Upsert(ctx, []model.FlatProduct{p}))
	assert.NotEqual(t, first, updatedAt())
}

func TestSQLite_UpsertDuplicateSKUsLastWins(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, []model.FlatProduct{
		ec2Product("SKU1", "m5.large", "US East (N. Virginia)"),
		ec2Product("SKU1", "m5.2xlarge", "US East (N. Virginia)"),
	}))

	got, err := st.Find(ctx, nil, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m5.2xlarge", got[0].Attributes["instanceType"])
}

func TestSQLite_FindLimit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var batch []model.FlatProduct
	for i := 0; i < 150; i++ {
		batch = append(batch, ec2Product(fmt.Sprintf("SKU%03d", i), "m5.large", "US East (N. Virginia)"))
	}
	require.NoError(t, st.Upsert(ctx, batch))

	got, err := st.Find(ctx, mustTranslate(t, model.AttributeFilter{Key: "instanceType", Value: "m5.large"}), 100)
	require.NoError(t, err)
	assert.Len(t, got, 100)

	got, err = st.Find(ctx, mustTranslate(t, model.AttributeFilter{Key: "instanceType", Value: "/^m5/", Operation: model.OperationRegex}), 10)
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assert.Equal(t, "SKU000", got[0].SKU)

	_, err = st.Find(ctx, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestSQLite_FindRegex(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, []model.FlatProduct{
		ec2Product("SKU1", "m5.large", "US East (N. Virginia)"),
		ec2Product("SKU2", "m5.xlarge", "EU (Ireland)"),
		ec2Product("SKU3", "c5.large", "US East (Ohio)"),
	}))

	got, err := st.Find(ctx, mustTranslate(t, model.AttributeFilter{Key: "location", Value: "/^us east/i", Operation: model.OperationRegex}), 100)
	require.NoError(t, err)
	var skus []string
	for _, p := range got {
		skus = append(skus, p.SKU)
	}
	assert.Equal(t, []string{"SKU1", "SKU3"}, skus)
}

func TestSQLite_FindConjunction(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, []model.FlatProduct{
		ec2Product("SKU1", "m5.large", "US East (N. Virginia)"),
		ec2Product("SKU2", "m5.large", "EU (Ireland)"),
	}))

	got, err := st.Find(ctx, mustTranslate(t,
		model.AttributeFilter{Key: "instanceType", Value: "m5.large"},
		model.AttributeFilter{Key: "location", Value: "EU (Ireland)"},
		model.AttributeFilter{Key: "productFamily", Value: "Compute Instance"},
	), 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SKU2", got[0].SKU)

	got, err = st.Find(ctx, mustTranslate(t,
		model.AttributeFilter{Key: "instanceType", Value: "m5.large"},
		model.AttributeFilter{Key: "tenancy", Value: "Shared"},
	), 100)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSQLite_FindUnusualKey(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := ec2Product("SKU1", "m5.large", "US East (N. Virginia)")
	p.Attributes[`it's "quoted"`] = "yes"
	require.NoError(t, st.Upsert(ctx, []model.FlatProduct{p, ec2Product("SKU2", "m5.large", "EU (Ireland)")}))

	got, err := st.Find(ctx, mustTranslate(t, model.AttributeFilter{Key: `it's "quoted"`, Value: "yes"}), 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SKU1", got[0].SKU)
}

func TestSQLite_AttributeKeys(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, []model.FlatProduct{
		ec2Product("SKU1", "m5.large", "US East (N. Virginia)"),
		{SKU: "SKU9", Attributes: map[string]string{"servicecode": "AmazonS3", "storageClass": "General Purpose"}},
	}))

	keys, err := st.AttributeKeys(ctx, "AmazonEC2")
	require.NoError(t, err)
	assert.Equal(t, []string{"instanceType", "location", "servicecode"}, keys)

	keys, err = st.AttributeKeys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"instanceType", "location", "servicecode", "storageClass"}, keys)

	keys, err = st.AttributeKeys(ctx, "AmazonRDS")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// --- Ingest Log ---

func TestSQLite_IngestLog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	okID, err := st.StartFile(ctx, "run-1", "AmazonEC2-us-east-1.json")
	require.NoError(t, err)
	badID, err := st.StartFile(ctx, "run-1", "broken.json")
	require.NoError(t, err)
	runningID, err := st.StartFile(ctx, "run-1", "AmazonS3-us-east-1.json")
	require.NoError(t, err)

	require.NoError(t, st.CompleteFile(ctx, okID, 1200))
	require.NoError(t, st.FailFile(ctx, badID, "catalog: parse broken.json: unexpected EOF"))

	entries, err := st.ListFiles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first.
	assert.Equal(t, runningID, entries[0].ID)
	assert.Equal(t, FileRunning, entries[0].Status)
	assert.Nil(t, entries[0].CompletedAt)

	assert.Equal(t, FileFailed, entries[1].Status)
	assert.Contains(t, entries[1].Error, "unexpected EOF")
	assert.NotNil(t, entries[1].CompletedAt)

	assert.Equal(t, FileComplete, entries[2].Status)
	assert.Equal(t, int64(1200), entries[2].Records)
	assert.Equal(t, "run-1", entries[2].RunID)
	assert.False(t, entries[2].StartedAt.IsZero())
}

func TestSQLite_IngestLog_UnknownID(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.CompleteFile(context.Background(), 999, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_InMemory(t *testing.T) {
	st, err := NewSQLite(":memory:")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Upsert(ctx, []model.FlatProduct{ec2Product("SKU1", "m5.large", "US East (N. Virginia)")}))

	got, err := st.Find(ctx, nil, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestBuildSQLiteFind(t *testing.T) {
	query, args := buildSQLiteFind(mustTranslate(t, model.AttributeFilter{Key: "instanceType", Value: "m5.large"}), 100)
	assert.Contains(t, query, `WHERE json_extract(attributes, '$."instanceType"') = ?`)
	assert.Contains(t, query, "LIMIT ?")
	assert.Equal(t, []any{"m5.large", 100}, args)

	query, args = buildSQLiteFind(mustTranslate(t, model.AttributeFilter{Key: "instanceType", Value: "/m5/", Operation: model.OperationRegex}), 100)
	assert.NotContains(t, query, "WHERE")
	assert.NotContains(t, query, "LIMIT")
	assert.Empty(t, args)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t,
		"/tmp/p.db?_pragma=busy_timeout%285000%29&_pragma=journal_mode%28WAL%29&_pragma=synchronous%28NORMAL%29&_txlock=immediate",
		sqliteDSN("/tmp/p.db"))
	assert.Contains(t, sqliteDSN("file:p.db?mode=rwc"), "file:p.db?mode=rwc&_pragma=")
}

func TestSQLite_PragmasOnEveryConnection(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// Hold two connections at once so the pool cannot hand back the same one.
	c1, err := st.db.Conn(ctx)
	require.NoError(t, err)
	defer c1.Close() //nolint:errcheck
	c2, err := st.db.Conn(ctx)
	require.NoError(t, err)
	defer c2.Close() //nolint:errcheck

	for _, c := range []*sql.Conn{c1, c2} {
		var timeout int
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, 5000, timeout)

		var mode string
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode)
	}
}

func TestSQLite_ConcurrentUpserts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const batches, perBatch = 16, 200
	var g errgroup.Group
	for b := range batches {
		g.Go(func() error {
			records := make([]model.FlatProduct, 0, perBatch)
			for i := range perBatch {
				records = append(records, ec2Product(fmt.Sprintf("S%02d-%04d", b, i), "m5.large", "US East (N. Virginia)"))
			}
			return st.Upsert(ctx, records)
		})
	}
	require.NoError(t, g.Wait())

	var n int
	require.NoError(t, st.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM products").Scan(&n))
	assert.Equal(t, batches*perBatch, n)
}
