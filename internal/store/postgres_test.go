package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricing-cli/internal/filter"
	"github.com/sells-group/pricing-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := NewPostgresFromPool(mock)
	return s, mock
}

func mustTranslate(t *testing.T, filters ...model.AttributeFilter) filter.Predicate {
	t.Helper()
	pred, err := filter.Translate(filters)
	require.NoError(t, err)
	return pred
}

func TestBuildPostgresFind_Empty(t *testing.T) {
	query, args, err := buildPostgresFind(nil, 100)
	require.NoError(t, err)
	assert.Equal(t, "SELECT sku, product_family, attributes, on_demand_pricing, reserved_pricing FROM products LIMIT $1", query)
	assert.Equal(t, []any{100}, args)
}

func TestBuildPostgresFind_Conditions(t *testing.T) {
	pred := mustTranslate(t,
		model.AttributeFilter{Key: "location", Value: "/east/i", Operation: model.OperationRegex},
		model.AttributeFilter{Key: "instanceType", Value: "m5.large"},
		model.AttributeFilter{Key: "productFamily", Value: "Compute Instance"},
	)

	query, args, err := buildPostgresFind(pred, 10)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT sku, product_family, attributes, on_demand_pricing, reserved_pricing FROM products"+
			" WHERE attributes @> $1::jsonb AND attributes ->> $2 ~ $3 AND product_family = $4 LIMIT $5",
		query)
	assert.Equal(t, []any{`{"instanceType":"m5.large"}`, "location", "(?ip)east", "Compute Instance", 10}, args)
}

func TestBuildPostgresFind_EqualsAndMatchOnSameKey(t *testing.T) {
	pred := mustTranslate(t,
		model.AttributeFilter{Key: "sku", Value: "/^SKU/", Operation: model.OperationRegex},
		model.AttributeFilter{Key: "sku", Value: "SKU1"},
	)

	query, args, err := buildPostgresFind(pred, 5)
	require.NoError(t, err)
	assert.Contains(t, query, "WHERE sku = $1 AND sku ~ $2 LIMIT $3")
	assert.Equal(t, []any{"SKU1", "(?p)^SKU", 5}, args)
}

func TestPostgresStore_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_products"}, productColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "products" AS t .* ON CONFLICT \("sku"\) DO UPDATE .* IS DISTINCT FROM`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := s.Upsert(context.Background(), []model.FlatProduct{
		{SKU: "SKU1", Attributes: map[string]string{"instanceType": "m5.large"}},
		{SKU: "SKU2", Attributes: map[string]string{"instanceType": "c5.large"}},
		{SKU: "SKU1", Attributes: map[string]string{"instanceType": "m5.xlarge"}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	require.NoError(t, s.Upsert(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert_Unavailable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := s.Upsert(context.Background(), []model.FlatProduct{{SKU: "SKU1"}})
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Find(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	onDemand := []byte(`[{"offerTermCode":"JRTCKXETXF","sku":"SKU1","effectiveDate":"2024-01-01T00:00:00Z",` +
		`"priceDimensions":[{"rateCode":"SKU1.JRTCKXETXF.6YS6EN2CT7","unit":"Hrs","pricePerUnit":{"USD":"0.0960000000"}}]}]`)

	mock.ExpectQuery(`SELECT sku, product_family, attributes, on_demand_pricing, reserved_pricing FROM products WHERE attributes @> \$1::jsonb LIMIT \$2`).
		WithArgs(`{"instanceType":"m5.large"}`, 100).
		WillReturnRows(pgxmock.NewRows([]string{"sku", "product_family", "attributes", "on_demand_pricing", "reserved_pricing"}).
			AddRow("SKU1", "Compute Instance", []byte(`{"instanceType":"m5.large","servicecode":"AmazonEC2"}`), onDemand, []byte(nil)))

	got, err := s.Find(context.Background(), mustTranslate(t, model.AttributeFilter{Key: "instanceType", Value: "m5.large"}), 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SKU1", got[0].SKU)
	assert.Equal(t, "Compute Instance", got[0].ProductFamily)
	assert.Equal(t, "AmazonEC2", got[0].Attributes["servicecode"])
	require.Len(t, got[0].OnDemandPricing, 1)
	assert.Equal(t, "0.0960000000", got[0].OnDemandPricing[0].PriceDimensions[0].PricePerUnit.USD())
	assert.Nil(t, got[0].ReservedPricing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Find_NoMatches(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT sku`).
		WillReturnRows(pgxmock.NewRows([]string{"sku", "product_family", "attributes", "on_demand_pricing", "reserved_pricing"}))

	got, err := s.Find(context.Background(), nil, 100)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Find_InvalidLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.Find(context.Background(), nil, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Find_Unavailable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT sku`).WillReturnError(errors.New("server closed the connection"))

	_, err := s.Find(context.Background(), nil, 10)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AttributeKeys(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT DISTINCT k FROM products, jsonb_object_keys\(attributes\)`).
		WithArgs("AmazonEC2").
		WillReturnRows(pgxmock.NewRows([]string{"k"}).AddRow("instanceType").AddRow("location").AddRow("servicecode"))

	keys, err := s.AttributeKeys(context.Background(), "AmazonEC2")
	require.NoError(t, err)
	assert.Equal(t, []string{"instanceType", "location", "servicecode"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IngestLog(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`INSERT INTO ingest_log`).
		WithArgs("run-1", "AmazonEC2-us-east-1.json").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`UPDATE ingest_log SET status = 'complete'`).
		WithArgs(int64(1200), int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE ingest_log SET status = 'failed'`).
		WithArgs("catalog: parse: unexpected EOF", int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	id, err := s.StartFile(ctx, "run-1", "AmazonEC2-us-east-1.json")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	require.NoError(t, s.CompleteFile(ctx, id, 1200))
	require.NoError(t, s.FailFile(ctx, id, "catalog: parse: unexpected EOF"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MigrateAndIndexes(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS products`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`USING GIN \(attributes jsonb_path_ops\)`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.EnsureIndexes(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping_Unavailable(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mock.Close()
	s := NewPostgresFromPool(mock)

	mock.ExpectPing().WillReturnError(errors.New("dial tcp: connection refused"))

	err = s.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "store unavailable")
	assert.NoError(t, mock.ExpectationsWereMet())
}
