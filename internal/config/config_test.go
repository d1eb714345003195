package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// No config.yaml in the temp dir.
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Empty(t, cfg.Store.DatabaseURL)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, int32(2), cfg.Store.MinConns)
	assert.Equal(t, []string{"servicecode", "location", "instanceType"}, cfg.Store.IndexedAttributes)
	assert.Equal(t, "data", cfg.Ingest.DataDir)
	assert.Equal(t, "*.json", cfg.Ingest.Pattern)
	assert.Equal(t, 1000, cfg.Ingest.BatchSize)
	assert.Equal(t, 4, cfg.Ingest.MaxInflightBatches)
	assert.Equal(t, 100, cfg.Query.Limit)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "https://pricing.us-east-1.amazonaws.com", cfg.Download.BaseURL)
	assert.Equal(t, "/offers/v1.0/aws/index.json", cfg.Download.IndexPath)
	assert.Equal(t, "pricing-cli/1.0", cfg.Download.UserAgent)
	assert.Equal(t, 3, cfg.Download.MaxRetries)
	assert.Empty(t, cfg.Download.Offers)
	assert.Equal(t, "us-east-1", cfg.AWS.Region)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: pricing.db
ingest:
  batch_size: 500
query:
  limit: 25
download:
  offers: [AmazonEC2, AmazonS3]
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "pricing.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 500, cfg.Ingest.BatchSize)
	assert.Equal(t, 25, cfg.Query.Limit)
	assert.Equal(t, []string{"AmazonEC2", "AmazonS3"}, cfg.Download.Offers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 4, cfg.Ingest.MaxInflightBatches)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("PRICING_STORE_DRIVER", "postgres")
	t.Setenv("PRICING_STORE_DATABASE_URL", "postgres://localhost/pricing")
	t.Setenv("PRICING_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/pricing", cfg.Store.DatabaseURL)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("PRICING_QUERY_LIMIT", "50")
	t.Setenv("PRICING_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Query.Limit)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/pricing"
	cfg.Ingest.DataDir = "data"
	cfg.Ingest.BatchSize = 1000
	cfg.Ingest.MaxInflightBatches = 4
	cfg.Query.Limit = 100
	cfg.Server.Port = 4000
	cfg.Download.BaseURL = "https://pricing.us-east-1.amazonaws.com"
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"store", "ingest", "query", "serve", "download"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	// download does not touch the store
	assert.NoError(t, cfg.Validate("download"))
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mongo"

	err := cfg.Validate("query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidate_IngestBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Ingest.BatchSize = 0
	cfg.Ingest.MaxInflightBatches = 65
	err := cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest.batch_size must be > 0")
	assert.Contains(t, err.Error(), "max_inflight_batches must be between 1 and 64")
}

func TestValidate_ServeInvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_QueryLimit(t *testing.T) {
	cfg := validDefaults()
	cfg.Query.Limit = 0

	err := cfg.Validate("query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query.limit must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
