package store

import (
	"context"

	"github.com/rotisserie/eris"
)

// Supported store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options selects and configures a Store implementation.
type Options struct {
	Driver            string
	DatabaseURL       string
	Pool              *PoolConfig
	IndexedAttributes []string
}

// Open connects to the configured store. Connection failures are reported as
// *UnavailableError.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.DatabaseURL == "" {
		return nil, eris.New("store: database_url is required")
	}
	switch opts.Driver {
	case DriverPostgres, "":
		return NewPostgres(ctx, opts.DatabaseURL, opts.Pool)
	case DriverSQLite:
		s, err := NewSQLite(opts.DatabaseURL, opts.IndexedAttributes...)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close() //nolint:errcheck
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", opts.Driver)
	}
}
