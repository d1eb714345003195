package main

import (
	"context"

	"github.com/sells-group/pricing-cli/internal/config"
	"github.com/sells-group/pricing-cli/internal/store"
)

// initStore opens the configured store after validating the settings mode
// needs.
func initStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return store.Open(ctx, storeOptions(cfg.Store))
}

func storeOptions(c config.StoreConfig) store.Options {
	return store.Options{
		Driver:      c.Driver,
		DatabaseURL: c.DatabaseURL,
		Pool: &store.PoolConfig{
			MaxConns: c.MaxConns,
			MinConns: c.MinConns,
		},
		IndexedAttributes: c.IndexedAttributes,
	}
}
