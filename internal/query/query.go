// Package query answers attribute filter requests against the catalog store.
package query

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/pricing-cli/internal/catalog"
	"github.com/sells-group/pricing-cli/internal/filter"
	"github.com/sells-group/pricing-cli/internal/model"
)

const defaultLimit = 100

// Store is the read side of store.Store.
type Store interface {
	Find(ctx context.Context, pred filter.Predicate, limit int) ([]model.FlatProduct, error)
	AttributeKeys(ctx context.Context, serviceCode string) ([]string, error)
}

// Service translates filters, reads matching products and projects them.
type Service struct {
	store Store
	limit int
	log   *zap.Logger
}

// New creates a Service returning at most limit products per query.
// A non-positive limit uses the default of 100.
func New(st Store, limit int, log *zap.Logger) *Service {
	if limit <= 0 {
		limit = defaultLimit
	}
	if log == nil {
		log = zap.L()
	}
	return &Service{store: st, limit: limit, log: log.With(zap.String("component", "query"))}
}

// Limit returns the result ceiling.
func (s *Service) Limit() int { return s.limit }

// Query returns the products matching every filter. An empty filter list
// matches everything up to the limit. No match yields an empty, non-nil slice.
// Malformed filters return *filter.TranslationError and store failures
// *store.UnavailableError, both unwrapped.
func (s *Service) Query(ctx context.Context, filters []model.AttributeFilter) ([]model.PublicProduct, error) {
	pred, err := filter.Translate(filters)
	if err != nil {
		s.log.Debug("rejected filter", zap.Error(err))
		return nil, err
	}

	found, err := s.store.Find(ctx, pred, s.limit)
	if err != nil {
		s.log.Error("find failed", zap.Int("filters", len(filters)), zap.Error(err))
		return nil, err
	}

	out := make([]model.PublicProduct, 0, len(found))
	for _, fp := range found {
		out = append(out, catalog.Project(fp))
	}
	s.log.Debug("query served", zap.Int("filters", len(filters)), zap.Int("results", len(out)))
	return out, nil
}

// AttributeKeys lists the attribute keys present in the store, optionally for
// one service code.
func (s *Service) AttributeKeys(ctx context.Context, serviceCode string) ([]string, error) {
	return s.store.AttributeKeys(ctx, serviceCode)
}
