package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-cli/internal/filter"
	"github.com/sells-group/pricing-cli/internal/model"
)

// Store persists flat products and serves predicate lookups over them.
type Store interface {
	// Catalog
	Upsert(ctx context.Context, records []model.FlatProduct) error
	Find(ctx context.Context, pred filter.Predicate, limit int) ([]model.FlatProduct, error)
	AttributeKeys(ctx context.Context, serviceCode string) ([]string, error)

	IngestLog

	// Lifecycle
	Migrate(ctx context.Context) error
	EnsureIndexes(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// IngestLog records the outcome of each ingested catalog file.
type IngestLog interface {
	StartFile(ctx context.Context, runID, file string) (int64, error)
	CompleteFile(ctx context.Context, id int64, records int64) error
	FailFile(ctx context.Context, id int64, msg string) error
	ListFiles(ctx context.Context, limit int) ([]FileEntry, error)
}

// Ingest log statuses.
const (
	FileRunning  = "running"
	FileComplete = "complete"
	FileFailed   = "failed"
)

// FileEntry is one row of the ingest log.
type FileEntry struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	File        string     `json:"file"`
	Status      string     `json:"status"`
	Records     int64      `json:"records"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// UnavailableError reports that the backing store could not be reached or
// failed mid-operation. It is never retried inside the store.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is, or wraps, an *UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}

// ErrInvalidLimit is returned by Find for a non-positive limit.
var ErrInvalidLimit = eris.New("store: limit must be positive")

// dedupe collapses records sharing a sku, keeping the last one at the
// position of the first.
func dedupe(records []model.FlatProduct) []model.FlatProduct {
	idx := make(map[string]int, len(records))
	out := make([]model.FlatProduct, 0, len(records))
	for _, r := range records {
		if i, ok := idx[r.SKU]; ok {
			out[i] = r
			continue
		}
		idx[r.SKU] = len(out)
		out = append(out, r)
	}
	return out
}

// encodedProduct is a flat product in its column representation.
type encodedProduct struct {
	SKU             string
	ProductFamily   string
	Attributes      []byte
	OnDemandPricing []byte // nil = NULL
	ReservedPricing []byte // nil = NULL
}

func encodeProduct(p model.FlatProduct) (encodedProduct, error) {
	attrs := p.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	a, err := json.Marshal(attrs)
	if err != nil {
		return encodedProduct{}, eris.Wrapf(err, "store: marshal attributes for %s", p.SKU)
	}
	od, err := encodeTerms(p.OnDemandPricing)
	if err != nil {
		return encodedProduct{}, eris.Wrapf(err, "store: marshal onDemandPricing for %s", p.SKU)
	}
	rv, err := encodeTerms(p.ReservedPricing)
	if err != nil {
		return encodedProduct{}, eris.Wrapf(err, "store: marshal reservedPricing for %s", p.SKU)
	}
	return encodedProduct{
		SKU:             p.SKU,
		ProductFamily:   p.ProductFamily,
		Attributes:      a,
		OnDemandPricing: od,
		ReservedPricing: rv,
	}, nil
}

func encodeTerms(terms []model.PriceTerm) ([]byte, error) {
	if terms == nil {
		return nil, nil
	}
	return json.Marshal(terms)
}

func decodeProduct(e encodedProduct) (model.FlatProduct, error) {
	p := model.FlatProduct{SKU: e.SKU, ProductFamily: e.ProductFamily}
	if len(e.Attributes) > 0 {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(e.Attributes, &raw); err != nil {
			return p, eris.Wrapf(err, "store: decode attributes for %s", e.SKU)
		}
		p.Attributes = make(map[string]string, len(raw))
		for k, v := range raw {
			p.Attributes[k] = model.ScalarString(v)
		}
	}
	var err error
	if p.OnDemandPricing, err = decodeTerms(e.OnDemandPricing); err != nil {
		return p, eris.Wrapf(err, "store: decode onDemandPricing for %s", e.SKU)
	}
	if p.ReservedPricing, err = decodeTerms(e.ReservedPricing); err != nil {
		return p, eris.Wrapf(err, "store: decode reservedPricing for %s", e.SKU)
	}
	return p, nil
}

func decodeTerms(b []byte) ([]model.PriceTerm, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var terms []model.PriceTerm
	if err := json.Unmarshal(b, &terms); err != nil {
		return nil, err
	}
	return terms, nil
}

// nullable turns a nil byte slice into an untyped nil so drivers write NULL.
func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
