package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-cli/internal/model"
)

// Term classes as they appear under a catalog document's "terms" key.
const (
	TermOnDemand = "OnDemand"
	TermReserved = "Reserved"
)

// ParseError reports a catalog document that could not be decoded.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("catalog: parse: %v", e.Err)
	}
	return fmt.Sprintf("catalog: parse %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RawTerms maps sku -> offer term code -> term.
type RawTerms map[string]map[string]model.PriceTerm

// Document is a decoded catalog file.
type Document struct {
	Products map[string]model.RawProduct
	OnDemand RawTerms
	Reserved RawTerms
}

// SKUs returns the product skus in sorted order.
func (d *Document) SKUs() []string {
	skus := make([]string, 0, len(d.Products))
	for sku := range d.Products {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	return skus
}

// Join returns the OnDemand and Reserved term sequences for sku, ordered by
// offer term code. A class with no terms for sku yields nil.
func (d *Document) Join(sku string) (onDemand, reserved []model.PriceTerm) {
	return termsFor(d.OnDemand, sku), termsFor(d.Reserved, sku)
}

// Flatten joins and flattens every product, in sku order.
func (d *Document) Flatten() []model.FlatProduct {
	out := make([]model.FlatProduct, 0, len(d.Products))
	for _, sku := range d.SKUs() {
		raw := d.Products[sku]
		od, rv := d.Join(raw.SKU())
		out = append(out, Flatten(raw, od, rv))
	}
	return out
}

func termsFor(terms RawTerms, sku string) []model.PriceTerm {
	byCode, ok := terms[sku]
	if !ok {
		return nil
	}
	codes := make([]string, 0, len(byCode))
	for code := range byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	out := make([]model.PriceTerm, 0, len(codes))
	for _, code := range codes {
		out = append(out, byCode[code])
	}
	return out
}

// wire shapes

type rawDocument struct {
	Products map[string]json.RawMessage `json:"products"`
	Terms    map[string]json.RawMessage `json:"terms"`
}

type rawTerm struct {
	OfferTermCode   string            `json:"offerTermCode"`
	SKU             string            `json:"sku"`
	EffectiveDate   string            `json:"effectiveDate"`
	TermAttributes  map[string]string `json:"termAttributes"`
	PriceDimensions json.RawMessage   `json:"priceDimensions"`
}

// ParseDocument decodes a catalog document of the form
// {"products": {sku: product}, "terms": {"OnDemand": ..., "Reserved": ...}}.
func ParseDocument(r io.Reader) (*Document, error) {
	var raw rawDocument
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, &ParseError{Err: eris.Wrap(err, "decode document")}
	}
	if raw.Products == nil {
		return nil, &ParseError{Err: eris.New("missing products")}
	}

	doc := &Document{Products: make(map[string]model.RawProduct, len(raw.Products))}
	for key, msg := range raw.Products {
		p, err := DecodeProduct(msg)
		if err != nil {
			return nil, &ParseError{Err: eris.Wrapf(err, "product %s", key)}
		}
		if p.SKU() == "" {
			p[model.FieldSKU] = key
		}
		doc.Products[key] = p
	}

	var err error
	if doc.OnDemand, err = decodeTermClass(raw.Terms[TermOnDemand]); err != nil {
		return nil, &ParseError{Err: eris.Wrap(err, "terms.OnDemand")}
	}
	if doc.Reserved, err = decodeTermClass(raw.Terms[TermReserved]); err != nil {
		return nil, &ParseError{Err: eris.Wrap(err, "terms.Reserved")}
	}
	return doc, nil
}

// DecodeProduct decodes a product in either the nested shape
// {"sku", "productFamily", "attributes": {...}} or as a flat map.
func DecodeProduct(msg json.RawMessage) (model.RawProduct, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return nil, eris.Wrap(err, "decode product")
	}

	p := make(model.RawProduct, len(fields))
	for k, v := range fields {
		if k == "attributes" && isObject(v) {
			var attrs map[string]json.RawMessage
			if err := json.Unmarshal(v, &attrs); err != nil {
				return nil, eris.Wrap(err, "decode attributes")
			}
			for ak, av := range attrs {
				p[ak] = model.ScalarString(av)
			}
			continue
		}
		p[k] = model.ScalarString(v)
	}
	return p, nil
}

// DecodeTerms decodes a term map keyed by offer term code.
func DecodeTerms(msg json.RawMessage) (map[string]model.PriceTerm, error) {
	var byCode map[string]rawTerm
	if err := json.Unmarshal(msg, &byCode); err != nil {
		return nil, eris.Wrap(err, "decode terms")
	}
	out := make(map[string]model.PriceTerm, len(byCode))
	for code, rt := range byCode {
		dims, err := decodeDimensions(rt.PriceDimensions)
		if err != nil {
			return nil, eris.Wrapf(err, "term %s", code)
		}
		out[code] = model.PriceTerm{
			OfferTermCode:   rt.OfferTermCode,
			SKU:             rt.SKU,
			EffectiveDate:   rt.EffectiveDate,
			TermAttributes:  rt.TermAttributes,
			PriceDimensions: dims,
		}
	}
	return out, nil
}

func decodeTermClass(msg json.RawMessage) (RawTerms, error) {
	if len(msg) == 0 || bytes.Equal(bytes.TrimSpace(msg), []byte("null")) {
		return nil, nil
	}
	var bySKU map[string]json.RawMessage
	if err := json.Unmarshal(msg, &bySKU); err != nil {
		return nil, eris.Wrap(err, "decode term class")
	}
	out := make(RawTerms, len(bySKU))
	for sku, termMsg := range bySKU {
		terms, err := DecodeTerms(termMsg)
		if err != nil {
			return nil, eris.Wrapf(err, "sku %s", sku)
		}
		out[sku] = terms
	}
	return out, nil
}

// decodeDimensions accepts an array of dimensions or an object keyed by rate
// code. Object values are returned in rate code order.
func decodeDimensions(msg json.RawMessage) ([]model.PriceDimension, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var dims []model.PriceDimension
		if err := json.Unmarshal(trimmed, &dims); err != nil {
			return nil, eris.Wrap(err, "decode price dimensions")
		}
		return dims, nil
	}

	var byRate map[string]model.PriceDimension
	if err := json.Unmarshal(trimmed, &byRate); err != nil {
		return nil, eris.Wrap(err, "decode price dimensions")
	}
	codes := make([]string, 0, len(byRate))
	for code := range byRate {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	dims := make([]model.PriceDimension, 0, len(codes))
	for _, code := range codes {
		dims = append(dims, byRate[code])
	}
	return dims, nil
}

func isObject(msg json.RawMessage) bool {
	trimmed := bytes.TrimSpace(msg)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
