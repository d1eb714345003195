package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Fixed product fields. Every other key on a product is a dynamic attribute.
const (
	FieldSKU             = "sku"
	FieldProductFamily   = "productFamily"
	FieldOnDemandPricing = "onDemandPricing"
	FieldReservedPricing = "reservedPricing"
)

// IsFixedField reports whether key names one of the fixed product fields
// rather than a dynamic attribute.
func IsFixedField(key string) bool {
	switch key {
	case FieldSKU, FieldProductFamily, FieldOnDemandPricing, FieldReservedPricing:
		return true
	}
	return false
}

// RawProduct is a product as it appears in a catalog file: sku, productFamily
// and an open-ended set of string attributes.
type RawProduct map[string]string

// SKU returns the product identity.
func (p RawProduct) SKU() string { return p[FieldSKU] }

// PricePerUnit maps a currency code to a decimal price encoded as a string.
type PricePerUnit map[string]string

// USD returns the USD price string, or "" when the dimension has none.
func (p PricePerUnit) USD() string { return p["USD"] }

// Decimal parses the price for currency.
func (p PricePerUnit) Decimal(currency string) (decimal.Decimal, error) {
	s, ok := p[currency]
	if !ok {
		return decimal.Zero, eris.Errorf("model: no %s price", currency)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "model: parse %s price %q", currency, s)
	}
	return d, nil
}

// PriceDimension is one priced rate within a term.
type PriceDimension struct {
	RateCode     string       `json:"rateCode"`
	Description  string       `json:"description,omitempty"`
	BeginRange   string       `json:"beginRange,omitempty"`
	EndRange     string       `json:"endRange,omitempty"`
	Unit         string       `json:"unit,omitempty"`
	PricePerUnit PricePerUnit `json:"pricePerUnit"`
	AppliesTo    []string     `json:"appliesTo,omitempty"`
}

// PriceTerm is a priced offering (OnDemand or Reserved) for a single sku.
type PriceTerm struct {
	OfferTermCode   string            `json:"offerTermCode"`
	SKU             string            `json:"sku"`
	EffectiveDate   string            `json:"effectiveDate,omitempty"`
	TermAttributes  map[string]string `json:"termAttributes,omitempty"`
	PriceDimensions []PriceDimension  `json:"priceDimensions"`
}

// FlatProduct is the persisted, normalized form of a catalog product.
// Attributes holds every key that is not a fixed field. A nil pricing slice
// means the catalog had no terms of that class for the sku.
type FlatProduct struct {
	SKU             string
	ProductFamily   string
	Attributes      map[string]string
	OnDemandPricing []PriceTerm
	ReservedPricing []PriceTerm
}

// Get returns the value for a fixed field or attribute key.
func (p FlatProduct) Get(key string) (string, bool) {
	switch key {
	case FieldSKU:
		return p.SKU, true
	case FieldProductFamily:
		return p.ProductFamily, true
	}
	v, ok := p.Attributes[key]
	return v, ok
}

// MarshalJSON inlines the attributes next to the fixed fields.
func (p FlatProduct) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(p.Attributes)+4)
	for k, v := range p.Attributes {
		doc[k] = v
	}
	doc[FieldSKU] = p.SKU
	doc[FieldProductFamily] = p.ProductFamily
	doc[FieldOnDemandPricing] = p.OnDemandPricing
	doc[FieldReservedPricing] = p.ReservedPricing
	return json.Marshal(doc)
}

// UnmarshalJSON reverses MarshalJSON. Non-string attribute values are kept as
// their raw JSON text.
func (p *FlatProduct) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return eris.Wrap(err, "model: decode flat product")
	}

	out := FlatProduct{Attributes: make(map[string]string, len(doc))}
	for k, raw := range doc {
		switch k {
		case FieldOnDemandPricing:
			if err := json.Unmarshal(raw, &out.OnDemandPricing); err != nil {
				return eris.Wrap(err, "model: decode onDemandPricing")
			}
		case FieldReservedPricing:
			if err := json.Unmarshal(raw, &out.ReservedPricing); err != nil {
				return eris.Wrap(err, "model: decode reservedPricing")
			}
		case FieldSKU:
			out.SKU = ScalarString(raw)
		case FieldProductFamily:
			out.ProductFamily = ScalarString(raw)
		default:
			out.Attributes[k] = ScalarString(raw)
		}
	}
	*p = out
	return nil
}

// ScalarString returns the string value of a JSON string, or the raw JSON text
// for any other value.
func ScalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Attribute is a single dynamic key/value pair in a public product.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PublicProduct is the query result shape.
type PublicProduct struct {
	SKU             string      `json:"sku"`
	ProductFamily   string      `json:"productFamily"`
	Attributes      []Attribute `json:"attributes"`
	OnDemandPricing []PriceTerm `json:"onDemandPricing"`
	ReservedPricing []PriceTerm `json:"reservedPricing"`
}
