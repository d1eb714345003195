// Package catalog turns raw pricing catalog documents into flat product
// records and projects them back into the public product shape.
package catalog

import (
	"sort"

	"github.com/sells-group/pricing-cli/internal/model"
)

// Flatten merges a raw product and its joined term sequences into a single
// flat record. Nil term slices stay nil so callers can tell "no pricing data"
// apart from an empty list.
func Flatten(raw model.RawProduct, onDemand, reserved []model.PriceTerm) model.FlatProduct {
	fp := model.FlatProduct{
		SKU:             raw[model.FieldSKU],
		ProductFamily:   raw[model.FieldProductFamily],
		Attributes:      make(map[string]string, len(raw)),
		OnDemandPricing: onDemand,
		ReservedPricing: reserved,
	}
	for k, v := range raw {
		if model.IsFixedField(k) {
			continue
		}
		fp.Attributes[k] = v
	}
	return fp
}

// Project re-derives the public product shape from a flat record. The
// attribute list is sorted by key.
func Project(fp model.FlatProduct) model.PublicProduct {
	attrs := make([]model.Attribute, 0, len(fp.Attributes))
	for k, v := range fp.Attributes {
		if model.IsFixedField(k) {
			continue
		}
		attrs = append(attrs, model.Attribute{Key: k, Value: v})
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })

	return model.PublicProduct{
		SKU:             fp.SKU,
		ProductFamily:   fp.ProductFamily,
		Attributes:      attrs,
		OnDemandPricing: fp.OnDemandPricing,
		ReservedPricing: fp.ReservedPricing,
	}
}
