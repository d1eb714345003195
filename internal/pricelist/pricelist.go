// Package pricelist pulls products from the AWS Price List Query API and
// assembles them into catalog documents.
package pricelist

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-cli/internal/catalog"
	"github.com/sells-group/pricing-cli/internal/model"
)

// The Price List Query API is only served from a few regions.
const DefaultRegion = "us-east-1"

// Source reads price list entries for one service code.
type Source struct {
	client pricing.GetProductsAPIClient
}

// NewSource wraps an existing GetProducts client.
func NewSource(client pricing.GetProductsAPIClient) *Source {
	return &Source{client: client}
}

// NewSourceFromEnv builds a client from the default AWS credential chain.
func NewSourceFromEnv(ctx context.Context, region string) (*Source, error) {
	if region == "" {
		region = DefaultRegion
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, eris.Wrap(err, "pricelist: load aws config")
	}
	return NewSource(pricing.NewFromConfig(cfg)), nil
}

// entry is one element of GetProductsOutput.PriceList.
type entry struct {
	Product json.RawMessage            `json:"product"`
	Terms   map[string]json.RawMessage `json:"terms"`
}

// Fetch pages through every product of serviceCode matching the attribute
// filters (exact match) and returns them as one document.
func (s *Source) Fetch(ctx context.Context, serviceCode string, filters map[string]string) (*catalog.Document, error) {
	in := &pricing.GetProductsInput{
		ServiceCode:   aws.String(serviceCode),
		FormatVersion: aws.String("aws_v1"),
	}
	for field, value := range filters {
		in.Filters = append(in.Filters, types.Filter{
			Type:  types.FilterTypeTermMatch,
			Field: aws.String(field),
			Value: aws.String(value),
		})
	}

	doc := &catalog.Document{
		Products: make(map[string]model.RawProduct),
		OnDemand: make(catalog.RawTerms),
		Reserved: make(catalog.RawTerms),
	}
	log := zap.L().With(zap.String("component", "pricelist"), zap.String("service", serviceCode))

	pages := pricing.NewGetProductsPaginator(s.client, in)
	for n := 0; pages.HasMorePages(); n++ {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, eris.Wrapf(err, "pricelist: get products page %d", n)
		}
		for _, raw := range out.PriceList {
			if err := AddEntry(doc, []byte(raw)); err != nil {
				return nil, err
			}
		}
		log.Debug("page fetched", zap.Int("page", n), zap.Int("entries", len(out.PriceList)))
	}
	log.Info("price list fetched", zap.Int("products", len(doc.Products)))
	return doc, nil
}

// AddEntry merges one price list entry into doc. Entry terms are keyed by
// offer term code and belong to the entry's product.
func AddEntry(doc *catalog.Document, raw []byte) error {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return eris.Wrap(err, "pricelist: decode entry")
	}
	if len(e.Product) == 0 {
		return eris.New("pricelist: entry has no product")
	}
	p, err := catalog.DecodeProduct(e.Product)
	if err != nil {
		return eris.Wrap(err, "pricelist: entry product")
	}
	sku := p.SKU()
	if sku == "" {
		return eris.New("pricelist: entry product has no sku")
	}
	if doc.Products == nil {
		doc.Products = make(map[string]model.RawProduct)
	}
	doc.Products[sku] = p

	for class, msg := range e.Terms {
		terms, err := catalog.DecodeTerms(msg)
		if err != nil {
			return eris.Wrapf(err, "pricelist: %s terms for %s", class, sku)
		}
		switch class {
		case catalog.TermOnDemand:
			if doc.OnDemand == nil {
				doc.OnDemand = make(catalog.RawTerms)
			}
			doc.OnDemand[sku] = terms
		case catalog.TermReserved:
			if doc.Reserved == nil {
				doc.Reserved = make(catalog.RawTerms)
			}
			doc.Reserved[sku] = terms
		}
	}
	return nil
}
