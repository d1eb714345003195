package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pricing-cli/internal/model"
	"github.com/sells-group/pricing-cli/internal/query"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Find products matching attribute filters",
	Long: "Runs a product query. Filters from --file come first, then every --filter (EQUALS), then every --regex (REGEX); " +
		"a later filter on the same key and operation replaces an earlier one.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		equals, _ := cmd.Flags().GetStringArray("filter")
		regexes, _ := cmd.Flags().GetStringArray("regex")
		file, _ := cmd.Flags().GetString("file")
		limit, _ := cmd.Flags().GetInt("limit")
		table, _ := cmd.Flags().GetBool("table")

		filters, err := buildFilters(file, equals, regexes)
		if err != nil {
			return err
		}

		if limit > 0 {
			cfg.Query.Limit = limit
		}
		st, err := initStore(ctx, "query")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		products, err := query.New(st, cfg.Query.Limit, nil).Query(ctx, filters)
		if err != nil {
			return err
		}

		if table {
			formatProductTable(cmd.OutOrStdout(), products)
			return nil
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(products)
	},
}

// buildFilters assembles the filter list from a YAML file and flag values.
func buildFilters(file string, equals, regexes []string) ([]model.AttributeFilter, error) {
	var filters []model.AttributeFilter
	if file != "" {
		fromFile, err := loadFilterFile(file)
		if err != nil {
			return nil, err
		}
		filters = append(filters, fromFile...)
	}
	for _, kv := range equals {
		f, err := parseFilterFlag(kv, model.OperationEquals)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	for _, kv := range regexes {
		f, err := parseFilterFlag(kv, model.OperationRegex)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func parseFilterFlag(kv string, op model.Operation) (model.AttributeFilter, error) {
	key, value, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return model.AttributeFilter{}, eris.Errorf("invalid filter %q: want key=value", kv)
	}
	return model.AttributeFilter{Key: key, Value: value, Operation: op}, nil
}

// loadFilterFile reads either a ProductFilter document ("attributes: [...]")
// or a bare list of attribute filters.
func loadFilterFile(path string) ([]model.AttributeFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read filter file %s", path)
	}

	var doc model.ProductFilter
	if err := yaml.Unmarshal(data, &doc); err == nil {
		return doc.Attributes, nil
	}

	var list []model.AttributeFilter
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, eris.Wrapf(err, "parse filter file %s", path)
	}
	return list, nil
}

func formatProductTable(out io.Writer, products []model.PublicProduct) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SKU\tFAMILY\tATTRIBUTES\tON_DEMAND\tRESERVED")
	_, _ = fmt.Fprintln(w, "---\t------\t----------\t---------\t--------")

	for _, p := range products {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n",
			p.SKU,
			p.ProductFamily,
			len(p.Attributes),
			onDemandPrice(p.OnDemandPricing),
			len(p.ReservedPricing),
		)
	}
	_ = w.Flush()
}

// onDemandPrice renders the first USD price dimension as "<price>/<unit>".
func onDemandPrice(terms []model.PriceTerm) string {
	for _, t := range terms {
		for _, d := range t.PriceDimensions {
			price, err := d.PricePerUnit.Decimal("USD")
			if err != nil {
				continue
			}
			if d.Unit == "" {
				return price.String()
			}
			return price.String() + "/" + d.Unit
		}
	}
	return "-"
}

func init() {
	queryCmd.Flags().StringArray("filter", nil, "exact attribute match key=value (repeatable)")
	queryCmd.Flags().StringArray("regex", nil, "pattern attribute match key=/pattern/flags (repeatable)")
	queryCmd.Flags().String("file", "", "YAML file of attribute filters")
	queryCmd.Flags().Int("limit", 0, "maximum products returned (default from config)")
	queryCmd.Flags().Bool("table", false, "print a summary table instead of JSON")
	rootCmd.AddCommand(queryCmd)
}
