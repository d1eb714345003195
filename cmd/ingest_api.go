package main

import (
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricing-cli/internal/ingest"
	"github.com/sells-group/pricing-cli/internal/pricelist"
)

var ingestAPICmd = &cobra.Command{
	Use:   "ingest-api",
	Short: "Pull products from the AWS Price List API and ingest them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		service, _ := cmd.Flags().GetString("service")
		rawFilters, _ := cmd.Flags().GetStringArray("filter")

		filters, err := parseKeyValues(rawFilters)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, "ingest")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		src, err := pricelist.NewSourceFromEnv(ctx, cfg.AWS.Region)
		if err != nil {
			return err
		}
		doc, err := src.Fetch(ctx, service, filters)
		if err != nil {
			return err
		}

		driver := ingest.New(st, ingest.Config{
			BatchSize:          cfg.Ingest.BatchSize,
			MaxInflightBatches: cfg.Ingest.MaxInflightBatches,
		}, nil)

		sum, err := driver.IngestDocument(ctx, "api:"+service, doc)
		if sum != nil {
			formatSummary(cmd.OutOrStdout(), sum)
		}
		if err != nil {
			return err
		}
		return summaryError(sum)
	},
}

// parseKeyValues splits key=value flag values. The value may itself contain
// '='.
func parseKeyValues(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, eris.Errorf("invalid filter %q: want key=value", kv)
		}
		out[key] = value
	}
	return out, nil
}

func init() {
	ingestAPICmd.Flags().String("service", "AmazonEC2", "service code to pull")
	ingestAPICmd.Flags().StringArray("filter", nil, "exact attribute match key=value (repeatable)")
	rootCmd.AddCommand(ingestAPICmd)
}
