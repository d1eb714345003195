package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-cli/internal/fetcher"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download per-region offer files into the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("download"); err != nil {
			return err
		}

		offers, _ := cmd.Flags().GetStringSlice("offers")
		regions, _ := cmd.Flags().GetStringSlice("regions")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if len(offers) == 0 {
			offers = cfg.Download.Offers
		}
		if len(regions) == 0 {
			regions = cfg.Download.Regions
		}

		if err := os.MkdirAll(cfg.Ingest.DataDir, 0o755); err != nil {
			return eris.Wrapf(err, "download: create %s", cfg.Ingest.DataDir)
		}

		d := &fetcher.OfferDownloader{
			Fetcher: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
				UserAgent:  cfg.Download.UserAgent,
				MaxRetries: cfg.Download.MaxRetries,
			}),
			BaseURL:     cfg.Download.BaseURL,
			IndexPath:   cfg.Download.IndexPath,
			Dir:         cfg.Ingest.DataDir,
			Offers:      offers,
			Regions:     regions,
			Concurrency: concurrency,
		}

		paths, err := d.Download(ctx)
		for _, p := range paths {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		zap.L().Info("download complete", zap.Int("files", len(paths)))
		return err
	},
}

func init() {
	downloadCmd.Flags().StringSlice("offers", nil, "offer codes to download (default from config, empty = all)")
	downloadCmd.Flags().StringSlice("regions", nil, "region codes to download (default from config, empty = all)")
	downloadCmd.Flags().Int("concurrency", 4, "parallel file downloads")
	rootCmd.AddCommand(downloadCmd)
}
