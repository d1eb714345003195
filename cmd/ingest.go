package main

import (
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricing-cli/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Flatten catalog files into the store",
	Long:  "Ingests the given catalog files, or every file matching ingest.pattern under ingest.data_dir when none are given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, "ingest")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		files, err := ingestFiles(args, cfg.Ingest.DataDir, cfg.Ingest.Pattern)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return eris.Errorf("ingest: no files match %s", filepath.Join(cfg.Ingest.DataDir, cfg.Ingest.Pattern))
		}

		driver := ingest.New(st, ingest.Config{
			BatchSize:          cfg.Ingest.BatchSize,
			MaxInflightBatches: cfg.Ingest.MaxInflightBatches,
		}, nil)

		sum, err := driver.IngestAll(ctx, files)
		if sum != nil {
			formatSummary(cmd.OutOrStdout(), sum)
		}
		if err != nil {
			return err
		}
		return summaryError(sum)
	},
}

func ingestFiles(args []string, dir, pattern string) ([]ingest.File, error) {
	if len(args) > 0 {
		return ingest.FilesFromPaths(args), nil
	}
	return ingest.FilesFromGlob(filepath.Join(dir, pattern))
}

// summaryError turns a run with failed files or batches into a non-zero exit.
func summaryError(sum *ingest.Summary) error {
	if sum.Failed > 0 {
		return eris.Errorf("ingest: %d of %d files failed", sum.Failed, sum.Files)
	}
	if sum.FailedBatches > 0 {
		return eris.Errorf("ingest: %d of %d batches failed", sum.FailedBatches, sum.Batches)
	}
	return nil
}

func formatSummary(out io.Writer, sum *ingest.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", sum.RunID)
	_, _ = fmt.Fprintf(w, "Files:\t%d (%d failed)\n", sum.Files, sum.Failed)
	_, _ = fmt.Fprintf(w, "Records:\t%d\n", sum.Records)
	_, _ = fmt.Fprintf(w, "Batches:\t%d (%d failed)\n", sum.Batches, sum.FailedBatches)
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", sum.Elapsed.Round(time.Millisecond))
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
