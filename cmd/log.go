package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/pricing-cli/internal/store"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent ingest log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListFiles(ctx, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No ingested files.")
			return nil
		}
		formatFileLog(cmd.OutOrStdout(), entries)
		return nil
	},
}

func formatFileLog(out io.Writer, entries []store.FileEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRUN\tFILE\tSTATUS\tRECORDS\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t---\t----\t------\t-------\t-------\t--------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
		}
		msg := e.Error
		if len(msg) > 40 {
			msg = msg[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ID,
			truncateID(e.RunID),
			e.File,
			e.Status,
			e.Records,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			msg,
		)
	}
	_ = w.Flush()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	logCmd.Flags().Int("limit", 20, "number of entries to show")
	rootCmd.AddCommand(logCmd)
}
