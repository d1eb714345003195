package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/pricing-cli/internal/query"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List distinct attribute keys in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		service, _ := cmd.Flags().GetString("service")

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		keys, err := query.New(st, cfg.Query.Limit, nil).AttributeKeys(ctx, service)
		if err != nil {
			return err
		}
		for _, k := range keys {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	keysCmd.Flags().String("service", "", "restrict to products with this servicecode")
	rootCmd.AddCommand(keysCmd)
}
