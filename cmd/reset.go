package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear failed entries so the next run retries them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := st.ResetFailed(ctx)
		if err != nil {
			return eris.Wrap(err, "reset failed entries")
		}

		zap.L().Info("failed entries cleared", zap.Int("count", n))
		fmt.Printf("Cleared %d failed entries.\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
