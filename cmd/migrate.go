package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "migrate")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.CountRecords(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("schema up to date",
			zap.String("driver", cfg.Store.Driver),
			zap.Int64("records", n),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
