package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlas-health/refsync/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply canonical-store schema migrations",
	Long:  "Applies all pending SQL migrations to the refsync schema in lexicographic order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := storage.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("all migrations applied successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
