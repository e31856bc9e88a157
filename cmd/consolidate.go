package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate [source...]",
	Short: "Merge staged records into canonical entities",
	Long: `Load staged records for the named sources (all sources when none are
given), group them by canonical key, resolve field conflicts by trust
weight, and upsert the merged entities into the canonical store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "consolidate"))

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		log.Info("starting consolidation", zap.Strings("sources", args))

		summary, err := e.Service.RunConsolidation(ctx, args)
		if err != nil {
			return eris.Wrap(err, "consolidate")
		}

		fmt.Printf("Consolidated %d records into %d groups: %d entities created, %d updated",
			summary.RecordsIn, summary.Groups, summary.EntitiesCreated, summary.EntitiesUpdated)
		if summary.Enriched > 0 || summary.EnrichSkipped > 0 {
			fmt.Printf(" (%d enriched, %d enrich skipped)", summary.Enriched, summary.EnrichSkipped)
		}
		fmt.Printf(" in %s\n", summary.Duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(consolidateCmd)
}
