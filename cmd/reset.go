package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset <source>",
	Short: "Clear a source's download state",
	Long: `Clears the stored cursor and retry counters for a source so its next
sync starts from the beginning. This is the recovery path for a source in
terminal failure. Staged records and canonical entities are untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sourceID := args[0]

		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		if cat.ByID(sourceID) == nil {
			return eris.Errorf("unknown source %q (known: %v)", sourceID, cat.IDs())
		}

		states, err := openStateStore()
		if err != nil {
			return err
		}
		defer states.Close()

		if err := states.Reset(ctx, sourceID); err != nil {
			return eris.Wrapf(err, "reset %s", sourceID)
		}

		fmt.Printf("State for %s cleared; next sync starts fresh\n", sourceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
