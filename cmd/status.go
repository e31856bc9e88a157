package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/atlas-health/refsync/internal/ingest"
	"github.com/atlas-health/refsync/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-source download state and storage counts",
	Long: `Displays each catalog source's acquisition state (status, cursor
position, retry counters) plus staged-record and canonical-entity counts.
Use --history to also show recent sync log entries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		history, _ := cmd.Flags().GetInt("history")

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		report, err := e.Service.Status(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		formatStatusReport(os.Stdout, report)

		if history > 0 {
			entries, err := e.SyncLog.ListRecent(ctx, history)
			if err != nil {
				return eris.Wrap(err, "status: sync history")
			}
			fmt.Println()
			formatSyncEntries(os.Stdout, entries)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("history", 0, "also show the N most recent sync log entries")
	rootCmd.AddCommand(statusCmd)
}

func formatStatusReport(out io.Writer, report *ingest.StatusReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tSTATUS\tCURSOR\tCOMPLETED\tRETRIES TODAY\tNEXT ATTEMPT\tLAST ERROR")
	_, _ = fmt.Fprintln(w, "------\t------\t------\t---------\t-------------\t------------\t----------")

	for _, s := range report.Sources {
		cursor := s.State.Cursor
		if cursor == "" {
			cursor = "-"
		}
		next := "-"
		if !s.State.NextAllowedAttempt.IsZero() {
			next = s.State.NextAllowedAttempt.Format("2006-01-02 15:04")
		}
		errKind := "-"
		if s.State.LastErrorKind != "" {
			errKind = string(s.State.LastErrorKind)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.SourceID,
			s.State.Status,
			cursor,
			s.State.CompletedCount,
			s.State.DailyRetryCount,
			next,
			errKind,
		)
	}
	_ = w.Flush()

	if report.Storage != nil {
		fmt.Fprintf(out, "\nStaged records: %d  Canonical entities: %d  Pending reindex: %d\n",
			report.Storage.StagedRecords,
			report.Storage.CanonicalEntities,
			report.Storage.PendingReindex,
		)
	} else {
		fmt.Fprintln(out, "\nStorage counts unavailable")
	}
}

func formatSyncEntries(out io.Writer, entries []storage.SyncEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tSTARTED\tDURATION\tITEMS\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-------\t--------\t-----\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		errMsg := ""
		if e.Error != "" {
			errMsg = truncate(e.Error, 60)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID,
			e.Source,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			e.ItemsSynced,
			errMsg,
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
