package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patrickspencer/backfill/internal/store"
)

var (
	historyWindow string
	historyStage  string
	historyRun    string
	historyLimit  int
	historyJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded stage attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		hs, err := store.NewSQLiteStore(cfg.History.Path)
		if err != nil {
			return err
		}
		defer hs.Close()

		attempts, err := hs.ListAttempts(cmd.Context(), store.ListOpts{
			WindowStart: historyWindow,
			Stage:       historyStage,
			RunID:       historyRun,
			Limit:       historyLimit,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if historyJSON {
			b, err := json.MarshalIndent(attempts, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(b))
			return nil
		}
		for _, a := range attempts {
			fmt.Fprintf(out, "%s  %s..%s  %-8s  #%d  %-7s  exit=%d  %dms  err=%q\n",
				a.StartedAt.Format("2006-01-02T15:04:05Z"), a.WindowStart, a.WindowEnd,
				a.Stage, a.Attempt, a.Status, a.ExitCode, a.DurationMs, a.ErrorMsg)
		}
		return nil
	},
}

func init() {
	addPathFlags(historyCmd.Flags())
	historyCmd.Flags().StringVar(&historyWindow, "window", "", "filter by window start date")
	historyCmd.Flags().StringVar(&historyStage, "stage", "", "filter by stage (discover|parse)")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "filter by run ID")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "max rows")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "JSON output")
	rootCmd.AddCommand(historyCmd)
}
