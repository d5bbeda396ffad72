package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patrickspencer/backfill/internal/runlog"
	"github.com/patrickspencer/backfill/internal/store"
	"github.com/patrickspencer/backfill/internal/window"
)

var logsCmd = &cobra.Command{
	Use:   "logs <attempt-id>",
	Short: "Print the captured output of one stage attempt",
	Args:  cobra.ExactArgs(1),
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

		a, err := hs.GetAttempt(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("attempt %s not found", args[0])
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %s %s..%s attempt %d: %s\n", a.Stage, a.WindowStart, a.WindowEnd, a.Attempt, a.Status)

		m := runlog.NewManager(cfg.RunLogs.Dir, cfg.RunLogs.Limits())
		output, err := m.Read(runlog.Location{
			Window:    window.Window{Start: a.WindowStart, End: a.WindowEnd}.Key(),
			Stage:     a.Stage,
			AttemptID: a.ID,
		})
		if err != nil {
			// Log files may have been pruned; fall back to the stored tails.
			fmt.Fprintf(out, "# log files unavailable (%v), showing stored tails\n", err)
			output = runlog.Output{Stdout: a.StdoutTail, Stderr: a.StderrTail}
		}
		fmt.Fprintln(out, "## stdout")
		fmt.Fprint(out, output.Stdout)
		fmt.Fprintln(out, "## stderr")
		fmt.Fprint(out, output.Stderr)
		return nil
	},
}

func init() {
	addPathFlags(logsCmd.Flags())
	rootCmd.AddCommand(logsCmd)
}
