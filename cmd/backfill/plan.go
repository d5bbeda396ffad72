package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patrickspencer/backfill/internal/batch"
	"github.com/patrickspencer/backfill/internal/window"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the windows the configured range splits into",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		windows, err := batch.Plan(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, window.Describe(cfg.StartDate, cfg.EndDate, cfg.WindowDays, windows))
		for _, w := range windows {
			fmt.Fprintf(out, "%s  %s\n", w.Start, w.End)
		}
		return nil
	},
}

func init() {
	addRangeFlags(planCmd.Flags())
	rootCmd.AddCommand(planCmd)
}
