package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patrickspencer/backfill/internal/dedup"
)

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Collapse duplicate records in the index log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := dedup.File(cfg.Index, cfg.DedupKeys)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: lines=%d kept=%d duplicates=%d malformed=%d\n",
			cfg.Index, st.Lines, st.Kept, st.Duplicates, st.Malformed)
		return nil
	},
}

func init() {
	addPathFlags(dedupCmd.Flags())
	rootCmd.AddCommand(dedupCmd)
}
