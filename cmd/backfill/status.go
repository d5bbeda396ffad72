package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/patrickspencer/backfill/internal/state"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-window progress from the state file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		rs, err := state.Read(cfg.State)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if statusJSON {
			b, err := json.MarshalIndent(rs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(b))
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "START\tEND\tSTATUS\tATTEMPTS\tLAST ERROR")
		for _, w := range rs.Windows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", w.Start, w.End, w.Status, w.Attempts, w.LastError)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		s := rs.Summarize()
		fmt.Fprintf(out, "total=%d pending=%d running=%d done=%d failed=%d\n",
			s.Total, s.Pending, s.Running, s.Done, s.Failed)
		return nil
	},
}

func init() {
	addPathFlags(statusCmd.Flags())
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw state document")
	rootCmd.AddCommand(statusCmd)
}
