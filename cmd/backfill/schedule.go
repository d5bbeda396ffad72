package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/patrickspencer/backfill/internal/config"
	"github.com/patrickspencer/backfill/internal/logging"
	"github.com/patrickspencer/backfill/internal/scheduler"
)

var scheduleExpr string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the backfill repeatedly on a cron schedule",
	Long: `schedule keeps running and starts a full backfill pass each time the cron
expression fires. Each pass resumes from the state file, so windows that
failed earlier are retried. Passes never overlap.

The end date is fixed when the scheduler starts. Without --end-date or
end_date it is the current UTC day at startup, so later passes keep the same
window plan instead of rebuilding the state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		sched, err := scheduler.ParseSchedule(scheduleExpr)
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		endDate := cfg.EndDate
		s := scheduler.NewScheduler(sched, func(ctx context.Context, at time.Time) {
			log.Info("scheduled pass starting", zap.Time("at", at))
			passCfg, err := passConfig(cmd, endDate)
			if err != nil {
				log.Error("reloading config", zap.Error(err))
				return
			}
			if err := executeBatch(ctx, passCfg, log, nil); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("scheduled pass failed", zap.Error(err))
			}
		})
		log.Info("scheduler started", zap.String("cron", scheduleExpr),
			zap.String("end_date", endDate), zap.Time("next", s.Next()))

		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info("scheduler stopped")
		return nil
	},
}

// passConfig reloads the config for one scheduled pass with the end date
// pinned to the value resolved at startup.
func passConfig(cmd *cobra.Command, endDate string) (*config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.EndDate = endDate
	return cfg, nil
}

func init() {
	addBatchFlags(scheduleCmd.Flags())
	scheduleCmd.Flags().StringVar(&scheduleExpr, "cron", "", "cron expression (5 fields or a descriptor like @daily)")
	_ = scheduleCmd.MarkFlagRequired("cron")
	rootCmd.AddCommand(scheduleCmd)
}
