package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/patrickspencer/backfill/internal/batch"
	"github.com/patrickspencer/backfill/internal/config"
	"github.com/patrickspencer/backfill/internal/logging"
	"github.com/patrickspencer/backfill/internal/realtime"
)

var runProgress bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the backfill once (the default command)",
	RunE:  runBatch,
}

func init() {
	addBatchFlags(runCmd.Flags())
	runCmd.Flags().BoolVar(&runProgress, "progress", false, "stream progress events to stdout as JSON lines")
	rootCmd.AddCommand(runCmd)
}

func runBatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
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

	var progress io.Writer
	if runProgress {
		progress = cmd.OutOrStdout()
	}
	return executeBatch(ctx, cfg, log, progress)
}

// executeBatch runs one full pass over the configured windows. Progress
// events are written to progress as JSON lines when it is non-nil.
func executeBatch(ctx context.Context, cfg *config.Config, log *zap.Logger, progress io.Writer) error {
	b, closeFn, err := batch.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			log.Warn("closing attempt history", zap.Error(err))
		}
	}()

	if progress != nil {
		b.Events = realtime.NewBroker()
		events, cancel := b.Events.Subscribe(256)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			enc := json.NewEncoder(progress)
			for evt := range events {
				if err := enc.Encode(evt); err != nil {
					log.Warn("writing progress event", zap.Error(err))
				}
			}
		}()
		defer func() {
			b.Events.Close()
			<-done
		}()
	}

	rep, err := b.Run(ctx)
	fields := []zap.Field{
		zap.String("run_id", b.RunID),
		zap.Int("windows", rep.Windows),
		zap.Int("executed", rep.Executed),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
		zap.Int("skipped", rep.Skipped),
		zap.Int("reset", rep.Reset),
	}
	switch {
	case errors.Is(err, context.Canceled):
		log.Warn("batch interrupted, rerun to resume", fields...)
		return err
	case err != nil:
		log.Error("batch aborted", append(fields, zap.Error(err))...)
		return err
	}

	snap := b.State.Snapshot()
	s := snap.Summarize()
	log.Info("batch finished", append(fields,
		zap.Int("done", s.Done),
		zap.Int("pending_or_failed", s.Pending+s.Failed),
	)...)
	if s.Failed > 0 {
		log.Warn("some windows failed; rerun to retry them", zap.Int("failed", s.Failed))
	}
	return nil
}
