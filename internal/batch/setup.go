package batch

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/patrickspencer/backfill/internal/config"
	"github.com/patrickspencer/backfill/internal/runlog"
	"github.com/patrickspencer/backfill/internal/runner"
	"github.com/patrickspencer/backfill/internal/state"
	"github.com/patrickspencer/backfill/internal/store"
	"github.com/patrickspencer/backfill/internal/window"
)

// Plan partitions the configured date range.
func Plan(cfg *config.Config) ([]window.Window, error) {
	if err := cfg.ValidateRange(); err != nil {
		return nil, err
	}
	return window.Partition(cfg.StartDate, cfg.EndDate, cfg.WindowDays)
}

// New validates cfg, opens the state file and the optional history and log
// stores, and returns a ready Batch. The returned close function releases
// the history database.
func New(cfg *config.Config, log *zap.Logger) (*Batch, func() error, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	delay, err := cfg.ParseRetryDelay()
	if err != nil {
		return nil, nil, err
	}
	timeout, err := cfg.ParseTimeout()
	if err != nil {
		return nil, nil, err
	}

	windows, err := Plan(cfg)
	if err != nil {
		return nil, nil, err
	}
	log.Info(window.Describe(cfg.StartDate, cfg.EndDate, cfg.WindowDays, windows))

	st, res, err := state.Open(cfg.State, state.Config{
		StartDate:  cfg.StartDate,
		EndDate:    cfg.EndDate,
		WindowDays: cfg.WindowDays,
	}, windows)
	if err != nil {
		return nil, nil, fmt.Errorf("opening state: %w", err)
	}
	switch res.Outcome {
	case state.OutcomeRebuilt:
		log.Warn("window plan changed, state rebuilt from scratch",
			zap.String("state", cfg.State),
			zap.Int("discarded_done", res.Discarded),
		)
	default:
		log.Info("state "+string(res.Outcome), zap.String("state", cfg.State))
	}

	b := &Batch{
		RunID:   store.NewID(),
		State:   st,
		Invoker: runner.NewInvoker(runner.NewRunner(timeout), runner.Policy{Retries: cfg.RetryCount(), Delay: delay}),
		Log:     log,
		Opts: Options{
			Discover:      cfg.Commands.Discover,
			Parse:         cfg.Commands.Parse,
			Index:         cfg.Index,
			PDFDir:        cfg.PDFDir,
			DownloadDelay: cfg.DownloadDelay,
			WorkDir:       cfg.Commands.WorkingDir,
			DedupKeys:     cfg.DedupKeys,
			Force:         cfg.Force,
			StopOnError:   cfg.StopOnError,
		},
	}

	closeFn := func() error { return nil }
	if cfg.History.IsEnabled() {
		hs, err := store.NewSQLiteStore(cfg.History.Path)
		if err != nil {
			log.Warn("attempt history disabled", zap.String("path", cfg.History.Path), zap.Error(err))
		} else {
			b.History = hs
			closeFn = hs.Close
		}
	}
	if cfg.RunLogs.IsEnabled() {
		b.Logs = runlog.NewManager(cfg.RunLogs.Dir, cfg.RunLogs.Limits())
	}

	return b, closeFn, nil
}
