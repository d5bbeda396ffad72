// Package batch drives the per-window state machine: every window is run
// through the discover and parse stages in chronological order, with its
// status persisted before and after the work.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patrickspencer/backfill/internal/dedup"
	"github.com/patrickspencer/backfill/internal/realtime"
	"github.com/patrickspencer/backfill/internal/runlog"
	"github.com/patrickspencer/backfill/internal/runner"
	"github.com/patrickspencer/backfill/internal/state"
	"github.com/patrickspencer/backfill/internal/store"
	"github.com/patrickspencer/backfill/internal/window"
)

// Stage names.
const (
	StageDiscover = "discover"
	StageParse    = "parse"
)

// ErrWindowFailed is wrapped by Run when stop-on-error aborts the batch.
var ErrWindowFailed = errors.New("window failed")

// Options carries the per-batch parameters passed through to the stages.
type Options struct {
	Discover      []string
	Parse         []string
	Index         string
	PDFDir        string
	DownloadDelay string
	WorkDir       string
	DedupKeys     []string
	Force         bool
	StopOnError   bool
}

// Report counts what a batch did.
type Report struct {
	Windows   int
	Reset     int
	Executed  int
	Succeeded int
	Failed    int
	Skipped   int
}

// Batch runs all windows of a state store. History, Logs and Events are
// optional.
type Batch struct {
	RunID   string
	State   *state.Store
	Invoker *runner.Invoker
	History store.AttemptStore
	Logs    *runlog.Manager
	Events  *realtime.Broker
	Log     *zap.Logger
	Opts    Options
}

// Run processes every window in order. Window failures are recorded in the
// state file and only abort the batch when StopOnError is set. A cancelled
// context returns immediately and leaves the current window running on disk.
func (b *Batch) Run(ctx context.Context) (Report, error) {
	log := b.logger()
	rep := Report{Windows: b.State.Len()}

	n, err := b.State.ResetInterrupted()
	if err != nil {
		return rep, err
	}
	rep.Reset = n
	if n > 0 {
		log.Warn("reset interrupted windows to pending", zap.Int("count", n))
	}

	if b.Logs != nil {
		if n, err := b.Logs.Cleanup(); err != nil {
			log.Warn("attempt log cleanup failed", zap.Error(err))
		} else if n > 0 {
			log.Debug("pruned attempt logs", zap.Int("files", n))
		}
	}

	for i := 0; i < b.State.Len(); i++ {
		w := b.State.Window(i)
		if w.Status == state.StatusDone && !b.Opts.Force {
			rep.Skipped++
			log.Debug("window already done", zap.String("window", w.Bounds().Key()))
			continue
		}

		rep.Executed++
		failed, err := b.runWindow(ctx, i)
		if err != nil {
			return rep, err
		}
		if failed == nil {
			rep.Succeeded++
			continue
		}
		rep.Failed++
		if b.Opts.StopOnError {
			b.finished(rep, failed)
			return rep, failed
		}
	}
	b.finished(rep, nil)
	return rep, nil
}

func (b *Batch) finished(rep Report, err error) {
	evt := realtime.Event{
		Type:   realtime.EventBatchFinished,
		RunID:  b.RunID,
		Status: fmt.Sprintf("executed=%d succeeded=%d failed=%d skipped=%d", rep.Executed, rep.Succeeded, rep.Failed, rep.Skipped),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	b.Events.Publish(evt)
}

// runWindow executes window i. It returns a non-nil failure when a stage
// exhausted its retries, and a non-nil err for state IO errors or
// cancellation.
func (b *Batch) runWindow(ctx context.Context, i int) (failure error, err error) {
	log := b.logger()

	if err := b.State.MarkRunning(i); err != nil {
		return nil, err
	}
	w := b.State.Window(i)
	bounds := w.Bounds()
	wlog := log.With(zap.String("window", bounds.Key()), zap.Int("attempt", w.Attempts))
	wlog.Info("window running")
	b.Events.Publish(realtime.Event{
		Type:    realtime.EventWindowRunning,
		RunID:   b.RunID,
		Window:  bounds.Key(),
		Attempt: w.Attempts,
		Status:  string(state.StatusRunning),
	})

	for _, stage := range []string{StageDiscover, StageParse} {
		out, err := b.runStage(ctx, bounds, stage)
		if err != nil {
			wlog.Warn("window interrupted", zap.String("stage", stage), zap.Error(err))
			return nil, err
		}
		if out.OK {
			wlog.Debug("stage succeeded", zap.String("stage", stage), zap.Int("tries", out.Attempts))
			continue
		}

		if err := b.State.MarkFailed(i, out.Err); err != nil {
			return nil, err
		}
		wlog.Error("window failed",
			zap.String("stage", stage),
			zap.Int("tries", out.Attempts),
			zap.String("error", out.Err),
		)
		b.Events.Publish(realtime.Event{
			Type:    realtime.EventWindowFailed,
			RunID:   b.RunID,
			Window:  bounds.Key(),
			Stage:   stage,
			Attempt: w.Attempts,
			Status:  string(state.StatusFailed),
			Error:   out.Err,
		})
		return fmt.Errorf("%w: %s %s: %s", ErrWindowFailed, bounds.Key(), stage, out.Err), nil
	}

	if err := b.State.MarkDone(i); err != nil {
		return nil, err
	}
	wlog.Info("window done")
	b.Events.Publish(realtime.Event{
		Type:    realtime.EventWindowDone,
		RunID:   b.RunID,
		Window:  bounds.Key(),
		Attempt: w.Attempts,
		Status:  string(state.StatusDone),
	})
	b.dedupIndex(wlog)
	return nil, nil
}

func (b *Batch) runStage(ctx context.Context, w window.Window, stage string) (runner.Outcome, error) {
	inv := *b.Invoker
	inv.Hook = &attemptHook{ctx: ctx, batch: b, window: w}
	if inv.OnRetry == nil {
		log := b.logger()
		inv.OnRetry = func(step runner.Step, attempt int, msg string, next time.Duration) {
			log.Warn("stage attempt failed, retrying",
				zap.String("window", w.Key()),
				zap.String("stage", step.Label),
				zap.Int("try", attempt),
				zap.Int("of", inv.Policy.Attempts()),
				zap.Duration("delay", next),
				zap.String("error", msg),
			)
		}
	}
	return inv.Invoke(ctx, b.step(w, stage))
}

// step builds the command line for one stage of window w.
func (b *Batch) step(w window.Window, stage string) runner.Step {
	var argv []string
	switch stage {
	case StageDiscover:
		argv = append(argv, b.Opts.Discover...)
		argv = append(argv,
			"--start-date", w.Start,
			"--end-date", w.End,
			"--out", b.Opts.Index,
			"--append",
		)
	case StageParse:
		argv = append(argv, b.Opts.Parse...)
		argv = append(argv,
			"--start-date", w.Start,
			"--end-date", w.End,
			"--out", b.Opts.Index,
			"--pdf-dir", b.Opts.PDFDir,
			"--download-delay", b.Opts.DownloadDelay,
		)
	}
	return runner.Step{
		Label: stage,
		Argv:  argv,
		Env: map[string]string{
			"BACKFILL_STAGE":        stage,
			"BACKFILL_WINDOW_START": w.Start,
			"BACKFILL_WINDOW_END":   w.End,
			"BACKFILL_RUN_ID":       b.RunID,
		},
	}
}

func (b *Batch) dedupIndex(log *zap.Logger) {
	stats, err := dedup.File(b.Opts.Index, b.Opts.DedupKeys)
	if err != nil {
		log.Warn("dedup pass skipped", zap.String("index", b.Opts.Index), zap.Error(err))
		return
	}
	log.Info("dedup pass",
		zap.String("index", b.Opts.Index),
		zap.Int("lines", stats.Lines),
		zap.Int("kept", stats.Kept),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("malformed", stats.Malformed),
	)
}

func (b *Batch) logger() *zap.Logger {
	if b.Log == nil {
		return zap.NewNop()
	}
	return b.Log
}
