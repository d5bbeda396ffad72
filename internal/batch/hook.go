package batch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/patrickspencer/backfill/internal/realtime"
	"github.com/patrickspencer/backfill/internal/runlog"
	"github.com/patrickspencer/backfill/internal/runner"
	"github.com/patrickspencer/backfill/internal/store"
	"github.com/patrickspencer/backfill/internal/window"
)

// attemptHook records every stage attempt in the history store and tees its
// output to per-attempt log files. Failures here are logged, never fatal.
type attemptHook struct {
	ctx    context.Context
	batch  *Batch
	window window.Window

	current *store.Attempt
	writers *runlog.Attempt
}

func (h *attemptHook) Before(step runner.Step, attempt int) *runner.RunOptions {
	b := h.batch
	log := b.logger()
	opts := &runner.RunOptions{WorkDir: b.Opts.WorkDir}

	h.current = &store.Attempt{
		ID:          store.NewID(),
		RunID:       b.RunID,
		WindowStart: h.window.Start,
		WindowEnd:   h.window.End,
		Stage:       step.Label,
		Attempt:     attempt,
		Status:      store.StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	if b.History != nil {
		if err := b.History.RecordAttempt(context.WithoutCancel(h.ctx), h.current); err != nil {
			log.Warn("failed to record attempt start", zap.Error(err))
		}
	}

	h.writers = nil
	if b.Logs != nil {
		w, err := b.Logs.Open(runlog.Location{
			Window:    h.window.Key(),
			Stage:     step.Label,
			AttemptID: h.current.ID,
		})
		if err != nil {
			log.Warn("failed to open attempt log files", zap.Error(err))
		} else {
			h.writers = w
			opts.ExtraStdout = w.Stdout
			opts.ExtraStderr = w.Stderr
		}
	}
	return opts
}

func (h *attemptHook) After(step runner.Step, attempt int, res *runner.Result) {
	b := h.batch
	log := b.logger()

	if h.writers != nil {
		if err := h.writers.Close(); err != nil {
			log.Warn("failed to close attempt log files", zap.Error(err))
		}
		h.writers = nil
	}

	a := h.current
	if a == nil {
		return
	}
	finished := time.Now().UTC()
	a.FinishedAt = &finished
	a.ExitCode = res.ExitCode
	a.DurationMs = res.DurationMs
	a.StdoutTail = res.Stdout
	a.StderrTail = res.Stderr
	a.ErrorMsg = res.Message()
	a.Status = store.StatusSuccess
	if res.Failed() {
		a.Status = store.StatusFailure
	}

	if b.History != nil {
		if err := b.History.RecordAttempt(context.WithoutCancel(h.ctx), a); err != nil {
			log.Warn("failed to record attempt result", zap.Error(err))
		}
	}
	b.Events.Publish(realtime.Event{
		Type:    realtime.EventStageAttempt,
		RunID:   b.RunID,
		Window:  h.window.Key(),
		Stage:   step.Label,
		Attempt: attempt,
		Status:  a.Status,
		Error:   a.ErrorMsg,
	})
	h.current = nil
}
