package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickspencer/backfill/internal/window"
)

// Outcome describes what Open did with the state file.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeResumed Outcome = "resumed"
	OutcomeRebuilt Outcome = "rebuilt"
)

// OpenResult reports how the state was obtained.
type OpenResult struct {
	Outcome Outcome
	// Discarded is the number of done windows thrown away by a rebuild.
	Discarded int
}

// Store owns the run state document at a single path. Every mutation
// rewrites the whole file before returning.
//
// There is no locking: two processes sharing one state file will race.
type Store struct {
	path  string
	now   func() time.Time
	state *RunState
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads the state at path and reconciles it against the planned
// windows. A missing file produces a fresh state, written immediately. A
// persisted window set that differs from planned is discarded and rebuilt.
func Open(path string, cfg Config, planned []window.Window, opts ...Option) (*Store, OpenResult, error) {
	s := &Store{
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	existing, err := Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.state = newRunState(cfg, planned, s.now())
		return s, OpenResult{Outcome: OutcomeCreated}, s.save()
	case err != nil:
		return nil, OpenResult{}, err
	}

	if !sameWindowSet(existing.Windows, planned) {
		discarded := existing.Summarize().Done
		s.state = newRunState(cfg, planned, s.now())
		return s, OpenResult{Outcome: OutcomeRebuilt, Discarded: discarded}, s.save()
	}

	s.state = existing
	if existing.Config != cfg {
		existing.Config = cfg
		return s, OpenResult{Outcome: OutcomeResumed}, s.touch(s.now())
	}
	return s, OpenResult{Outcome: OutcomeResumed}, nil
}

// Read loads a state document without reconciling it.
func Read(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rs RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	return &rs, nil
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of windows.
func (s *Store) Len() int {
	return len(s.state.Windows)
}

// Window returns a copy of the i-th window.
func (s *Store) Window(i int) Window {
	return s.state.Windows[i]
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() RunState {
	cp := *s.state
	cp.Windows = append([]Window(nil), s.state.Windows...)
	return cp
}

// ResetInterrupted moves every running window back to pending and returns
// how many were reset. Attempt counts are left untouched.
func (s *Store) ResetInterrupted() (int, error) {
	now := s.now()
	n := 0
	for i := range s.state.Windows {
		w := &s.state.Windows[i]
		if w.Status != StatusRunning {
			continue
		}
		w.Status = StatusPending
		w.UpdatedAt = now
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.touch(now)
}

// MarkRunning increments the attempt counter of window i and persists it
// before any work on the window starts.
func (s *Store) MarkRunning(i int) error {
	now := s.now()
	w := &s.state.Windows[i]
	w.Status = StatusRunning
	w.Attempts++
	w.UpdatedAt = now
	return s.touch(now)
}

// MarkDone records a successful window and clears its last error.
func (s *Store) MarkDone(i int) error {
	now := s.now()
	w := &s.state.Windows[i]
	w.Status = StatusDone
	w.LastError = ""
	w.UpdatedAt = now
	return s.touch(now)
}

// MarkFailed records a failed window with the failure message.
func (s *Store) MarkFailed(i int, msg string) error {
	now := s.now()
	w := &s.state.Windows[i]
	w.Status = StatusFailed
	w.LastError = msg
	w.UpdatedAt = now
	return s.touch(now)
}

func (s *Store) touch(now time.Time) error {
	s.state.UpdatedAt = now
	return s.save()
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating state dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing state file %s: %w", s.path, err)
	}
	return nil
}
