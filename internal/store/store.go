package store

import (
	"context"
	"time"
)

// Attempt status values.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Attempt is a single execution of one stage for one window.
type Attempt struct {
	ID          string
	RunID       string
	WindowStart string
	WindowEnd   string
	Stage       string // "discover", "parse"
	Attempt     int
	Status      string // "running", "success", "failure"
	ExitCode    int
	StartedAt   time.Time
	FinishedAt  *time.Time
	DurationMs  int64
	StdoutTail  string
	StderrTail  string
	ErrorMsg    string
	CreatedAt   time.Time
}

// ListOpts controls filtering and pagination for attempt queries.
type ListOpts struct {
	WindowStart string
	Stage       string
	RunID       string
	Limit       int
	Offset      int
}

// WindowStats holds aggregate statistics for a window.
type WindowStats struct {
	TotalAttempts int
	Successes     int
	Failures      int
	LastAttempt   *time.Time
	AvgDurationMs float64
}

// AttemptStore persists and queries stage attempts.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, a *Attempt) error
	GetAttempt(ctx context.Context, id string) (*Attempt, error)
	ListAttempts(ctx context.Context, opts ListOpts) ([]*Attempt, error)
	GetWindowStats(ctx context.Context, start, end string) (*WindowStats, error)
}
