package state

import (
	"time"

	"github.com/patrickspencer/backfill/internal/window"
)

// Status is the execution status of a single window.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Window is the persisted progress record for one scheduling slice.
type Window struct {
	Start     string    `json:"start"`
	End       string    `json:"end"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bounds returns the calendar boundaries of the window.
func (w Window) Bounds() window.Window {
	return window.Window{Start: w.Start, End: w.End}
}

// Config is the invocation that produced the window list, stored verbatim.
type Config struct {
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	WindowDays int    `json:"window_days"`
}

// RunState is the single JSON document persisted between invocations.
type RunState struct {
	Windows   []Window  `json:"windows"`
	Config    Config    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary counts windows by status.
type Summary struct {
	Total   int
	Pending int
	Running int
	Done    int
	Failed  int
}

// Summarize counts the windows of rs by status.
func (rs *RunState) Summarize() Summary {
	s := Summary{Total: len(rs.Windows)}
	for _, w := range rs.Windows {
		switch w.Status {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusDone:
			s.Done++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

func newRunState(cfg Config, windows []window.Window, now time.Time) *RunState {
	rs := &RunState{
		Windows:   make([]Window, 0, len(windows)),
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, w := range windows {
		rs.Windows = append(rs.Windows, Window{
			Start:     w.Start,
			End:       w.End,
			Status:    StatusPending,
			UpdatedAt: now,
		})
	}
	return rs
}

// sameWindowSet reports whether persisted and planned hold the same set of
// (start, end) pairs, ignoring order.
func sameWindowSet(persisted []Window, planned []window.Window) bool {
	if len(persisted) != len(planned) {
		return false
	}
	seen := make(map[string]int, len(planned))
	for _, w := range planned {
		seen[w.Key()]++
	}
	for _, w := range persisted {
		k := w.Bounds().Key()
		if seen[k] == 0 {
			return false
		}
		seen[k]--
	}
	return true
}
