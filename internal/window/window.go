package window

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the calendar-day format used for window boundaries.
const DateLayout = "2006-01-02"

// Window is an inclusive calendar-day slice of a larger date range.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Key returns a stable identifier for the window, e.g. "2020-01-01..2020-01-03".
func (w Window) Key() string {
	return w.Start + ".." + w.End
}

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return t, nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func parseRange(start, end string) (time.Time, time.Time, error) {
	s, err := ParseDate(start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	e, err := ParseDate(end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if s.After(e) {
		return time.Time{}, time.Time{}, fmt.Errorf("start date %s is after end date %s", start, end)
	}
	return s, e, nil
}

// Days splits [start, end] into windows of n days each. The final window is
// truncated so that it ends exactly on end.
func Days(start, end string, n int) ([]Window, error) {
	if n < 1 {
		return nil, errors.New("window days must be a positive integer")
	}
	s, e, err := parseRange(start, end)
	if err != nil {
		return nil, err
	}

	// A width covering the whole range would overflow AddDate for huge n.
	if total := int(e.Sub(s).Hours()/24) + 1; n >= total {
		return []Window{{Start: formatDate(s), End: formatDate(e)}}, nil
	}

	var out []Window
	for cur := s; !cur.After(e); cur = cur.AddDate(0, 0, n) {
		last := cur.AddDate(0, 0, n-1)
		if last.After(e) {
			last = e
		}
		out = append(out, Window{Start: formatDate(cur), End: formatDate(last)})
	}
	return out, nil
}

// Months splits [start, end] into one window per calendar month touched. The
// first window starts at start and the last one ends at end.
func Months(start, end string) ([]Window, error) {
	s, e, err := parseRange(start, end)
	if err != nil {
		return nil, err
	}

	var out []Window
	cur := s
	for !cur.After(e) {
		monthStart := time.Date(cur.Year(), cur.Month(), 1, 0, 0, 0, 0, time.UTC)
		last := monthStart.AddDate(0, 1, -1)
		if last.After(e) {
			last = e
		}
		out = append(out, Window{Start: formatDate(cur), End: formatDate(last)})
		cur = last.AddDate(0, 0, 1)
	}
	return out, nil
}

// Partition uses fixed day windows when days > 0 and calendar months otherwise.
func Partition(start, end string, days int) ([]Window, error) {
	if days > 0 {
		return Days(start, end, days)
	}
	if days < 0 {
		return nil, errors.New("window days must be a positive integer")
	}
	return Months(start, end)
}

// Describe returns a one-line summary of a windowing plan.
func Describe(start, end string, days int, windows []Window) string {
	mode := "calendar months"
	if days > 0 {
		mode = fmt.Sprintf("%d-day windows", days)
	}
	return fmt.Sprintf("%s..%s split into %d window(s) by %s", start, end, len(windows), mode)
}
