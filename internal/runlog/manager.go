// Package runlog keeps the captured output of every stage attempt on disk,
// one directory per window, and prunes it by age and total size.
package runlog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	stdoutExt = ".out"
	stderrExt = ".err"
)

// Limits bounds what the manager keeps. Zero values disable a limit.
type Limits struct {
	MaxBytesPerStream int64
	Retention         time.Duration
	MaxTotalBytes     int64
}

// Location names one attempt of one stage of one window.
type Location struct {
	Window    string
	Stage     string
	AttemptID string
}

// Manager stores attempt output under a base directory.
type Manager struct {
	dir    string
	limits Limits
	now    func() time.Time
}

// NewManager creates a Manager rooted at dir.
func NewManager(dir string, limits Limits) *Manager {
	return &Manager{dir: dir, limits: limits, now: time.Now}
}

// Dir returns the base directory.
func (m *Manager) Dir() string { return m.dir }

// Paths returns the stdout and stderr files of loc.
func (m *Manager) Paths(loc Location) (stdout, stderr string) {
	base := filepath.Join(m.dir, sanitize(loc.Window), sanitize(loc.Stage)+"-"+sanitize(loc.AttemptID))
	return base + stdoutExt, base + stderrExt
}

// Open creates the output files of loc, truncating any previous content.
func (m *Manager) Open(loc Location) (*Attempt, error) {
	stdoutPath, stderrPath := m.Paths(loc)
	if err := os.MkdirAll(filepath.Dir(stdoutPath), 0755); err != nil {
		return nil, err
	}
	out, err := os.Create(stdoutPath)
	if err != nil {
		return nil, err
	}
	errf, err := os.Create(stderrPath)
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	return &Attempt{
		Stdout:     newCapped(out, m.limits.MaxBytesPerStream),
		Stderr:     newCapped(errf, m.limits.MaxBytesPerStream),
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	}, nil
}

// Output is the persisted output of one attempt.
type Output struct {
	Stdout string
	Stderr string
}

// Read loads the output of loc. A missing stream reads as empty; when both
// are missing the error wraps os.ErrNotExist.
func (m *Manager) Read(loc Location) (Output, error) {
	stdoutPath, stderrPath := m.Paths(loc)
	stdout, okOut, err := readOptional(stdoutPath)
	if err != nil {
		return Output{}, err
	}
	stderr, okErr, err := readOptional(stderrPath)
	if err != nil {
		return Output{}, err
	}
	if !okOut && !okErr {
		return Output{}, fmt.Errorf("no output for %s %s: %w", loc.Window, loc.AttemptID, os.ErrNotExist)
	}
	return Output{Stdout: stdout, Stderr: stderr}, nil
}

func readOptional(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return string(data), true, nil
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

// Cleanup deletes output older than the retention period, then the oldest
// output until the total fits MaxTotalBytes, and finally drops window
// directories left empty. It returns the number of files removed.
func (m *Manager) Cleanup() (int, error) {
	files, err := m.collect()
	if err != nil {
		return 0, err
	}

	removed := 0
	if m.limits.Retention > 0 {
		cutoff := m.now().Add(-m.limits.Retention)
		kept := files[:0]
		for _, f := range files {
			if f.modTime.Before(cutoff) && remove(f.path) {
				removed++
				continue
			}
			kept = append(kept, f)
		}
		files = kept
	}

	if m.limits.MaxTotalBytes > 0 {
		var total int64
		for _, f := range files {
			total += f.size
		}
		sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
		for _, f := range files {
			if total <= m.limits.MaxTotalBytes {
				break
			}
			if remove(f.path) {
				removed++
				total -= f.size
			}
		}
	}

	m.pruneEmptyDirs()
	return removed, nil
}

func (m *Manager) collect() ([]logFile, error) {
	var files []logFile
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if ext := filepath.Ext(path); ext != stdoutExt && ext != stderrExt {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, logFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return files, err
}

func (m *Manager) pruneEmptyDirs() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.dir, e.Name())
		if sub, err := os.ReadDir(dir); err == nil && len(sub) == 0 {
			_ = os.Remove(dir)
		}
	}
}

func remove(path string) bool {
	err := os.Remove(path)
	return err == nil || errors.Is(err, os.ErrNotExist)
}

// Attempt holds the open output streams of one attempt.
type Attempt struct {
	Stdout     *Capped
	Stderr     *Capped
	StdoutPath string
	StderrPath string
}

// Close closes both streams.
func (a *Attempt) Close() error {
	return errors.Join(a.Stdout.Close(), a.Stderr.Close())
}

// Capped writes to a file until it holds limit bytes and counts the rest as
// dropped. A limit of zero or less keeps everything.
type Capped struct {
	f       *os.File
	limit   int64
	written int64
	dropped int64
}

func newCapped(f *os.File, limit int64) *Capped {
	return &Capped{f: f, limit: limit}
}

// Write always reports len(p) so a child process never sees a short write.
func (c *Capped) Write(p []byte) (int, error) {
	keep := p
	if c.limit > 0 {
		room := c.limit - c.written
		if room < 0 {
			room = 0
		}
		if int64(len(p)) > room {
			keep = p[:room]
			c.dropped += int64(len(p)) - room
		}
	}
	if len(keep) > 0 {
		n, _ := c.f.Write(keep)
		c.written += int64(n)
	}
	return len(p), nil
}

// Written returns the number of bytes stored.
func (c *Capped) Written() int64 { return c.written }

// Dropped returns the number of bytes discarded over the limit.
func (c *Capped) Dropped() int64 { return c.dropped }

// Close appends a truncation marker when output was dropped and closes the
// file.
func (c *Capped) Close() error {
	var markErr error
	if c.dropped > 0 {
		_, markErr = fmt.Fprintf(c.f, "\n[truncated: %d bytes dropped]\n", c.dropped)
	}
	return errors.Join(markErr, c.f.Close())
}

// sanitize maps value to a safe single path segment.
func sanitize(value string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, value)
	s = strings.Trim(s, "._")
	if s == "" {
		return "unknown"
	}
	return s
}
