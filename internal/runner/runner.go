package runner

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// tailBytes is how much of each stream a Result keeps.
const tailBytes = 64 * 1024

// tail keeps the last max bytes written to it.
type tail struct {
	max int
	b   []byte
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) Write(p []byte) (int, error) {
	t.b = append(t.b, p...)
	if over := len(t.b) - t.max; over > 0 {
		t.b = append(t.b[:0], t.b[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	return string(t.b)
}

// Result holds the outcome of one subprocess execution.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	Error      string
}

// Failed reports whether the process exited non-zero or could not run.
func (r *Result) Failed() bool {
	return r.ExitCode != 0 || r.Error != ""
}

// Message returns the failure text: the exec error followed by the last
// non-empty stderr line when there is one.
func (r *Result) Message() string {
	if !r.Failed() {
		return ""
	}
	msg := r.Error
	if msg == "" {
		msg = "exit status " + strconv.Itoa(r.ExitCode)
	}
	if tail := lastLine(r.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// Executor runs a single command. *Runner is the production implementation.
type Executor interface {
	Run(ctx context.Context, argv []string, env []string, opts *RunOptions) *Result
}

// RunOptions controls optional output destinations for a command run.
type RunOptions struct {
	ExtraStdout io.Writer
	ExtraStderr io.Writer
	WorkDir     string
}

// Runner executes external commands.
type Runner struct {
	// Timeout bounds each execution; zero means no limit.
	Timeout time.Duration
}

// NewRunner creates a new Runner.
func NewRunner(timeout time.Duration) *Runner {
	return &Runner{Timeout: timeout}
}

// Run executes argv with env. Only the tail of stdout/stderr is kept in the
// result; full output goes to the extra writers in opts.
func (r *Runner) Run(ctx context.Context, argv []string, env []string, opts *RunOptions) *Result {
	if len(argv) == 0 {
		return &Result{ExitCode: -1, Error: "empty command"}
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	// Grandchildren holding the output pipes must not stall Wait after a kill.
	cmd.WaitDelay = 2 * time.Second
	if opts != nil && opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	stdoutBuf := newTail(tailBytes)
	stderrBuf := newTail(tailBytes)
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf
	if opts != nil {
		cmd.Stdout = tee(stdoutBuf, opts.ExtraStdout)
		cmd.Stderr = tee(stderrBuf, opts.ExtraStderr)
	}

	start := time.Now()
	err := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	result := &Result{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		DurationMs: durationMs,
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.Error = "timeout"
		} else {
			result.Error = err.Error()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}

	return result
}

// tee copies into extra when it is set. Errors from extra are ignored so a
// broken log file never fails the command.
func tee(primary *tail, extra io.Writer) io.Writer {
	if extra == nil {
		return primary
	}
	return io.MultiWriter(primary, ignoreErrors{extra})
}

type ignoreErrors struct{ w io.Writer }

func (i ignoreErrors) Write(p []byte) (int, error) {
	_, _ = i.w.Write(p)
	return len(p), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
