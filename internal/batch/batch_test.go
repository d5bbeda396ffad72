package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/patrickspencer/backfill/internal/config"
	"github.com/patrickspencer/backfill/internal/realtime"
	"github.com/patrickspencer/backfill/internal/runlog"
	"github.com/patrickspencer/backfill/internal/runner"
	"github.com/patrickspencer/backfill/internal/state"
	"github.com/patrickspencer/backfill/internal/store"
	"github.com/patrickspencer/backfill/internal/window"
)

type call struct {
	Stage   string
	Start   string
	Attempt int
}

// fakeExec plays the discover and parse stages. Discover appends one record
// per window plus a record shared by every window, so each dedup pass has a
// duplicate to collapse.
type fakeExec struct {
	index string
	calls []call
	// fail returns a stderr message for attempts that should fail.
	fail func(c call) string
	// onCall runs before the result is produced.
	onCall func(c call)
}

func envValue(env []string, key string) string {
	for _, e := range env {
		if k, v, ok := strings.Cut(e, "="); ok && k == key {
			return v
		}
	}
	return ""
}

func (f *fakeExec) Run(_ context.Context, _ []string, env []string, opts *runner.RunOptions) *runner.Result {
	attempt, _ := strconv.Atoi(envValue(env, "BACKFILL_ATTEMPT"))
	c := call{
		Stage:   envValue(env, "BACKFILL_STAGE"),
		Start:   envValue(env, "BACKFILL_WINDOW_START"),
		Attempt: attempt,
	}
	f.calls = append(f.calls, c)
	if f.onCall != nil {
		f.onCall(c)
	}
	if opts != nil && opts.ExtraStdout != nil {
		fmt.Fprintf(opts.ExtraStdout, "%s %s try %d\n", c.Stage, c.Start, c.Attempt)
	}
	if f.fail != nil {
		if msg := f.fail(c); msg != "" {
			return &runner.Result{ExitCode: 1, Error: "exit status 1", Stderr: msg + "\n"}
		}
	}
	if c.Stage == StageDiscover {
		fh, err := os.OpenFile(f.index, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return &runner.Result{ExitCode: -1, Error: err.Error()}
		}
		fmt.Fprintf(fh, "{\"url\":\"https://example.test/%s\"}\n{\"url\":\"https://example.test/shared\"}\n", c.Start)
		fh.Close()
	}
	return &runner.Result{}
}

type fixture struct {
	dir     string
	exec    *fakeExec
	history *store.SQLiteStore
	cfg     state.Config
	windows []window.Window
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	hs, err := store.NewSQLiteStore(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { hs.Close() })

	cfg := state.Config{StartDate: "2020-01-01", EndDate: "2020-01-10", WindowDays: 3}
	ws, err := window.Partition(cfg.StartDate, cfg.EndDate, cfg.WindowDays)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	return &fixture{
		dir:     dir,
		exec:    &fakeExec{index: filepath.Join(dir, "index.jsonl")},
		history: hs,
		cfg:     cfg,
		windows: ws,
	}
}

func (f *fixture) statePath() string {
	return filepath.Join(f.dir, "state.json")
}

func (f *fixture) batch(t *testing.T, retries int, opts Options) *Batch {
	t.Helper()
	st, _, err := state.Open(f.statePath(), f.cfg, f.windows)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	inv := runner.NewInvoker(f.exec, runner.Policy{Retries: retries, Delay: time.Minute})
	inv.Sleep = func(context.Context, time.Duration) error { return nil }

	opts.Discover = []string{"discover"}
	opts.Parse = []string{"parse"}
	opts.Index = f.exec.index
	return &Batch{
		RunID:   store.NewID(),
		State:   st,
		Invoker: inv,
		History: f.history,
		Logs:    runlog.NewManager(filepath.Join(f.dir, "logs"), runlog.Limits{MaxBytesPerStream: 1024}),
		Opts:    opts,
	}
}

func (f *fixture) readState(t *testing.T) *state.RunState {
	t.Helper()
	rs, err := state.Read(f.statePath())
	if err != nil {
		t.Fatalf("state.Read: %v", err)
	}
	return rs
}

func TestRunExecutesWindowsInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rep, err := f.batch(t, 2, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff(Report{Windows: 4, Executed: 4, Succeeded: 4}, rep); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}

	var want []call
	for _, w := range f.windows {
		want = append(want,
			call{Stage: StageDiscover, Start: w.Start, Attempt: 1},
			call{Stage: StageParse, Start: w.Start, Attempt: 1},
		)
	}
	if diff := cmp.Diff(want, f.exec.calls); diff != "" {
		t.Fatalf("call order mismatch (-want +got):\n%s", diff)
	}

	for _, w := range f.readState(t).Windows {
		if w.Status != state.StatusDone || w.Attempts != 1 || w.LastError != "" {
			t.Fatalf("unexpected window state: %+v", w)
		}
	}

	data, err := os.ReadFile(f.exec.index)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 4 window records plus 1 shared after dedup, got %d:\n%s", len(lines), data)
	}
	if lines[1] != `{"url":"https://example.test/shared"}` {
		t.Fatalf("expected shared record kept at first position, got %q", lines[1])
	}

	attempts, err := f.history.ListAttempts(context.Background(), store.ListOpts{})
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 8 {
		t.Fatalf("expected 8 recorded attempts, got %d", len(attempts))
	}
	for _, a := range attempts {
		if a.Status != store.StatusSuccess || a.FinishedAt == nil {
			t.Fatalf("attempt not finalized: %+v", a)
		}
	}
}

func TestRunPublishesProgressEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exec.fail = func(c call) string {
		if c.Start == "2020-01-01" && c.Stage == StageParse && c.Attempt == 1 {
			return "flaky"
		}
		return ""
	}
	b := f.batch(t, 1, Options{})
	b.Events = realtime.NewBroker()
	events, cancel := b.Events.Subscribe(64)
	defer cancel()

	if _, err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	b.Events.Close()

	type brief struct {
		Type    string
		Window  string
		Stage   string
		Attempt int
		Status  string
		Error   string
	}
	var got []brief
	for evt := range events {
		if evt.RunID != b.RunID {
			t.Errorf("event %d has run id %q", evt.ID, evt.RunID)
		}
		got = append(got, brief{evt.Type, evt.Window, evt.Stage, evt.Attempt, evt.Status, evt.Error})
	}

	key := f.windows[0].Key()
	wantFirst := []brief{
		{Type: realtime.EventWindowRunning, Window: key, Attempt: 1, Status: "running"},
		{Type: realtime.EventStageAttempt, Window: key, Stage: StageDiscover, Attempt: 1, Status: store.StatusSuccess},
		{Type: realtime.EventStageAttempt, Window: key, Stage: StageParse, Attempt: 1, Status: store.StatusFailure, Error: "exit status 1: flaky"},
		{Type: realtime.EventStageAttempt, Window: key, Stage: StageParse, Attempt: 2, Status: store.StatusSuccess},
		{Type: realtime.EventWindowDone, Window: key, Attempt: 1, Status: "done"},
	}
	if len(got) != 5+3*4+1 {
		t.Fatalf("got %d events, want %d: %+v", len(got), 5+3*4+1, got)
	}
	if diff := cmp.Diff(wantFirst, got[:5]); diff != "" {
		t.Errorf("first window events (-want +got):\n%s", diff)
	}
	if last := got[len(got)-1]; last.Type != realtime.EventBatchFinished || last.Error != "" {
		t.Errorf("last event = %+v, want clean batch_finished", last)
	}
}

func TestDiscoverFailureMarksWindowFailedAndContinues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exec.fail = func(c call) string {
		if c.Stage == StageDiscover && c.Start == "2020-01-04" {
			return fmt.Sprintf("boom %d", c.Attempt)
		}
		return ""
	}

	rep, err := f.batch(t, 2, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Failed != 1 || rep.Succeeded != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	rs := f.readState(t)
	failed := rs.Windows[1]
	if failed.Status != state.StatusFailed {
		t.Fatalf("expected failed status, got %s", failed.Status)
	}
	if got, want := failed.LastError, "exit status 1: boom 3"; got != want {
		t.Fatalf("expected last_error %q, got %q", want, got)
	}
	if failed.Attempts != 1 {
		t.Fatalf("window attempts count invocations, not retries: got %d", failed.Attempts)
	}
	if rs.Windows[2].Status != state.StatusDone {
		t.Fatalf("expected later window to run, got %s", rs.Windows[2].Status)
	}

	discoverTries := 0
	for _, c := range f.exec.calls {
		if c.Start != "2020-01-04" {
			continue
		}
		if c.Stage == StageParse {
			t.Fatal("parse must not run after discover failed")
		}
		discoverTries++
	}
	if discoverTries != 3 {
		t.Fatalf("expected retries+1 = 3 discover tries, got %d", discoverTries)
	}

	hist, err := f.history.ListAttempts(context.Background(), store.ListOpts{WindowStart: "2020-01-04"})
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(hist))
	}
	for _, a := range hist {
		if a.Status != store.StatusFailure || !strings.HasPrefix(a.ErrorMsg, "exit status 1: boom") {
			t.Fatalf("unexpected history row: %+v", a)
		}
	}

	// A second invocation retries the failed window only.
	f.exec.fail = nil
	f.exec.calls = nil
	rep, err = f.batch(t, 2, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Executed != 1 || rep.Skipped != 3 {
		t.Fatalf("expected only the failed window to rerun, got %+v", rep)
	}
	w := f.readState(t).Windows[1]
	if w.Status != state.StatusDone || w.LastError != "" || w.Attempts != 2 {
		t.Fatalf("unexpected window after retry: %+v", w)
	}
}

func TestParseFailureFailsWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exec.fail = func(c call) string {
		if c.Stage == StageParse && c.Start == "2020-01-01" {
			return "parse broke"
		}
		return ""
	}
	if _, err := f.batch(t, 0, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	w := f.readState(t).Windows[0]
	if w.Status != state.StatusFailed || w.LastError != "exit status 1: parse broke" {
		t.Fatalf("unexpected window: %+v", w)
	}
}

func TestStopOnErrorAbortsBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exec.fail = func(c call) string {
		if c.Start == "2020-01-04" {
			return "nope"
		}
		return ""
	}

	rep, err := f.batch(t, 1, Options{StopOnError: true}).Run(context.Background())
	if !errors.Is(err, ErrWindowFailed) {
		t.Fatalf("expected ErrWindowFailed, got %v", err)
	}
	if rep.Executed != 2 || rep.Failed != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	rs := f.readState(t)
	for _, w := range rs.Windows[2:] {
		if w.Status != state.StatusPending || w.Attempts != 0 {
			t.Fatalf("expected untouched window after abort: %+v", w)
		}
	}
}

func TestForceRerunsDoneWindows(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.batch(t, 0, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	f.exec.calls = nil
	rep, err := f.batch(t, 0, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Skipped != 4 || len(f.exec.calls) != 0 {
		t.Fatalf("expected all windows skipped, got %+v with %d calls", rep, len(f.exec.calls))
	}

	rep, err = f.batch(t, 0, Options{Force: true}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Executed != 4 || rep.Skipped != 0 {
		t.Fatalf("expected forced rerun of all windows, got %+v", rep)
	}
	for _, w := range f.readState(t).Windows {
		if w.Attempts != 2 {
			t.Fatalf("expected attempts to grow on forced rerun: %+v", w)
		}
	}
}

func TestInterruptedWindowResumes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.exec.onCall = func(c call) {
		if c.Start == "2020-01-04" && c.Stage == StageParse {
			cancel()
		}
	}
	f.exec.fail = func(c call) string {
		if c.Start == "2020-01-04" && c.Stage == StageParse {
			return "killed"
		}
		return ""
	}

	_, err := f.batch(t, 3, Options{}).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	rs := f.readState(t)
	if rs.Windows[0].Status != state.StatusDone {
		t.Fatalf("expected first window done, got %s", rs.Windows[0].Status)
	}
	if rs.Windows[1].Status != state.StatusRunning || rs.Windows[1].Attempts != 1 {
		t.Fatalf("expected interrupted window left running: %+v", rs.Windows[1])
	}

	f.exec.onCall = nil
	f.exec.fail = nil
	f.exec.calls = nil
	rep, err := f.batch(t, 3, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Reset != 1 || rep.Skipped != 1 || rep.Executed != 3 {
		t.Fatalf("unexpected resume report: %+v", rep)
	}
	rs = f.readState(t)
	if rs.Windows[0].Attempts != 1 {
		t.Fatalf("done window must be untouched: %+v", rs.Windows[0])
	}
	if rs.Windows[1].Status != state.StatusDone || rs.Windows[1].Attempts != 2 {
		t.Fatalf("expected resumed window done on its second attempt: %+v", rs.Windows[1])
	}
}

func TestNewRunsRealCommands(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.StartDate = "2020-01-30"
	cfg.EndDate = "2020-03-02"
	cfg.WindowDays = 0
	cfg.State = filepath.Join(dir, "state.json")
	cfg.Index = filepath.Join(dir, "index.jsonl")
	cfg.PDFDir = filepath.Join(dir, "pdfs")
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.RunLogs.Dir = filepath.Join(dir, "logs")
	// Positional parameters: $2 start date, $6 index path.
	cfg.Commands.Discover = []string{"sh", "-c", `printf '{"url":"%s"}\n{"url":"%s"}\n' "$2" "$2" >> "$6"`, "discover"}
	cfg.Commands.Parse = []string{"sh", "-c", `test "$BACKFILL_STAGE" = parse && test -n "$BACKFILL_RUN_ID"`, "parse"}

	b, closeFn, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeFn()

	rep, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Windows != 3 || rep.Succeeded != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	data, err := os.ReadFile(cfg.Index)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	want := "{\"url\":\"2020-01-30\"}\n{\"url\":\"2020-02-01\"}\n{\"url\":\"2020-03-01\"}\n"
	if diff := cmp.Diff(want, string(data)); diff != "" {
		t.Fatalf("index mismatch (-want +got):\n%s", diff)
	}

	stats, err := b.History.GetWindowStats(context.Background(), "2020-02-01", "2020-02-29")
	if err != nil {
		t.Fatalf("GetWindowStats: %v", err)
	}
	if stats.TotalAttempts != 2 || stats.Successes != 2 {
		t.Fatalf("unexpected window stats: %+v", stats)
	}

	entries, err := os.ReadDir(filepath.Join(cfg.RunLogs.Dir, "2020-02-01..2020-02-29"))
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected stdout/stderr files for two stages, got %d", len(entries))
	}
}

func TestNewRejectsBadConfigBeforeTouchingState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.StartDate = "2020-02-01"
	cfg.EndDate = "2020-01-01"
	cfg.State = filepath.Join(dir, "state.json")
	cfg.Commands.Discover = []string{"true"}
	cfg.Commands.Parse = []string{"true"}

	if _, _, err := New(cfg, nil); err == nil {
		t.Fatal("expected configuration error")
	}
	if _, err := os.Stat(cfg.State); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("state file must not be created, stat err=%v", err)
	}
}
