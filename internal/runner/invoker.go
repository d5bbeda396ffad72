package runner

import (
	"context"
	"strconv"
	"time"
)

// Policy is a constant-delay retry budget. Retries is the number of extra
// attempts after the first one.
type Policy struct {
	Retries int
	Delay   time.Duration
}

// Attempts returns the total number of attempts the policy allows.
func (p Policy) Attempts() int {
	if p.Retries < 0 {
		return 1
	}
	return p.Retries + 1
}

// Sleeper waits between attempts.
type Sleeper func(ctx context.Context, d time.Duration) error

// BlockingSleep halts the caller for d. Cancellation of ctx cuts the wait
// short so that SIGINT does not have to outlast the delay.
func BlockingSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Step is one named external operation.
type Step struct {
	Label string
	Argv  []string
	Env   map[string]string
}

// Hook observes every attempt of a step. Before may return options with
// extra output writers for the attempt; After receives the attempt result.
type Hook interface {
	Before(step Step, attempt int) *RunOptions
	After(step Step, attempt int, res *Result)
}

// Outcome is the final result of invoking a step under a policy.
type Outcome struct {
	OK       bool
	Attempts int
	// Err is the final attempt's failure message, verbatim.
	Err string
	// Last is the result of the final attempt.
	Last *Result
}

// RetryCallback is called after a failed attempt when another one follows.
type RetryCallback func(step Step, attempt int, msg string, next time.Duration)

// Invoker runs steps with a bounded, constant-delay retry loop.
type Invoker struct {
	Exec    Executor
	Policy  Policy
	Sleep   Sleeper
	Hook    Hook
	OnRetry RetryCallback
}

// NewInvoker creates an Invoker using BlockingSleep between attempts.
func NewInvoker(exec Executor, policy Policy) *Invoker {
	return &Invoker{Exec: exec, Policy: policy, Sleep: BlockingSleep}
}

// Invoke runs step until it succeeds or the policy is exhausted. A cancelled
// context stops the loop; the returned error is then ctx.Err().
func (inv *Invoker) Invoke(ctx context.Context, step Step) (Outcome, error) {
	sleep := inv.Sleep
	if sleep == nil {
		sleep = BlockingSleep
	}

	var out Outcome
	limit := inv.Policy.Attempts()
	for attempt := 1; attempt <= limit; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		env := make(map[string]string, len(step.Env)+1)
		for k, v := range step.Env {
			env[k] = v
		}
		env["BACKFILL_ATTEMPT"] = strconv.Itoa(attempt)

		var opts *RunOptions
		if inv.Hook != nil {
			opts = inv.Hook.Before(step, attempt)
		}
		res := inv.Exec.Run(ctx, step.Argv, BuildEnv(env), opts)
		if inv.Hook != nil {
			inv.Hook.After(step, attempt, res)
		}

		out.Attempts = attempt
		out.Last = res
		if !res.Failed() {
			out.OK = true
			out.Err = ""
			return out, nil
		}
		out.Err = res.Message()

		if err := ctx.Err(); err != nil {
			return out, err
		}
		if attempt == limit {
			break
		}
		if inv.OnRetry != nil {
			inv.OnRetry(step, attempt, out.Err, inv.Policy.Delay)
		}
		if err := sleep(ctx, inv.Policy.Delay); err != nil {
			return out, err
		}
	}
	return out, nil
}
