// Package pool runs remote calls with a parallelism cap and a retry policy.
package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxParallel = 8
	defaultMaxRetries  = 3
)

// ErrSkipped is reported for a task that never started because its context
// was canceled while it waited for a slot.
var ErrSkipped = errors.New("task skipped: canceled before start")

// Task is one unit of remote work. The context it receives is never canceled
// once the task has started.
type Task func(ctx context.Context) error

// Options configures an Executor.
type Options struct {
	MaxParallel int
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	RetryDelay time.Duration
	// Retryable, when set, stops retries for errors it rejects.
	Retryable func(error) bool
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = defaultMaxParallel
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// DefaultOptions returns the options used when a caller supplies none.
func DefaultOptions() Options {
	return Options{MaxParallel: defaultMaxParallel, MaxRetries: defaultMaxRetries, RetryDelay: 200 * time.Millisecond}
}

// Outcome counts how submitted tasks ended.
type Outcome struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Total is the number of tasks accounted for.
func (o Outcome) Total() int {
	return o.Succeeded + o.Failed + o.Skipped
}

// Add merges another outcome into o.
func (o *Outcome) Add(other Outcome) {
	o.Succeeded += other.Succeeded
	o.Failed += other.Failed
	o.Skipped += other.Skipped
}

// Executor runs tasks with at most MaxParallel in flight.
type Executor struct {
	opts Options
	sem  *semaphore.Weighted
	wg   sync.WaitGroup

	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// New creates an Executor.
func New(opts Options) *Executor {
	opts = opts.withDefaults()
	return &Executor{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.MaxParallel)),
	}
}

// Submit schedules task and returns immediately. done, when non-nil, is
// called from the task goroutine with nil, the final attempt error, or
// ErrSkipped.
func (e *Executor) Submit(ctx context.Context, task Task, done func(error)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.run(ctx, task)
		if done != nil {
			done(err)
		}
	}()
}

// Wait blocks until every submitted task has finished or been skipped.
func (e *Executor) Wait() Outcome {
	e.wg.Wait()
	return e.Outcome()
}

// Outcome returns the counts recorded so far.
func (e *Executor) Outcome() Outcome {
	return Outcome{
		Succeeded: int(e.succeeded.Load()),
		Failed:    int(e.failed.Load()),
		Skipped:   int(e.skipped.Load()),
	}
}

func (e *Executor) run(ctx context.Context, task Task) error {
	if ctx.Err() != nil {
		e.skipped.Add(1)
		return ErrSkipped
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.skipped.Add(1)
		return ErrSkipped
	}
	defer e.sem.Release(1)
	// Acquire may succeed on an already canceled context.
	if ctx.Err() != nil {
		e.skipped.Add(1)
		return ErrSkipped
	}

	err := retry(ctx, e.opts, task)
	if err != nil {
		e.failed.Add(1)
		return err
	}
	e.succeeded.Add(1)
	return nil
}

// Run executes tasks and blocks until all of them are accounted for.
func Run(ctx context.Context, tasks []Task, opts Options) Outcome {
	exec := New(opts)
	for _, task := range tasks {
		exec.Submit(ctx, task, nil)
	}
	return exec.Wait()
}

// Retry runs fn synchronously under the same retry policy an Executor uses.
// MaxParallel is ignored.
func Retry(ctx context.Context, opts Options, fn Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return retry(ctx, opts.withDefaults(), fn)
}

func retry(ctx context.Context, opts Options, task Task) error {
	runCtx := context.WithoutCancel(ctx)
	attempt := 0
	var lastErr error
	operation := func() (struct{}, error) {
		attempt++
		if attempt > 1 && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(lastErr)
		}
		lastErr = task(runCtx)
		if lastErr != nil && opts.Retryable != nil && !opts.Retryable(lastErr) {
			return struct{}{}, backoff.Permanent(lastErr)
		}
		if lastErr != nil && attempt <= opts.MaxRetries {
			opts.Logger.Debug("task attempt failed", "attempt", attempt, "error", lastErr)
		}
		return struct{}{}, lastErr
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackOff(opts.RetryDelay)),
		backoff.WithMaxTries(uint(opts.MaxRetries+1)),
	)
	if err != nil && lastErr != nil && errors.Is(err, context.Cause(ctx)) {
		// Canceled between attempts: report what the last attempt saw.
		return lastErr
	}
	return err
}

func newBackOff(delay time.Duration) backoff.BackOff {
	if delay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.MaxInterval = 20 * delay
	return b
}
