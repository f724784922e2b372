package query

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/academiq/internal/errs"
)

// Row is one result row keyed by column name.
type Row map[string]interface{}

// Rows is a query result in storage order.
type Rows []Row

// Executor runs a structured query against a store.
type Executor interface {
	Execute(ctx context.Context, q *Structured) (Rows, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, q *Structured) (Rows, error)

func (f ExecutorFunc) Execute(ctx context.Context, q *Structured) (Rows, error) { return f(ctx, q) }

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	RetryCounter func(context.Context, *Structured, int)
	Duration     func(context.Context, *Structured, time.Duration)
}

// RetryingExecutor bounds each attempt with a timeout and retries transient
// failures (timeouts and dropped connections) with a fixed backoff.
type RetryingExecutor struct {
	next       Executor
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	metrics    Metrics
	sleep      func(context.Context, time.Duration) error
}

// Option configures executor behaviour.
type Option func(*RetryingExecutor)

func WithTimeout(d time.Duration) Option {
	return func(e *RetryingExecutor) { e.timeout = d }
}

// WithRetries sets how many times a transient failure is retried and the pause between attempts.
func WithRetries(n int, backoff time.Duration) Option {
	return func(e *RetryingExecutor) {
		if n < 0 {
			n = 0
		}
		e.maxRetries = n
		e.backoff = backoff
	}
}

// WithMetrics sets executor metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(e *RetryingExecutor) { e.metrics = m }
}

func NewRetryingExecutor(next Executor, opts ...Option) *RetryingExecutor {
	e := &RetryingExecutor{
		next:       next,
		timeout:    5 * time.Second,
		maxRetries: 1,
		backoff:    200 * time.Millisecond,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *RetryingExecutor) Execute(ctx context.Context, q *Structured) (Rows, error) {
	attempt := 0
	for {
		start := time.Now()
		rows, err := e.once(ctx, q)
		if err == nil {
			if e.metrics.Duration != nil {
				e.metrics.Duration(ctx, q, time.Since(start))
			}
			return rows, nil
		}
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, ctx.Err(), "")
		}
		next := attempt + 1
		if !errs.Transient(err) || next > e.maxRetries {
			return nil, err
		}
		if e.metrics.RetryCounter != nil {
			e.metrics.RetryCounter(ctx, q, next)
		}
		if err := e.sleep(ctx, e.backoff); err != nil {
			return nil, errs.Wrap(errs.Timeout, err, "")
		}
		attempt = next
	}
}

func (e *RetryingExecutor) once(ctx context.Context, q *Structured) (Rows, error) {
	actx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	rows, err := e.next.Execute(actx, q)
	if err == nil {
		return rows, nil
	}
	if _, ok := errs.KindOf(err); ok {
		return nil, err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, errs.Wrap(errs.Timeout, err, "")
	}
	return nil, errs.Wrap(errs.Internal, err, "")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
