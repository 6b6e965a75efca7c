// Package retry wraps chain calls in exponential backoff. Only errors the
// classifier marks chain_transient are retried; everything else returns
// after the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/alancoin-escrow/internal/alerts"
	"github.com/mbd888/alancoin-escrow/internal/errs"
	"github.com/mbd888/alancoin-escrow/internal/metrics"
)

// ErrExhausted is returned (wrapping the last error) when every attempt failed
// with a retryable error.
var ErrExhausted = errs.New(errs.KindChainTransient, "retry_exhausted", "retries exhausted")

// PermanentError wraps an error that should not be retried regardless of
// what the classifier says.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that the executor will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Classifier maps a failure to an error kind.
type Classifier func(err error) errs.Kind

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration // delay before the second attempt; doubles after that
	MaxDelay    time.Duration // cap on a single backoff sleep
	CallTimeout time.Duration // per-attempt deadline, independent of backoff (0 = none)
}

// DefaultPolicy: 5 attempts, 1s doubling, 30s cap, 15s per attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		CallTimeout: 15 * time.Second,
	}
}

// Delay returns the sleep before attempt n+1, where n is the 1-based number
// of the attempt that just failed.
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Executor runs operations under a Policy.
type Executor struct {
	policy   Policy
	classify Classifier
	alerts   alerts.Sink
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. A nil classifier treats errors that
// already carry a kind by that kind and everything else as fatal.
func NewExecutor(policy Policy, classify Classifier, logger *slog.Logger) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if classify == nil {
		classify = errs.KindOf
	}
	return &Executor{
		policy:   policy,
		classify: classify,
		alerts:   alerts.Nop{},
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// WithAlerts sets the sink notified when retries are exhausted.
func (e *Executor) WithAlerts(s alerts.Sink) *Executor {
	e.alerts = s
	return e
}

// WithSleep replaces the backoff sleep. Tests use it to record delays.
func (e *Executor) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Executor {
	e.sleep = fn
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute calls fn until it succeeds, fails with a non-retryable error, or
// runs out of attempts. The returned error always carries an errs.Kind.
func (e *Executor) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	var lastKind errs.Kind

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		err := e.attempt(ctx, fn)
		if err == nil {
			metrics.RetryAttemptsTotal.WithLabelValues(op, "ok").Inc()
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			kind := errs.KindOf(pe.Err)
			if kind == errs.KindChainTransient || kind == errs.KindInternal {
				kind = errs.KindChainFatal
			}
			metrics.RetryAttemptsTotal.WithLabelValues(op, string(kind)).Inc()
			return typed(kind, op, pe.Err)
		}

		lastErr, lastKind = err, e.classify(err)
		metrics.RetryAttemptsTotal.WithLabelValues(op, string(lastKind)).Inc()

		if lastKind != errs.KindChainTransient {
			e.logger.Warn("chain operation failed", "op", op, "attempt", attempt, "kind", lastKind, "error", err)
			return typed(lastKind, op, err)
		}

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.policy.Delay(attempt)
		e.logger.Info("retrying chain operation", "op", op, "attempt", attempt, "delay", delay, "error", err)
		if err := e.sleep(ctx, delay); err != nil {
			return &errs.Error{
				Kind:    errs.KindChainTransient,
				Code:    "retry_cancelled",
				Message: op + " cancelled during backoff",
				Err:     fmt.Errorf("%w (last error: %v)", err, lastErr),
			}
		}
	}

	metrics.RetryExhaustedTotal.WithLabelValues(op).Inc()
	e.logger.Error("chain operation exhausted retries", "op", op, "attempts", e.policy.MaxAttempts, "error", lastErr)
	e.alerts.Send(ctx, alerts.New(alerts.SeverityCritical, "retries exhausted: "+op, map[string]any{
		"op":             op,
		"attempts":       e.policy.MaxAttempts,
		"classification": string(lastKind),
		"error":          lastErr.Error(),
	}).WithKey("retry_exhausted:"+op))

	return ErrExhausted.WithDetail("%s after %d attempts", op, e.policy.MaxAttempts).Wrap(lastErr)
}

func (e *Executor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.policy.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

// Run is Execute for operations that return a value.
func Run[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// typed guarantees the caller sees an errs.Error of the classified kind
// without losing the original error chain.
func typed(kind errs.Kind, op string, err error) error {
	var e *errs.Error
	if errors.As(err, &e) && e.Kind == kind {
		return err
	}
	return &errs.Error{Kind: kind, Code: string(kind), Message: op, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
