package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/alancoin-escrow/internal/metrics"
	"github.com/mbd888/alancoin-escrow/internal/traces"
)

// Result describes one job invocation.
type Result struct {
	Job       string        `json:"job"`
	Ran       bool          `json:"ran"`
	Reclaimed bool          `json:"reclaimedStaleLock,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"durationNs"`
}

// Runner executes registered jobs under their processing locks.
type Runner struct {
	store      LockStore
	jobs       []Job
	staleAfter time.Duration
	timeout    time.Duration
	newOwner   func() string
	now        func() time.Time
	logger     *slog.Logger
}

// NewRunner creates a job runner. Jobs run with a timeout equal to the
// staleness threshold so a live run never outlasts its own lock.
func NewRunner(store LockStore, logger *slog.Logger, jobs ...Job) *Runner {
	return &Runner{
		store:      store,
		jobs:       jobs,
		staleAfter: DefaultStaleAfter,
		timeout:    DefaultStaleAfter,
		newOwner:   uuid.NewString,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// Register adds a job.
func (r *Runner) Register(job Job) {
	if job != nil {
		r.jobs = append(r.jobs, job)
	}
}

// WithStaleAfter sets the lock staleness threshold and the job timeout.
func (r *Runner) WithStaleAfter(d time.Duration) *Runner {
	r.staleAfter = d
	r.timeout = d
	return r
}

// WithClock replaces the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Jobs returns the registered job names.
func (r *Runner) Jobs() []string {
	names := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		names[i] = j.Name()
	}
	return names
}

// Locks returns the persisted lock rows.
func (r *Runner) Locks(ctx context.Context) ([]*Lock, error) {
	return r.store.List(ctx)
}

// RunAll runs every registered job once, in registration order.
func (r *Runner) RunAll(ctx context.Context) []Result {
	results := make([]Result, 0, len(r.jobs))
	for _, j := range r.jobs {
		results = append(results, r.run(ctx, j))
	}
	return results
}

// RunOne runs the named job once.
func (r *Runner) RunOne(ctx context.Context, name string) (Result, error) {
	for _, j := range r.jobs {
		if j.Name() == name {
			return r.run(ctx, j), nil
		}
	}
	return Result{Job: name}, ErrUnknownJob.WithDetail("%s", name)
}

func (r *Runner) run(ctx context.Context, job Job) (res Result) {
	name := job.Name()
	res.Job = name
	logger := r.logger.With("job", name)

	owner := r.newOwner()
	acq, err := r.store.Acquire(ctx, name, owner, r.now(), r.staleAfter)
	if err != nil {
		logger.Error("failed to acquire job lock", "error", err)
		res.Error = err.Error()
		metrics.JobRunsTotal.WithLabelValues(name, "lock_error").Inc()
		return res
	}
	if !acq.Acquired {
		logger.Info("job already running elsewhere, skipping")
		metrics.JobRunsTotal.WithLabelValues(name, "skipped").Inc()
		return res
	}
	if acq.Reclaimed {
		logger.Warn("reclaimed stale job lock", "staleAfter", r.staleAfter)
		metrics.JobStaleLocksTotal.Inc()
	}
	res.Ran, res.Reclaimed = true, acq.Reclaimed

	start := r.now()
	var runErr error
	defer func() {
		res.Duration = r.now().Sub(start)
		if runErr != nil {
			res.Error = runErr.Error()
		}
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.store.Release(relCtx, name, owner, r.now(), res.Error); err != nil {
			logger.Error("failed to release job lock", "error", err)
		}

		result := "ok"
		if runErr != nil {
			result = "error"
			logger.Warn("job failed", "duration", res.Duration, "error", runErr)
		} else {
			logger.Info("job completed", "duration", res.Duration)
		}
		metrics.JobRunsTotal.WithLabelValues(name, result).Inc()
	}()

	runErr = r.invoke(ctx, job)
	return res
}

func (r *Runner) invoke(ctx context.Context, job Job) (err error) {
	ctx, span := traces.StartSpan(ctx, "jobs."+job.Name())
	defer func() { traces.End(span, err) }()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), p)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return job.Run(runCtx)
}
