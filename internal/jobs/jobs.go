// Package jobs runs recurring work that is not safe to overlap. Each job is
// guarded by a processing lock: pickup stamps a start time, a lock older
// than the staleness threshold is treated as abandoned and may be taken
// over, and the lock is always released when the run ends, however it ends.
package jobs

import (
	"context"
	"time"

	"github.com/mbd888/alancoin-escrow/internal/errs"
)

// DefaultStaleAfter is how long a processing lock is honoured before it is
// considered abandoned.
const DefaultStaleAfter = 5 * time.Minute

var ErrUnknownJob = errs.New(errs.KindNotFound, "job_not_found", "job not registered")

// Job is a unit of recurring work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Func adapts a function to Job.
type Func struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (f Func) Name() string                  { return f.JobName }
func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }

// Lock is the persisted processing lock of one job.
type Lock struct {
	Name                string     `json:"name"`
	Owner               string     `json:"owner,omitempty"`
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	RunCount            int64      `json:"runCount"`
}

// Held reports whether the lock is taken and not yet stale at now.
func (l *Lock) Held(now time.Time, staleAfter time.Duration) bool {
	return l.ProcessingStartedAt != nil && now.Sub(*l.ProcessingStartedAt) < staleAfter
}

// Acquisition is the outcome of a lock attempt.
type Acquisition struct {
	Acquired  bool
	Reclaimed bool // a stale lock from another owner was taken over
}

// LockStore persists processing locks.
type LockStore interface {
	// Acquire takes the lock for owner unless a non-stale holder exists.
	Acquire(ctx context.Context, name, owner string, now time.Time, staleAfter time.Duration) (Acquisition, error)
	// Release clears the lock if owner still holds it and records the run.
	Release(ctx context.Context, name, owner string, now time.Time, runErr string) error
	List(ctx context.Context) ([]*Lock, error)
}
