// Package oracle runs the platform's scheduled escrow work: auto-releasing
// delivered escrows whose dispute window has closed, and recording every
// invocation as an auditable Run.
//
// Each invocation is triggered externally (HTTP or cmd/oracle). Transactions
// are processed sequentially, oldest delivery first. Overlapping invocations
// are safe because every release is check-then-act.
package oracle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbd888/alancoin-escrow/internal/errs"
)

var (
	ErrRunNotFound = errs.New(errs.KindNotFound, "run_not_found", "oracle run not found")
	ErrDisabled    = errs.New(errs.KindStateConflict, "auto_release_disabled", "auto-release is disabled")
	ErrGasTooLow   = errs.New(errs.KindChainFatal, "oracle_gas_too_low", "oracle wallet balance below minimum")
)

// RunType names what an oracle run did.
type RunType string

const (
	RunAutoRelease RunType = "auto_release"
	RunReconcile   RunType = "reconcile"
)

// Run is the audit record of one scheduler invocation. It is opened before
// any work starts and closed on every exit path.
type Run struct {
	ID             string     `json:"id"`
	Type           RunType    `json:"runType"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	ProcessedCount int        `json:"processedCount"`
	SuccessCount   int        `json:"successCount"`
	FailureCount   int        `json:"failureCount"`
	ResultDetail   string     `json:"resultDetail,omitempty"`
}

// Open reports whether the run has not been closed yet.
func (r *Run) Open() bool {
	return r.CompletedAt == nil
}

// SetDetail stores v as the run's JSON result detail.
func (r *Run) SetDetail(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		r.ResultDetail = err.Error()
		return
	}
	r.ResultDetail = string(b)
}

// RunStore persists oracle runs.
type RunStore interface {
	Open(ctx context.Context, run *Run) error
	Close(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, runType RunType, limit int) ([]*Run, error)
}
