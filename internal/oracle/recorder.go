package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/alancoin-escrow/internal/idgen"
	"github.com/mbd888/alancoin-escrow/internal/metrics"
)

// Recorder opens and closes runs. Finish must be deferred right after a
// successful Begin so the run is closed on every exit path.
type Recorder struct {
	store  RunStore
	now    func() time.Time
	logger *slog.Logger
}

// NewRecorder creates a run recorder.
func NewRecorder(store RunStore, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// WithClock replaces the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Store returns the underlying run store.
func (r *Recorder) Store() RunStore {
	return r.store
}

// Begin persists a new open run.
func (r *Recorder) Begin(ctx context.Context, runType RunType) (*Run, error) {
	run := &Run{
		ID:        idgen.WithPrefix("run_"),
		Type:      runType,
		StartedAt: r.now(),
	}
	if err := r.store.Open(ctx, run); err != nil {
		return nil, err
	}
	r.logger.Info("oracle run started", "runId", run.ID, "type", runType)
	return run, nil
}

// Finish closes run with its final counts. It still writes when ctx has
// been cancelled.
func (r *Recorder) Finish(ctx context.Context, run *Run, runErr error) {
	completed := r.now()
	run.CompletedAt = &completed

	outcome := "ok"
	switch {
	case runErr != nil:
		outcome = "error"
		if run.ResultDetail == "" {
			run.ResultDetail = runErr.Error()
		}
	case run.FailureCount > 0:
		outcome = "partial"
	}
	metrics.OracleRunsTotal.WithLabelValues(string(run.Type), outcome).Inc()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.Close(closeCtx, run); err != nil {
		r.logger.Error("failed to close oracle run", "runId", run.ID, "error", err)
		return
	}
	r.logger.Info("oracle run finished", "runId", run.ID, "type", run.Type,
		"processed", run.ProcessedCount, "succeeded", run.SuccessCount, "failed", run.FailureCount,
		"duration", completed.Sub(run.StartedAt))
}
