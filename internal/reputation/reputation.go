// Package reputation records the rating an agent earns from each escrow
// outcome. Exactly one feedback row exists per (transaction, agent): the
// store enforces uniqueness, so re-emitting after a crash is harmless.
package reputation

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/alancoin-escrow/internal/errs"
	"github.com/mbd888/alancoin-escrow/internal/idgen"
)

var (
	ErrInvalidFeedback = errs.New(errs.KindValidation, "invalid_feedback", "invalid feedback")
	ErrNotFound        = errs.New(errs.KindNotFound, "feedback_not_found", "feedback not found")
)

// Outcome is how a transaction ended.
type Outcome string

const (
	OutcomeAutoRelease     Outcome = "auto_release"
	OutcomeDisputedRelease Outcome = "disputed_release"
	OutcomeDisputedRefund  Outcome = "disputed_refund"
)

// Rating for each outcome, on a 1-5 scale. The winner of a dispute gets
// less than a clean release.
var ratings = map[Outcome]int{
	OutcomeAutoRelease:     5,
	OutcomeDisputedRelease: 4,
	OutcomeDisputedRefund:  4,
}

// RatingFor returns the rating an outcome earns, or 0 if unknown.
func RatingFor(o Outcome) int {
	return ratings[o]
}

// OutcomeContext describes the transaction behind a rating.
type OutcomeContext struct {
	AmountMinor     int64  `json:"amountMinor"`
	Currency        string `json:"currency"`
	DurationSeconds int64  `json:"durationSeconds"`
	TxHash          string `json:"txHash,omitempty"`
	DeliverableHash string `json:"deliverableHash,omitempty"`
}

// Feedback is one rating attached to an agent.
type Feedback struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agentId"`
	TransactionID string         `json:"transactionId"`
	Rating        int            `json:"rating"`
	Outcome       Outcome        `json:"outcome"`
	Context       OutcomeContext `json:"outcomeContext"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Tier represents reputation levels
type Tier string

const (
	TierNew         Tier = "new"         // fewer than 3 rated transactions
	TierEmerging    Tier = "emerging"    // average below 4
	TierEstablished Tier = "established" // average 4+, under 25 ratings
	TierTrusted     Tier = "trusted"     // average 4.5+, 25+ ratings
)

// Summary aggregates an agent's feedback.
type Summary struct {
	AgentID       string          `json:"agentId"`
	Count         int             `json:"count"`
	AverageRating float64         `json:"averageRating"`
	ByOutcome     map[Outcome]int `json:"byOutcome"`
	VolumeMinor   int64           `json:"volumeMinor"`
	Tier          Tier            `json:"tier"`
}

// Summarize builds a Summary from an agent's feedback.
func Summarize(agentID string, fbs []*Feedback) *Summary {
	s := &Summary{AgentID: agentID, ByOutcome: make(map[Outcome]int)}
	total := 0
	for _, fb := range fbs {
		s.Count++
		total += fb.Rating
		s.ByOutcome[fb.Outcome]++
		s.VolumeMinor += fb.Context.AmountMinor
	}
	if s.Count > 0 {
		s.AverageRating = math.Round(float64(total)/float64(s.Count)*100) / 100
	}
	s.Tier = tierFor(s.Count, s.AverageRating)
	return s
}

func tierFor(count int, avg float64) Tier {
	switch {
	case count < 3:
		return TierNew
	case avg < 4:
		return TierEmerging
	case count >= 25 && avg >= 4.5:
		return TierTrusted
	default:
		return TierEstablished
	}
}

// Store persists feedback.
type Store interface {
	// Record inserts fb unless feedback for (TransactionID, AgentID)
	// exists, in which case it returns the existing row and created=false.
	Record(ctx context.Context, fb *Feedback) (existing *Feedback, created bool, err error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*Feedback, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*Feedback, error)
}

// Emitter derives feedback from terminal outcomes.
type Emitter struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates an emitter over store.
func NewEmitter(store Store, logger *slog.Logger) *Emitter {
	return &Emitter{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Emit records the rating agentID earned on transactionID. A second call
// for the same pair returns the first row unchanged.
func (e *Emitter) Emit(ctx context.Context, agentID, transactionID string, outcome Outcome, oc OutcomeContext) (*Feedback, error) {
	rating := RatingFor(outcome)
	if agentID == "" || transactionID == "" || rating == 0 {
		return nil, ErrInvalidFeedback.WithDetail("agent=%q tx=%q outcome=%q", agentID, transactionID, outcome)
	}
	fb := &Feedback{
		ID:            idgen.WithPrefix("fb_"),
		AgentID:       agentID,
		TransactionID: transactionID,
		Rating:        rating,
		Outcome:       outcome,
		Context:       oc,
		CreatedAt:     e.now(),
	}
	got, created, err := e.store.Record(ctx, fb)
	if err != nil {
		return nil, err
	}
	if created {
		e.logger.Info("reputation feedback recorded", "agent", agentID, "txId", transactionID, "outcome", outcome, "rating", rating)
	} else {
		e.logger.Debug("reputation feedback already recorded", "agent", agentID, "txId", transactionID)
	}
	return got, nil
}

// Summary returns the aggregate for agentID over its most recent feedback.
func (e *Emitter) Summary(ctx context.Context, agentID string, limit int) (*Summary, []*Feedback, error) {
	fbs, err := e.store.ListByAgent(ctx, agentID, limit)
	if err != nil {
		return nil, nil, err
	}
	return Summarize(agentID, fbs), fbs, nil
}
