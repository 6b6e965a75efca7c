// Package feed is the append-only activity stream for escrow lifecycle
// events. Delivery is best-effort: sink failures are logged and counted,
// never returned to the operation that produced the event.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/alancoin-escrow/internal/metrics"
)

// EventType names a lifecycle event
type EventType string

const (
	EventFunded    EventType = "transaction.funded"
	EventDelivered EventType = "transaction.delivered"
	EventDisputed  EventType = "transaction.disputed"
	EventReleased  EventType = "transaction.released"
	EventRefunded  EventType = "transaction.refunded"
)

// Event is one activity entry.
type Event struct {
	Type          EventType `json:"type"`
	TransactionID string    `json:"transactionId"`
	BuyerID       string    `json:"buyerId"`
	SellerID      string    `json:"sellerId"`
	AmountMinor   int64     `json:"amountMinor"`
	Currency      string    `json:"currency"`
	TxHash        string    `json:"txHash,omitempty"`
	Actor         string    `json:"actor,omitempty"` // "oracle", "admin", or the agent id
	Timestamp     time.Time `json:"timestamp"`
}

// Involves reports whether agentID is the buyer or seller.
func (e Event) Involves(agentID string) bool {
	return e.BuyerID == agentID || e.SellerID == agentID
}

// Sink accepts events.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

// Fanout appends to every sink and swallows their errors.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout creates a fanout over sinks, skipping nils
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish stamps the event if needed and appends it everywhere.
func (f *Fanout) Publish(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	metrics.FeedEventsTotal.WithLabelValues(string(e.Type)).Inc()
	for _, s := range f.sinks {
		if err := s.Append(ctx, e); err != nil {
			f.logger.Warn("feed sink append failed", "type", e.Type, "transactionId", e.TransactionID, "error", err)
		}
	}
}

// Append lets a Fanout nest inside another.
func (f *Fanout) Append(ctx context.Context, e Event) error {
	f.Publish(ctx, e)
	return nil
}

// DefaultRingSize is the number of events kept by a MemoryFeed.
const DefaultRingSize = 1000

// MemoryFeed keeps the most recent events in a ring buffer.
type MemoryFeed struct {
	mu    sync.RWMutex
	ring  []Event
	next  int
	count int
}

// NewMemoryFeed creates a ring buffer holding up to size events
func NewMemoryFeed(size int) *MemoryFeed {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &MemoryFeed{ring: make([]Event, size)}
}

func (m *MemoryFeed) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = e
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	return nil
}

// Recent returns up to limit events, newest first, optionally filtered to
// those involving agentID.
func (m *MemoryFeed) Recent(limit int, agentID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > m.count {
		limit = m.count
	}
	out := make([]Event, 0, limit)
	for i := 0; i < m.count && len(out) < limit; i++ {
		idx := (m.next - 1 - i + len(m.ring)) % len(m.ring)
		e := m.ring[idx]
		if agentID != "" && !e.Involves(agentID) {
			continue
		}
		out = append(out, e)
	}
	return out
}
