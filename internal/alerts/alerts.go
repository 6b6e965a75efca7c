// Package alerts delivers operational alerts. Sending is fire-and-forget:
// a failing sink is logged and never fails the operation that raised the alert.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/alancoin-escrow/internal/circuitbreaker"
	"github.com/mbd888/alancoin-escrow/internal/metrics"
	"github.com/mbd888/alancoin-escrow/internal/ratelimit"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single operational notification.
type Alert struct {
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Key        string         `json:"key,omitempty"` // dedupe key for throttling
	Context    map[string]any `json:"context,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Sink receives alerts. Implementations must not block the caller for long
// and must not panic.
type Sink interface {
	Send(ctx context.Context, alert Alert)
}

// New builds an Alert stamped with the current time.
func New(severity Severity, message string, kv map[string]any) Alert {
	return Alert{Severity: severity, Message: message, Context: kv, OccurredAt: time.Now().UTC()}
}

// WithKey sets the dedupe key.
func (a Alert) WithKey(key string) Alert {
	a.Key = key
	return a
}

// --- LogSink ---

// LogSink writes alerts to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every alert
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, a Alert) {
	metrics.AlertsTotal.WithLabelValues(string(a.Severity)).Inc()
	level := slog.LevelInfo
	switch a.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	attrs := make([]any, 0, 2*len(a.Context)+2)
	attrs = append(attrs, "severity", string(a.Severity))
	for k, v := range a.Context {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(ctx, level, "alert: "+a.Message, attrs...)
}

// --- WebhookSink ---

const webhookBreakerKey = "alert_webhook"

// WebhookSink POSTs alerts as JSON. Delivery happens on a background
// goroutine; failures are logged. After repeated failures the endpoint is
// skipped for a cool-down and alerts only reach the log.
type WebhookSink struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewWebhookSink creates a sink posting to url
func NewWebhookSink(url string, logger *slog.Logger) *WebhookSink {
	return &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: circuitbreaker.New(3, time.Minute),
		logger:  logger,
	}
}

// WithBreaker replaces the default breaker (3 failures, 1 minute).
func (s *WebhookSink) WithBreaker(b *circuitbreaker.Breaker) *WebhookSink {
	s.breaker = b
	return s
}

func (s *WebhookSink) Send(_ context.Context, a Alert) {
	if !s.breaker.Allow(webhookBreakerKey) {
		s.logger.Warn("alert webhook: circuit open, alert not delivered", "key", a.Key, "message", a.Message)
		return
	}
	body, err := json.Marshal(a)
	if err != nil {
		s.logger.Warn("alert webhook: marshal failed", "error", err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.post(body)
		s.breaker.Record(webhookBreakerKey, err)
		if err != nil {
			s.logger.Warn("alert webhook: delivery failed", "error", err)
		}
	}()
}

func (s *WebhookSink) post(body []byte) error {
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish. Used at shutdown.
func (s *WebhookSink) Wait() {
	s.wg.Wait()
}

// --- Fanout ---

// Fanout sends each alert to every sink.
type Fanout struct {
	sinks []Sink
}

// NewFanout creates a sink broadcasting to sinks, skipping nils
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Send(ctx context.Context, a Alert) {
	for _, s := range f.sinks {
		safeSend(ctx, s, a)
	}
}

func safeSend(ctx context.Context, s Sink, a Alert) {
	defer func() { _ = recover() }()
	s.Send(ctx, a)
}

// --- Throttled ---

// Throttled drops alerts whose Key has already fired within the window.
// Alerts without a Key always pass. The counter is shared so the throttle
// holds across instances.
type Throttled struct {
	next    Sink
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// DefaultThrottleWindow is how long a keyed alert is suppressed after firing.
const DefaultThrottleWindow = 10 * time.Minute

// NewThrottled wraps next with a one-per-window throttle per alert key
func NewThrottled(next Sink, counter ratelimit.Counter, window time.Duration, logger *slog.Logger) *Throttled {
	return &Throttled{
		next:    next,
		limiter: ratelimit.New(counter, ratelimit.Config{Scope: "alert", Limit: 1, Window: window}),
		logger:  logger,
	}
}

func (t *Throttled) Send(ctx context.Context, a Alert) {
	if a.Key != "" {
		allowed, err := t.limiter.Allow(ctx, a.Key)
		if err != nil {
			// Counter outage: prefer a duplicate alert over a lost one.
			t.logger.Warn("alert throttle unavailable", "error", err)
		} else if !allowed {
			return
		}
	}
	t.next.Send(ctx, a)
}

// --- MemorySink ---

// MemorySink records alerts in memory. Used in development and tests.
type MemorySink struct {
	mu     sync.Mutex
	alerts []Alert
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Send(_ context.Context, a Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
}

// Alerts returns a copy of everything sent so far.
func (m *MemorySink) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Count returns the number of alerts with the given severity ("" for all).
func (m *MemorySink) Count(sev Severity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if sev == "" || a.Severity == sev {
			n++
		}
	}
	return n
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Send(context.Context, Alert) {}
