package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/alancoin-escrow/internal/circuitbreaker"
	"github.com/mbd888/alancoin-escrow/internal/logging"
	"github.com/mbd888/alancoin-escrow/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panicSink struct{}

func (panicSink) Send(context.Context, Alert) { panic("boom") }

func TestFanout_DeliversToAllAndSurvivesPanics(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	f := NewFanout(a, nil, panicSink{}, b)

	f.Send(context.Background(), New(SeverityCritical, "gas empty", map[string]any{"balance": "0"}))

	assert.Equal(t, 1, a.Count(SeverityCritical))
	assert.Equal(t, 1, b.Count(""))
}

func TestThrottled_OnePerKeyPerWindow(t *testing.T) {
	mem := NewMemorySink()
	th := NewThrottled(mem, ratelimit.NewMemoryCounter(), time.Hour, logging.Discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		th.Send(ctx, New(SeverityWarning, "release failing", nil).WithKey("release_failure:tx_1"))
	}
	th.Send(ctx, New(SeverityWarning, "release failing", nil).WithKey("release_failure:tx_2"))
	th.Send(ctx, New(SeverityInfo, "unkeyed", nil))
	th.Send(ctx, New(SeverityInfo, "unkeyed", nil))

	assert.Len(t, mem.Alerts(), 4)
}

func TestLogSink_WritesSeverityAndContext(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(logging.NewWithWriter(&buf, "info", "json"))
	s.Send(context.Background(), New(SeverityCritical, "retry exhausted", map[string]any{"attempts": 5}))

	out := buf.String()
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"attempts":5`)
	assert.Contains(t, out, "retry exhausted")
}

func TestWebhookSink_PostsJSON(t *testing.T) {
	var (
		mu   sync.Mutex
		got  Alert
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		hits++
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL, logging.Discard())
	s.Send(context.Background(), New(SeverityWarning, "gas low", nil).WithKey("gas_low"))
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, hits)
	assert.Equal(t, SeverityWarning, got.Severity)
	assert.Equal(t, "gas_low", got.Key)
}

func TestWebhookSink_UnreachableDoesNotPanic(t *testing.T) {
	s := NewWebhookSink("http://127.0.0.1:1", logging.Discard())
	s.Send(context.Background(), New(SeverityInfo, "x", nil))
	s.Wait()
}

func TestWebhookSink_BreakerStopsDeliveryToFailingEndpoint(t *testing.T) {
	var (
		mu   sync.Mutex
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL, logging.Discard()).WithBreaker(circuitbreaker.New(2, time.Hour))
	for i := 0; i < 4; i++ {
		s.Send(context.Background(), New(SeverityCritical, "stuck", nil))
		s.Wait()
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits, "endpoint is skipped once the breaker opens")
}
