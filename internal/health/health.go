// Package health runs the dependency probes behind GET /health.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 3 * time.Second

// Status is the result of one probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Optional  bool   `json:"optional,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Probe checks one dependency; a nil error means healthy.
type Probe func(ctx context.Context) error

type entry struct {
	name     string
	probe    Probe
	optional bool
}

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-probe timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a probe whose failure makes the service unhealthy.
func (r *Registry) Register(name string, p Probe) {
	r.add(entry{name: name, probe: p})
}

// RegisterOptional adds a probe that is reported but does not affect the
// aggregate, for dependencies the service degrades around.
func (r *Registry) RegisterOptional(name string, p Probe) {
	r.add(entry{name: name, probe: p, optional: true})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every probe concurrently. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses = make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, e)
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy && !s.Optional {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, e entry) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := e.probe(ctx)
	st := Status{
		Name:      e.name,
		Healthy:   err == nil,
		Optional:  e.optional,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}
