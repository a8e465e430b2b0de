// Package health aggregates readiness probes for the engine's collaborators
// (database, payment processor API, email API).
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds a single probe so one slow collaborator cannot stall
// the readiness endpoint.
const checkTimeout = 2 * time.Second

// Status is the probe result for one collaborator.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker probes one collaborator.
type Checker func(ctx context.Context) Status

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named probe.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered probe with a per-probe timeout and returns
// the aggregate verdict plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		statuses[i] = nc.check(probeCtx)
		statuses[i].LatencyMS = time.Since(start).Milliseconds()
		cancel()
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
