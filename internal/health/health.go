// Package health tracks per-key link and subsystem status, filled in
// by scheduler probes and inbound device status messages, and read by
// the diagnostic façade's /status endpoint.
package health

import (
	"sync"
	"time"

	"github.com/fieldmesh/edge-gateway/internal/logging"
)

// State is one tracked subsystem's current status.
type State struct {
	Status    string
	Detail    map[string]any
	UpdatedAt time.Time
}

// Monitor is the mutex-guarded key->State map.
type Monitor struct {
	mu     sync.Mutex
	states map[string]State
	logger *logging.Logger
}

// New creates an empty Monitor.
func New() *Monitor {
	return &Monitor{
		states: make(map[string]State),
		logger: logging.Default().With("health"),
	}
}

// SetState records the current status for key, replacing any previous
// value.
func (m *Monitor) SetState(key, status string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	m.mu.Lock()
	m.states[key] = State{Status: status, Detail: detail, UpdatedAt: time.Now().UTC()}
	m.mu.Unlock()
	m.logger.Debug("health state updated", "key", key, "status", status)
}

// Snapshot returns a point-in-time copy of every tracked state.
func (m *Monitor) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}
