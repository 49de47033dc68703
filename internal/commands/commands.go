// Package commands correlates outbound device commands with their
// inbound acks: it assigns a correlation id, retries over the serial
// link on timeout, and resolves the matching waiter when an ack
// arrives.
package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldmesh/edge-gateway/internal/frame"
	"github.com/fieldmesh/edge-gateway/internal/logging"
	"github.com/fieldmesh/edge-gateway/internal/store"
)

// SendFunc frames and writes one command to the serial link.
type SendFunc func(frame.Message) error

// Observer receives command outcomes, satisfied by gateway.MetricsObserver.
type Observer interface {
	ObserveCommandResult(acked, timedOut, duplicate bool)
}

type noopObserver struct{}

func (noopObserver) ObserveCommandResult(bool, bool, bool) {}

// Config configures a Manager.
type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig is the stock dispatch policy.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second, MaxRetries: 2, RetryBackoff: 2 * time.Second}
}

// ErrDuplicateCorrelation is returned by Send when the correlation id
// is already awaiting a response.
var ErrDuplicateCorrelation = fmt.Errorf("commands: duplicate correlation id")

// ErrTimeout is returned by Send when no ack arrives after the
// configured retries are exhausted.
var ErrTimeout = fmt.Errorf("commands: timed out")

// Manager tracks in-flight commands by correlation id.
type Manager struct {
	send   SendFunc
	store  *store.Store
	config Config
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]chan frame.Message

	observer Observer
}

// New creates a Manager. observer may be nil.
func New(send SendFunc, st *store.Store, config Config, observer Observer) *Manager {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Manager{
		send:     send,
		store:    st,
		config:   config,
		logger:   logging.Default().With("commands"),
		pending:  make(map[string]chan frame.Message),
		observer: observer,
	}
}

// Send dispatches a command, assigning a correlation id if command
// doesn't already carry one, and blocks until an ack arrives or
// retries are exhausted. It reissues the command on each retry, up to
// MaxRetries additional attempts beyond the first.
func (m *Manager) Send(ctx context.Context, command frame.Message) (frame.Message, error) {
	correlationID, _ := command["correlation_id"].(string)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	command["correlation_id"] = correlationID

	waiter := make(chan frame.Message, 1)
	m.mu.Lock()
	if _, exists := m.pending[correlationID]; exists {
		m.mu.Unlock()
		m.observer.ObserveCommandResult(false, false, true)
		return nil, ErrDuplicateCorrelation
	}
	m.pending[correlationID] = waiter
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, correlationID)
		m.mu.Unlock()
	}()

	assetID, _ := command["asset_id"].(string)

	for attempt := 1; ; attempt++ {
		m.logger.Info("dispatch command", "asset_id", assetID, "corr", correlationID, "attempt", attempt)

		payload := frame.Message{"type": "cmd"}
		for k, v := range command {
			payload[k] = v
		}
		if err := m.send(payload); err != nil {
			return nil, fmt.Errorf("commands: send: %w", err)
		}

		select {
		case result := <-waiter:
			m.observer.ObserveCommandResult(true, false, false)
			return result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.config.Timeout):
			if attempt > m.config.MaxRetries {
				m.observer.ObserveCommandResult(false, true, false)
				return nil, ErrTimeout
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.config.RetryBackoff):
			}
		}
	}
}

// HandleAck resolves the pending waiter for payload's correlation_id
// and persists the ack to the store. An ack with no matching pending
// command changes nothing beyond a warning.
func (m *Manager) HandleAck(ctx context.Context, payload frame.Message) error {
	correlationID, _ := payload["correlation_id"].(string)
	if correlationID == "" {
		m.logger.Warn("ack without correlation_id")
		return nil
	}

	m.mu.Lock()
	waiter, ok := m.pending[correlationID]
	if ok {
		delete(m.pending, correlationID)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("received stray ack", "corr", correlationID)
		return nil
	}
	select {
	case waiter <- payload:
	default:
	}

	assetID, _ := payload["asset_id"].(string)
	if assetID == "" {
		assetID = "unknown"
	}
	ok2, hasOK := payload["ok"].(bool)
	if !hasOK {
		ok2 = true
	}
	message, _ := payload["message"].(string)

	if err := m.store.StoreAck(ctx, time.Now().UTC(), assetID, correlationID, ok2, message); err != nil {
		return fmt.Errorf("commands: store ack: %w", err)
	}
	return nil
}

// PendingCount returns the number of commands awaiting an ack.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
