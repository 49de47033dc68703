// Package backlog drains the durable outbound queue into the MQTT
// broker, rate-limiting itself to the configured publish ceiling and
// backing off adaptively as queue depth grows.
package backlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldmesh/edge-gateway/internal/logging"
	"github.com/fieldmesh/edge-gateway/internal/store"
)

// PublishFunc publishes one message to the broker, blocking until the
// broker has confirmed the publish (or returning an error).
type PublishFunc func(ctx context.Context, topic string, payload []byte, qos byte) error

// Observer receives backlog depth and drain outcomes, satisfied by
// gateway.MetricsObserver.
type Observer interface {
	ObserveBacklogDepth(depth int64)
	ObserveBacklogEnqueued()
	ObserveBacklogDrained(count int)
}

type noopObserver struct{}

func (noopObserver) ObserveBacklogDepth(int64) {}
func (noopObserver) ObserveBacklogEnqueued()   {}
func (noopObserver) ObserveBacklogDrained(int) {}

// Config configures a Manager.
type Config struct {
	BatchSize int
	MaxRate   int // publishes per second at normal queue depth
}

// DefaultConfig is a conservative batch/rate pairing.
func DefaultConfig() Config {
	return Config{BatchSize: 50, MaxRate: 20}
}

// Manager drains store.Store's queue_out table through PublishFunc,
// halting a batch at the first publish failure so ordering is
// preserved, and marking successfully published rows sent+acked.
type Manager struct {
	store    *store.Store
	publish  PublishFunc
	config   Config
	observer Observer
	logger   *logging.Logger

	adaptiveDelay time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// New creates a Manager. observer may be nil.
func New(st *store.Store, publish PublishFunc, config Config, observer Observer) *Manager {
	if observer == nil {
		observer = noopObserver{}
	}
	rate := config.MaxRate
	if rate <= 0 {
		rate = 1
	}
	return &Manager{
		store:         st,
		publish:       publish,
		config:        config,
		observer:      observer,
		logger:        logging.Default().With("backlog"),
		adaptiveDelay: rateDelay(rate),
	}
}

func rateDelay(rate int) time.Duration {
	if rate <= 0 {
		rate = 1
	}
	d := time.Second / time.Duration(rate)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Enqueue persists one outbound message for later draining.
func (m *Manager) Enqueue(ctx context.Context, topic string, payload []byte, qos byte, idempotencyKey string) (int64, error) {
	id, err := m.store.PutBacklog(ctx, time.Now().UTC(), topic, payload, qos, idempotencyKey)
	if err != nil {
		return 0, fmt.Errorf("backlog: enqueue: %w", err)
	}
	m.observer.ObserveBacklogEnqueued()
	m.logger.Debug("backlog enqueued", "id", id, "topic", topic)
	return id, nil
}

// Start begins the drain loop in a background goroutine. It is a no-op
// if the loop is already running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.loop(ctx, m.done)
}

// Stop cancels the drain loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rows, err := m.store.FetchBacklog(ctx, m.config.BatchSize)
		if err != nil {
			m.logger.Error("backlog fetch failed", "err", err.Error())
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}

		if len(rows) == 0 {
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}

		var successIDs []int64
		for _, row := range rows {
			if err := m.publish(ctx, row.Topic, row.Payload, row.QoS); err != nil {
				m.logger.Warn("backlog publish failed", "id", row.ID, "err", err.Error())
				break
			}
			successIDs = append(successIDs, row.ID)
		}

		if len(successIDs) > 0 {
			if err := m.store.MarkSent(ctx, successIDs, true); err != nil {
				m.logger.Error("backlog mark sent failed", "err", err.Error())
			} else {
				m.observer.ObserveBacklogDrained(len(successIDs))
			}
		}

		m.adjustRate(ctx)

		if !sleepOrDone(ctx, m.adaptiveDelay) {
			return
		}
	}
}

// adjustRate reads the current queue depth and slows the drain loop
// as it grows: full rate, half above 10k queued, a fifth above 100k.
func (m *Manager) adjustRate(ctx context.Context) {
	counts, err := m.store.BacklogCounts(ctx)
	if err != nil {
		m.logger.Error("backlog stats failed", "err", err.Error())
		return
	}
	m.observer.ObserveBacklogDepth(int64(counts.Queued))

	rate := m.config.MaxRate
	switch {
	case counts.Queued > 100_000:
		m.adaptiveDelay = rateDelay(maxInt(rate/5, 1))
	case counts.Queued > 10_000:
		m.adaptiveDelay = rateDelay(maxInt(rate/2, 1))
	default:
		m.adaptiveDelay = rateDelay(rate)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
