package gateway

import (
	"sync"
	"time"

	"github.com/fieldmesh/edge-gateway/internal/broker"
)

// MockSerialPort is an in-memory stand-in for the USB-serial link to the
// ESP32 co-processor, used by the internal/serialbridge tests and by this
// package's gateway and façade tests. It implements serialbridge.Port's shape (Read,
// Write, Close) over byte queues instead of a real tty.
type MockSerialPort struct {
	mu     sync.Mutex
	inbox  [][]byte // frames the test pretends arrived from the co-processor
	outbox [][]byte // frames written by the bridge under test
	closed bool

	readCalls  int
	writeCalls int
}

// NewMockSerialPort creates an empty mock serial port.
func NewMockSerialPort() *MockSerialPort {
	return &MockSerialPort{}
}

// Write implements io.Writer, recording the raw bytes written by the bridge.
func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.closed {
		return 0, ErrLinkDown
	}

	buf := make([]byte, len(p))
	copy(buf, p)
	m.outbox = append(m.outbox, buf)
	return len(p), nil
}

// Read implements io.Reader, draining queued inbound frames one at a
// time. An empty inbox behaves like a quiet tty: a short blocking wait,
// then a zero-byte read.
func (m *MockSerialPort) Read(p []byte) (int, error) {
	m.mu.Lock()

	m.readCalls++
	if m.closed {
		m.mu.Unlock()
		return 0, ErrLinkDown
	}
	if len(m.inbox) == 0 {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}

	next := m.inbox[0]
	n := copy(p, next)
	if n < len(next) {
		m.inbox[0] = next[n:]
	} else {
		m.inbox = m.inbox[1:]
	}
	m.mu.Unlock()
	return n, nil
}

// Close marks the port closed; further reads/writes return ErrLinkDown.
func (m *MockSerialPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Feed queues a raw frame for the next Read call to return, simulating
// a message arriving from the co-processor.
func (m *MockSerialPort) Feed(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(frame))
	copy(buf, frame)
	m.inbox = append(m.inbox, buf)
}

// Written returns every frame written to the port so far, in order.
func (m *MockSerialPort) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.outbox))
	copy(out, m.outbox)
	return out
}

// IsClosed reports whether Close has been called.
func (m *MockSerialPort) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCounts returns read/write call counts, for assertions on retry
// and backoff behaviour.
func (m *MockSerialPort) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{"read": m.readCalls, "write": m.writeCalls}
}

// publishedMessage records one MockBroker.Publish call.
type publishedMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// MockBroker is an in-memory stand-in for the MQTT broker client, used
// by this package's gateway and façade tests. It tracks every publish
// and can simulate
// connect/disconnect transitions.
type MockBroker struct {
	mu          sync.Mutex
	connected   bool
	published   []publishedMessage
	failNext    int // number of subsequent Publish calls to fail
	subscribers map[string]broker.MessageHandler
}

// NewMockBroker creates a MockBroker starting in the connected state.
func NewMockBroker() *MockBroker {
	return &MockBroker{connected: true, subscribers: make(map[string]broker.MessageHandler)}
}

// Start and Stop satisfy the gateway's broker-client interface; the
// mock has no background connection loop to run.
func (b *MockBroker) Start(<-chan struct{}) {}
func (b *MockBroker) Stop()                 {}

// ReconnectCount always reports zero for the mock.
func (b *MockBroker) ReconnectCount() uint64 { return 0 }

// IsConnected reports the simulated connection state.
func (b *MockBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SetConnected forces the simulated connection state, for reconnect tests.
func (b *MockBroker) SetConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

// FailNext makes the next n Publish calls return an *Error with code
// ErrCodeBrokerUnavailable.
func (b *MockBroker) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

// Publish records the message and returns an error if the broker is
// disconnected or FailNext was armed.
func (b *MockBroker) Publish(topic string, payload []byte, qos byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return NewError("broker.publish", ErrCodeBrokerUnavailable, "not connected")
	}
	if b.failNext > 0 {
		b.failNext--
		return NewError("broker.publish", ErrCodeBrokerUnavailable, "simulated failure")
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	b.published = append(b.published, publishedMessage{Topic: topic, Payload: buf, QoS: qos})
	return nil
}

// Subscribe records a handler for a topic and, if the test later calls
// Deliver, routes inbound test messages to it. qos is accepted for
// interface parity with broker.Client and ignored.
func (b *MockBroker) Subscribe(topic string, qos byte, handler broker.MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = handler
}

// Deliver simulates an inbound message arriving on topic.
func (b *MockBroker) Deliver(topic string, payload []byte) {
	b.mu.Lock()
	handler := b.subscribers[topic]
	b.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// Published returns every message published so far, in order.
func (b *MockBroker) Published() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]publishedMessage, len(b.published))
	copy(out, b.published)
	return out
}

// Reset clears recorded publishes and call state, keeping the connection flag.
func (b *MockBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = nil
	b.failNext = 0
}
