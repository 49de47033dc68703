// Package serialbridge maintains the USB-CDC link to the ESP32 mesh
// co-processor: it frames outbound messages, reopens the port with
// backoff when the link drops, and dispatches decoded inbound
// messages to a handler.
package serialbridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/fieldmesh/edge-gateway/internal/frame"
	"github.com/fieldmesh/edge-gateway/internal/logging"
)

// Port is the minimal surface Bridge needs from a serial connection,
// satisfied by go.bug.st/serial.Port and by MockSerialPort in tests.
type Port interface {
	io.ReadWriteCloser
}

// Opener constructs a fresh Port for the configured device, retried by
// the read loop until it succeeds or the bridge is stopped.
type Opener func() (Port, error)

// Config configures a Bridge.
type Config struct {
	Device       string
	Baud         int
	RetrySeconds int
	Codec        frame.Codec
	ReadChunk    int // bytes requested per Read call; 0 defaults to 256
}

// DefaultConfig matches the co-processor link defaults.
func DefaultConfig() Config {
	return Config{
		Device:       "/dev/ttyUSB0",
		Baud:         921600,
		RetrySeconds: 5,
		Codec:        frame.CodecMsgPack,
		ReadChunk:    256,
	}
}

// Handler processes one decoded inbound message.
type Handler func(frame.Message)

// Observer receives frame traffic outcomes, satisfied by
// gateway.MetricsObserver.
type Observer interface {
	ObserveFrameDecoded(ok bool)
	ObserveFrameSent()
}

type noopObserver struct{}

func (noopObserver) ObserveFrameDecoded(bool) {}
func (noopObserver) ObserveFrameSent()        {}

// Bridge owns the serial port and the frame codec for one physical
// link. It is safe for concurrent Send calls; exactly one read loop
// runs per Bridge.
type Bridge struct {
	config   Config
	handler  Handler
	framer   *frame.Framer
	open     Opener
	logger   *logging.Logger
	observer Observer

	writeMu sync.Mutex
	port    Port
	portMu  sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Bridge. open is injected so tests can substitute
// MockSerialPort instead of a real tty. observer may be nil.
func New(config Config, handler Handler, open Opener, observer Observer) *Bridge {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Bridge{
		config:   config,
		handler:  handler,
		framer:   frame.NewFramer(config.Codec),
		open:     open,
		logger:   logging.Default().With("serialbridge"),
		observer: observer,
		done:     make(chan struct{}),
	}
}

// NewWithRealPort creates a Bridge that opens the configured device
// through go.bug.st/serial.
func NewWithRealPort(config Config, handler Handler, observer Observer) *Bridge {
	return New(config, handler, func() (Port, error) {
		mode := &serial.Mode{BaudRate: config.Baud}
		return serial.Open(config.Device, mode)
	}, observer)
}

// Start begins the read loop in a background goroutine. It returns
// immediately; use ctx to stop the bridge.
func (b *Bridge) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.readLoop(ctx)
}

// Stop cancels the read loop and closes the underlying port. A no-op
// if the bridge was never started.
func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.portMu.Lock()
	defer b.portMu.Unlock()
	if b.port != nil {
		_ = b.port.Close()
		b.port = nil
		b.logger.Info("serial port closed")
	}
}

// IsConnected reports whether a port is currently open.
func (b *Bridge) IsConnected() bool {
	b.portMu.Lock()
	defer b.portMu.Unlock()
	return b.port != nil
}

// Send frames msg and writes it to the port, serialized against
// concurrent writers.
func (b *Bridge) Send(msg frame.Message) error {
	wire, err := b.framer.EncodeFrame(msg)
	if err != nil {
		return fmt.Errorf("serialbridge: encode: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.portMu.Lock()
	port := b.port
	b.portMu.Unlock()
	if port == nil {
		return fmt.Errorf("serialbridge: send: %w", errLinkDown)
	}
	if _, err := port.Write(wire); err != nil {
		return fmt.Errorf("serialbridge: write: %w", err)
	}
	b.observer.ObserveFrameSent()
	return nil
}

var errLinkDown = fmt.Errorf("link down")

func (b *Bridge) ensureOpen(ctx context.Context) (Port, error) {
	b.portMu.Lock()
	existing := b.port
	b.portMu.Unlock()
	if existing != nil {
		return existing, nil
	}

	retry := time.Duration(b.config.RetrySeconds) * time.Second
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		port, err := b.open()
		if err == nil {
			b.portMu.Lock()
			b.port = port
			b.portMu.Unlock()
			b.logger.Info("serial port opened", "device", b.config.Device)
			return port, nil
		}

		b.logger.Warn("serial port unavailable, retrying", "device", b.config.Device, "err", err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (b *Bridge) readLoop(ctx context.Context) {
	defer close(b.done)

	var buf bytes.Buffer
	chunkSize := b.config.ReadChunk
	if chunkSize <= 0 {
		chunkSize = 256
	}
	chunk := make([]byte, chunkSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		port, err := b.ensureOpen(ctx)
		if err != nil {
			return
		}

		n, err := port.Read(chunk)
		if err != nil {
			b.logger.Error("serial read error", "err", err.Error())
			b.closePort()
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(b.config.RetrySeconds) * time.Second):
			}
			continue
		}
		if n == 0 {
			continue
		}
		buf.Write(chunk[:n])

		for {
			data := buf.Bytes()
			zeroIdx := bytes.IndexByte(data, 0x00)
			if zeroIdx < 0 {
				break
			}
			rawFrame := make([]byte, zeroIdx+1)
			copy(rawFrame, data[:zeroIdx+1])
			buf.Next(zeroIdx + 1)
			b.processFrame(rawFrame)
		}
	}
}

func (b *Bridge) processFrame(raw []byte) {
	msg, err := b.framer.DecodeFrame(raw)
	b.observer.ObserveFrameDecoded(err == nil)
	if err != nil {
		b.logger.Warn("failed to decode frame", "err", err.Error())
		return
	}
	b.handler(msg)
}

func (b *Bridge) closePort() {
	b.portMu.Lock()
	defer b.portMu.Unlock()
	if b.port != nil {
		_ = b.port.Close()
		b.port = nil
	}
}
