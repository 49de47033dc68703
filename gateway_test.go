package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/edge-gateway/internal/backlog"
	"github.com/fieldmesh/edge-gateway/internal/commands"
	"github.com/fieldmesh/edge-gateway/internal/config"
	"github.com/fieldmesh/edge-gateway/internal/device"
	"github.com/fieldmesh/edge-gateway/internal/frame"
	"github.com/fieldmesh/edge-gateway/internal/health"
	"github.com/fieldmesh/edge-gateway/internal/logging"
	"github.com/fieldmesh/edge-gateway/internal/scheduler"
	"github.com/fieldmesh/edge-gateway/internal/serialbridge"
	"github.com/fieldmesh/edge-gateway/internal/store"
)

// testGateway builds a Gateway wired to a mock serial port and mock
// broker instead of a real tty/connection, mirroring gateway.New's
// wiring order without touching real I/O.
func testGateway(t *testing.T) (*Gateway, *MockSerialPort, *MockBroker) {
	t.Helper()

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gw.db"), RetentionDays: 28})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	port := NewMockSerialPort()
	mb := NewMockBroker()

	cfg := &config.Config{
		Site:               "KIN-TEST",
		DeviceID:           "esp32gw-test",
		MQTTQoS:            1,
		CmdTimeoutSeconds:  1,
		CmdMaxRetries:      1,
		CmdRetryBackoffSec: 0,
	}

	metrics := NewMetrics()
	observer := NewMetricsObserver(metrics)

	g := &Gateway{
		cfg:      cfg,
		logger:   logging.Default().With("gateway-test"),
		metrics:  metrics,
		observer: observer,
		store:    st,
		health:   health.New(),
		devices:  device.New(),
		sched:    scheduler.New(scheduler.DefaultConfig()),
		stopCh:   make(chan struct{}),
	}

	bridge := serialbridge.New(serialbridge.Config{Codec: frame.CodecCBOR, RetrySeconds: 1}, g.handleSerialMessage, func() (serialbridge.Port, error) {
		return port, nil
	}, observer)
	g.serial = bridge
	g.mqtt = mb

	g.backlogMgr = backlog.New(st, g.publishViaBroker, backlog.Config{BatchSize: 10, MaxRate: 50}, observer)
	g.cmds = commands.New(g.serial.Send, st, commands.Config{
		Timeout:      time.Duration(cfg.CmdTimeoutSeconds) * time.Second,
		MaxRetries:   cfg.CmdMaxRetries,
		RetryBackoff: time.Duration(cfg.CmdRetryBackoffSec) * time.Second,
	}, observer)

	return g, port, mb
}

func TestHandleTelemetryStoresAndPublishes(t *testing.T) {
	g, _, mb := testGateway(t)

	g.handleSerialMessage(frame.Message{
		"type":     "telemetry",
		"asset_id": "env-01",
		"mac":      "AA:BB:CC:DD:EE:FF",
		"fw":       "1.2.3",
		"channel":  "env",
		"metrics":  map[string]any{"t_c": 21.5, "rh": 55.0},
	})

	published := mb.Published()
	require.Len(t, published, 1)
	require.Equal(t, "v1/farm/KIN-TEST/esp32gw-test/telemetry/env", published[0].Topic)

	assetID, ok := g.devices.ResolveAsset("AA:BB:CC:DD:EE:FF")
	require.True(t, ok)
	require.Equal(t, "env-01", assetID)

	points, err := g.store.LatestTelemetry(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, 21.5, points[0].Metrics["t_c"])
}

func TestHandleSerialMessageStatusUpdatesHealth(t *testing.T) {
	g, _, mb := testGateway(t)

	g.handleSerialMessage(frame.Message{"type": "status", "status": "ok", "battery_pct": 87.0})

	snap := g.health.Snapshot()
	require.Equal(t, "ok", snap["gateway"].Status)
	require.Equal(t, 87.0, snap["gateway"].Detail["battery_pct"])
	require.Len(t, mb.Published(), 1)
}

func TestPublishWithBacklogFallsBackWhenBrokerDisconnected(t *testing.T) {
	g, _, mb := testGateway(t)
	mb.SetConnected(false)

	g.publishWithBacklog(context.Background(), "v1/farm/KIN-TEST/esp32gw-test/status", frame.Message{"type": "status", "status": "online"}, 1)

	require.Empty(t, mb.Published())
	counts, err := g.store.BacklogCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts.Queued)
}

func TestHandleMQTTCommandRelaysAckFromDevice(t *testing.T) {
	g, port, mb := testGateway(t)
	g.serial.Start(context.Background())
	t.Cleanup(g.serial.Stop)
	require.Eventually(t, g.serial.IsConnected, time.Second, 5*time.Millisecond)

	cmdPayload, err := json.Marshal(frame.Message{"asset_id": "env-01", "command": "reboot"})
	require.NoError(t, err)

	go func() {
		require.Eventually(t, func() bool {
			return len(port.Written()) >= 1
		}, time.Second, 5*time.Millisecond)

		written := port.Written()[0]
		framer := frame.NewFramer(frame.CodecCBOR)
		sent, err := framer.DecodeFrame(written)
		require.NoError(t, err)
		corr, _ := sent["correlation_id"].(string)

		ack, err := framer.EncodeFrame(frame.Message{"type": "ack", "correlation_id": corr, "asset_id": "env-01", "ok": true})
		require.NoError(t, err)
		port.Feed(ack)
	}()

	g.handleMQTTCommand("v1/farm/KIN-TEST/esp32gw-test/cmd/env-01", cmdPayload)

	require.Eventually(t, func() bool { return len(mb.Published()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	published := mb.Published()
	var ack frame.Message
	require.NoError(t, json.Unmarshal(published[len(published)-1].Payload, &ack))
	require.Equal(t, true, ack["ok"])
}

func TestSampleLinkHealthReportsBacklogOKBelowThreshold(t *testing.T) {
	g, _, _ := testGateway(t)

	err := g.sampleLinkHealth(context.Background())
	require.NoError(t, err)

	snap := g.health.Snapshot()
	require.Equal(t, "ok", snap["backlog"].Status)
}
