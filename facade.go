package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fieldmesh/edge-gateway/internal/commands"
	"github.com/fieldmesh/edge-gateway/internal/device"
	"github.com/fieldmesh/edge-gateway/internal/frame"
	"github.com/fieldmesh/edge-gateway/internal/health"
	"github.com/fieldmesh/edge-gateway/internal/scheduler"
	"github.com/fieldmesh/edge-gateway/internal/store"
)

// This file is the surface the local diagnostic UI talks to. The HTTP
// layer itself lives in a separate process concern; every read and
// mutation it exposes maps onto one method here.

// StatusSnapshot is the gateway-wide view served at /status.
type StatusSnapshot struct {
	Site            string
	DeviceID        string
	MQTTConnected   bool
	SerialConnected bool
	Backlog         store.BacklogCounts
	PendingCommands int
	Health          map[string]health.State
}

// Snapshot collects the current state of every subsystem.
func (g *Gateway) Snapshot(ctx context.Context) (StatusSnapshot, error) {
	counts, err := g.store.BacklogCounts(ctx)
	if err != nil {
		return StatusSnapshot{}, WrapError("gateway.snapshot", ErrCodeStoreError, err)
	}
	return StatusSnapshot{
		Site:            g.cfg.Site,
		DeviceID:        g.cfg.DeviceID,
		MQTTConnected:   g.mqtt.IsConnected(),
		SerialConnected: g.serial.IsConnected(),
		Backlog:         counts,
		PendingCommands: g.cmds.PendingCount(),
		Health:          g.health.Snapshot(),
	}, nil
}

// LatestTelemetry returns the most recent readings folded per asset.
func (g *Gateway) LatestTelemetry(ctx context.Context, limit int) ([]store.AssetTelemetry, error) {
	return g.store.LatestTelemetry(ctx, limit)
}

// RecentAcks returns the most recent command acknowledgements.
func (g *Gateway) RecentAcks(ctx context.Context, limit int) ([]store.AckRecord, error) {
	return g.store.RecentAcks(ctx, limit)
}

// DeviceSnapshot returns every known mesh device.
func (g *Gateway) DeviceSnapshot() []device.Info {
	return g.devices.Snapshot()
}

// BufferStatus is the queue view served at /buffer: current counts plus
// the head of the unacked queue.
type BufferStatus struct {
	Counts store.BacklogCounts
	Head   []store.BacklogRow
}

// BufferSnapshot reports the backlog's counts and its first headLimit
// unacked rows in drain order.
func (g *Gateway) BufferSnapshot(ctx context.Context, headLimit int) (BufferStatus, error) {
	counts, err := g.store.BacklogCounts(ctx)
	if err != nil {
		return BufferStatus{}, WrapError("gateway.buffer", ErrCodeStoreError, err)
	}
	head, err := g.store.BacklogEntries(ctx, headLimit)
	if err != nil {
		return BufferStatus{}, WrapError("gateway.buffer", ErrCodeStoreError, err)
	}
	return BufferStatus{Counts: counts, Head: head}, nil
}

// PurgeBacklog deletes every already-acked backlog row and returns how
// many were removed. Unacked rows are never touched.
func (g *Gateway) PurgeBacklog(ctx context.Context) (int64, error) {
	return g.store.PurgeBacklog(ctx)
}

// ReplayBacklog (re)starts the drain loop. A no-op while the drainer is
// already running.
func (g *Gateway) ReplayBacklog(ctx context.Context) {
	g.backlogMgr.Start(ctx)
}

// ResetBacklog restarts the drain loop from scratch: stop, enqueue a
// manual-reset status marker, start again.
func (g *Gateway) ResetBacklog(ctx context.Context) error {
	g.backlogMgr.Stop()

	marker := frame.Message{
		"ts":     frame.ISOTimestamp(time.Now()),
		"status": "manual-reset",
		"site":   g.cfg.Site,
		"device": g.cfg.DeviceID,
	}
	payload, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("gateway: reset backlog: %w", err)
	}
	if _, err := g.backlogMgr.Enqueue(ctx, g.cfg.StatusTopic(), payload, byte(g.cfg.MQTTQoS), ""); err != nil {
		return err
	}

	g.backlogMgr.Start(ctx)
	return nil
}

// SendCommand dispatches cmd to the device over the serial link and
// blocks until its ack arrives or retries are exhausted.
func (g *Gateway) SendCommand(ctx context.Context, cmd frame.Message) (frame.Message, error) {
	result, err := g.cmds.Send(ctx, cmd)
	if err != nil {
		switch {
		case errors.Is(err, commands.ErrDuplicateCorrelation):
			return nil, WrapError("gateway.command", ErrCodeDuplicateCorrelation, err)
		case errors.Is(err, commands.ErrTimeout):
			return nil, WrapError("gateway.command", ErrCodeCommandTimeout, err)
		default:
			return nil, err
		}
	}
	return result, nil
}

// PendingCommands returns how many commands are awaiting an ack.
func (g *Gateway) PendingCommands() int {
	return g.cmds.PendingCount()
}

// TestRelay drives a single relay channel for field commissioning,
// optionally for a bounded duration.
func (g *Gateway) TestRelay(ctx context.Context, assetID, channel, state string, durationS int) (frame.Message, error) {
	if state != "ON" && state != "OFF" {
		return nil, NewAssetError("gateway.test_relay", assetID, ErrCodeInvalidPayload, "relay state must be ON or OFF")
	}

	cmd := frame.Message{
		"asset_id":       assetID,
		"relay":          map[string]any{channel: state},
		"setpoints":      map[string]any{},
		"correlation_id": fmt.Sprintf("ui-test-%d", time.Now().Unix()),
	}
	if durationS > 0 {
		cmd["sequence"] = []any{map[string]any{"act": channel, "dur_s": durationS}}
	}
	return g.SendCommand(ctx, cmd)
}

// PingDevice sends a fire-and-forget ping to a mesh device and returns
// the correlation id the eventual ack will carry.
func (g *Gateway) PingDevice(assetID, mac, correlationID string) (string, error) {
	if correlationID == "" {
		correlationID = fmt.Sprintf("ping-%d", time.Now().Unix())
	}
	msg := frame.Message{
		"type":           "ping",
		"asset_id":       assetID,
		"correlation_id": correlationID,
	}
	if mac != "" {
		msg["mac"] = mac
	}
	if err := g.serial.Send(msg); err != nil {
		return "", err
	}
	return correlationID, nil
}

// OpenPairing asks the co-processor to accept new devices for
// durationS seconds.
func (g *Gateway) OpenPairing(durationS int) error {
	return g.serial.Send(device.BuildPairBegin(durationS))
}

// ClosePairing ends the pairing window early.
func (g *Gateway) ClosePairing() error {
	return g.serial.Send(device.BuildPairEnd())
}

// ForceTimeSync broadcasts a time-sync immediately instead of waiting
// for the scheduler's next interval, and returns the message sent.
func (g *Gateway) ForceTimeSync() (frame.Message, error) {
	msg := scheduler.BuildSyncMessage(0)
	if err := g.serial.Send(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

var macPattern = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

// SetGatewayMAC reconfigures the co-processor's station MAC, optionally
// persisting it to its NVS.
func (g *Gateway) SetGatewayMAC(mac string, persist bool) error {
	mac = strings.ToLower(mac)
	if !macPattern.MatchString(mac) {
		return NewError("gateway.set_mac", ErrCodeInvalidPayload, "malformed MAC address")
	}
	return g.serial.Send(frame.Message{
		"type":    "cfg",
		"op":      "set_mac",
		"mac":     mac,
		"persist": persist,
	})
}
