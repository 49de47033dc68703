package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fieldmesh/edge-gateway/internal/commands"
	"github.com/fieldmesh/edge-gateway/internal/frame"
	"github.com/fieldmesh/edge-gateway/internal/scheduler"
)

// publishWithBacklog tries a direct broker publish within a short
// deadline; on any failure it falls back to the durable backlog so
// the message survives a broker or network outage. MQTT payloads are
// JSON; the CBOR/MsgPack frame codec belongs to the serial link only.
func (g *Gateway) publishWithBacklog(ctx context.Context, topic string, msg frame.Message, qos byte) {
	payload, err := json.Marshal(msg)
	if err != nil {
		g.logger.Error("publish_with_backlog: encode failed", "topic", topic, "err", err.Error())
		return
	}

	start := time.Now()
	err = g.mqtt.Publish(topic, payload, qos)
	g.observer.ObservePublish(uint64(time.Since(start).Nanoseconds()), err == nil)

	if err == nil {
		return
	}
	g.logger.Warn("publish_with_backlog: publish failed, enqueueing", "topic", topic, "err", err.Error())

	idempotencyKey, _ := msg["idempotency_key"].(string)
	if _, enqueueErr := g.backlogMgr.Enqueue(ctx, topic, payload, qos, idempotencyKey); enqueueErr != nil {
		g.logger.Error("publish_with_backlog: enqueue failed", "topic", topic, "err", enqueueErr.Error())
	}
}

// handleSerialMessage dispatches one decoded inbound frame by its
// "type" field.
func (g *Gateway) handleSerialMessage(msg frame.Message) {
	kind := msg.Type()
	g.observer.ObserveMessageType(kind)
	ctx := context.Background()

	switch kind {
	case "telemetry":
		g.handleTelemetry(ctx, msg)
	case "ack":
		if err := g.cmds.HandleAck(ctx, msg); err != nil {
			g.logger.Error("handle ack failed", "err", err.Error())
		}
		g.publishWithBacklog(ctx, g.cfg.AckTopic(), msg, byte(g.cfg.MQTTQoS))
	case "status":
		detail := make(map[string]any, len(msg))
		for k, v := range msg {
			if k == "type" || k == "status" {
				continue
			}
			detail[k] = v
		}
		status, _ := msg["status"].(string)
		if status == "" {
			status = "unknown"
		}
		g.health.SetState("gateway", status, detail)
		g.publishWithBacklog(ctx, g.cfg.StatusTopic(), msg, byte(g.cfg.MQTTQoS))
	case "event":
		assetID, _ := msg["asset_id"].(string)
		if assetID == "" {
			assetID = "unknown"
		}
		eventType, _ := msg["event"].(string)
		if eventType == "" {
			eventType = "generic"
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			g.logger.Error("event encode failed", "err", err.Error())
			return
		}
		if err := g.store.StoreEvent(ctx, time.Now().UTC(), assetID, eventType, payload); err != nil {
			g.logger.Error("store event failed", "err", err.Error())
		}
		g.publishWithBacklog(ctx, g.cfg.BaseTopic()+"/status", msg, byte(g.cfg.MQTTQoS))
	default:
		g.logger.Debug("unknown inbound serial message", "type", kind)
	}
}

// handleTelemetry persists a telemetry reading, registers/touches the
// reporting device, and relays it to the matching cloud topic.
func (g *Gateway) handleTelemetry(ctx context.Context, msg frame.Message) {
	assetID, _ := msg["asset_id"].(string)
	if assetID == "" {
		g.logger.Warn("telemetry missing asset_id")
		return
	}

	metrics := make(map[string]float64)
	if rawMetrics, ok := msg["metrics"].(map[string]any); ok {
		for k, v := range rawMetrics {
			if f, ok := toFloat(v); ok {
				metrics[k] = f
			}
		}
	}

	var rssiDbm *int
	if rssi, ok := msg["rssi_dbm"]; ok {
		if f, ok := toFloat(rssi); ok {
			v := int(f)
			rssiDbm = &v
		}
	}

	ts := time.Now().UTC()
	if raw, ok := msg["ts"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed.UTC()
		}
	}

	if err := g.store.StoreTelemetry(ctx, ts, assetID, metrics, rssiDbm); err != nil {
		g.logger.Error("store telemetry failed", "asset_id", assetID, "err", err.Error())
	}

	if mac, ok := msg["mac"].(string); ok && mac != "" {
		firmware, _ := msg["fw"].(string)
		g.devices.Register(mac, assetID, firmware)
		g.devices.Touch(mac, rssiDbm, firmware)
	}

	channel, _ := msg["channel"].(string)
	if channel == "" {
		channel = "env"
	}
	g.publishWithBacklog(ctx, g.cfg.TelemetryTopic(channel), msg, byte(g.cfg.MQTTQoS))
}

// handleMQTTCommand dispatches an inbound cloud command to the device
// over the serial link and relays the (possibly synthetic timeout)
// ack back to the cloud.
func (g *Gateway) handleMQTTCommand(topic string, payload []byte) {
	var msg frame.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		g.logger.Error("command decode failed", "topic", topic, "err", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(g.cfg.CmdTimeoutSeconds)*time.Second*time.Duration(g.cfg.CmdMaxRetries+1)+
			time.Duration(g.cfg.CmdRetryBackoffSec)*time.Second*time.Duration(g.cfg.CmdMaxRetries)+
			5*time.Second)
	defer cancel()

	result, err := g.cmds.Send(ctx, msg)
	if err != nil {
		if !errors.Is(err, commands.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			g.logger.Error("command dispatch failed", "topic", topic, "err", err.Error())
			return
		}
		assetID, _ := msg["asset_id"].(string)
		correlationID, _ := msg["correlation_id"].(string)
		synthetic := frame.Message{
			"type":           "ack",
			"asset_id":       assetID,
			"correlation_id": correlationID,
			"ok":             false,
			"message":        "timeout",
			"ts":             frame.ISOTimestamp(time.Now()),
		}
		g.publishWithBacklog(context.Background(), g.cfg.AckTopic(), synthetic, byte(g.cfg.MQTTQoS))
		return
	}

	g.publishWithBacklog(context.Background(), g.cfg.AckTopic(), result, byte(g.cfg.MQTTQoS))
}

// sendTimeSync broadcasts a time-sync message over the serial link.
func (g *Gateway) sendTimeSync(_ context.Context) error {
	msg := scheduler.BuildSyncMessage(0)
	return g.serial.Send(msg)
}

// sampleLinkHealth records the current state of the three link layers
// the diagnostic façade cares about: mqtt, serial, and backlog depth.
func (g *Gateway) sampleLinkHealth(ctx context.Context) error {
	mqttStatus := "ok"
	if !g.mqtt.IsConnected() {
		mqttStatus = "down"
	}
	g.health.SetState("mqtt", mqttStatus, map[string]any{"reconnects": g.mqtt.ReconnectCount()})

	serialStatus := "ok"
	if !g.serial.IsConnected() {
		serialStatus = "down"
	}
	g.health.SetState("serial", serialStatus, nil)

	counts, err := g.store.BacklogCounts(ctx)
	if err != nil {
		return err
	}
	backlogStatus := "ok"
	if counts.Queued >= 1000 {
		backlogStatus = "degraded"
	}
	g.health.SetState("backlog", backlogStatus, map[string]any{
		"queued":   counts.Queued,
		"inflight": counts.Inflight,
	})
	g.observer.ObserveBacklogDepth(int64(counts.Queued))
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
