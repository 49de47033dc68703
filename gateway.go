package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldmesh/edge-gateway/internal/backlog"
	"github.com/fieldmesh/edge-gateway/internal/broker"
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

// serialLink is the surface Gateway needs from the serial bridge,
// satisfied by *serialbridge.Bridge and, in tests, by a bridge wired
// to a MockSerialPort.
type serialLink interface {
	Start(ctx context.Context)
	Stop()
	Send(frame.Message) error
	IsConnected() bool
}

// mqttClient is the surface Gateway needs from the broker client,
// satisfied by *broker.Client and, in tests, by MockBroker.
type mqttClient interface {
	Start(stopCh <-chan struct{})
	Stop()
	Subscribe(topic string, qos byte, handler broker.MessageHandler)
	Publish(topic string, payload []byte, qos byte) error
	IsConnected() bool
	ReconnectCount() uint64
}

// Gateway wires every subsystem together: the serial bridge to the
// mesh co-processor, the MQTT broker client, the durable backlog, the
// command/ack correlator, the device directory, the health monitor,
// and the scheduler that drives periodic jobs.
type Gateway struct {
	cfg *config.Config

	logger   *logging.Logger
	metrics  *Metrics
	observer Observer

	store      *store.Store
	serial     serialLink
	mqtt       mqttClient
	backlogMgr *backlog.Manager
	cmds       *commands.Manager
	health     *health.Monitor
	devices    *device.Directory
	sched      *scheduler.Scheduler

	stopCh   chan struct{}
	stopOnce sync.Once
}

var (
	_ serialLink = (*serialbridge.Bridge)(nil)
	_ mqttClient = (*broker.Client)(nil)
)

// New constructs a Gateway from cfg without starting anything.
func New(cfg *config.Config) (*Gateway, error) {
	logging.SetDefault(logging.NewLogger(&logging.Config{
		Level: logging.LevelFromString(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	}))
	logger := logging.Default().With("gateway")

	st, err := store.Open(store.Config{Path: cfg.SQLitePath, RetentionDays: cfg.RetentionDays})
	if err != nil {
		return nil, WrapError("gateway.new", ErrCodeStoreError, err)
	}

	metrics := NewMetrics()
	observer := NewMetricsObserver(metrics)

	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		observer: observer,
		store:    st,
		health:   health.New(),
		devices:  device.New(),
		sched:    scheduler.New(scheduler.Config{TimeSyncIntervalHours: cfg.TimeSyncIntervalHours, LinkHealthInterval: 15 * time.Second}),
		stopCh:   make(chan struct{}),
	}

	codec := frame.CodecMsgPack
	if cfg.SerialCodec == "cbor" {
		codec = frame.CodecCBOR
	}

	g.serial = serialbridge.NewWithRealPort(serialbridge.Config{
		Device:       cfg.USBDevice,
		Baud:         cfg.SerialBaud,
		RetrySeconds: cfg.SerialRetrySeconds,
		Codec:        codec,
		ReadChunk:    256,
	}, g.handleSerialMessage, observer)

	mqttCfg := broker.DefaultConfig()
	mqttCfg.URI = cfg.MQTTURI
	mqttCfg.Username = cfg.MQTTUsername
	mqttCfg.Password = cfg.MQTTPassword
	mqttCfg.ClientID = cfg.DeviceID
	mqttCfg.KeepaliveSec = cfg.MQTTKeepalive
	mqttCfg.UseTLS = cfg.MQTTUseTLS
	mqttCfg.CAFile = cfg.MQTTCAFile
	mqttCfg.CertFile = cfg.MQTTCertFile
	mqttCfg.KeyFile = cfg.MQTTKeyFile
	mqttCfg.QoS = byte(cfg.MQTTQoS)
	mqttCfg.LWTTopic = cfg.MQTTLWTTopic
	if mqttCfg.LWTTopic == "" {
		mqttCfg.LWTTopic = cfg.StatusTopic()
	}
	mqttCfg.LWTPayload = cfg.MQTTLWTPayload
	if mqttCfg.LWTPayload == "" {
		mqttCfg.LWTPayload = fmt.Sprintf(`{"status":"offline","ts":%q}`, frame.ISOTimestamp(time.Now()))
	}
	mqttClient, err := broker.New(mqttCfg)
	if err != nil {
		return nil, fmt.Errorf("gateway: broker init: %w", err)
	}
	g.mqtt = mqttClient

	g.backlogMgr = backlog.New(st, g.publishViaBroker, backlog.Config{
		BatchSize: cfg.BacklogMaxBatch,
		MaxRate:   cfg.BacklogMaxRate,
	}, observer)

	g.cmds = commands.New(g.serial.Send, st, commands.Config{
		Timeout:      time.Duration(cfg.CmdTimeoutSeconds) * time.Second,
		MaxRetries:   cfg.CmdMaxRetries,
		RetryBackoff: time.Duration(cfg.CmdRetryBackoffSec) * time.Second,
	}, observer)

	return g, nil
}

// Start brings every subsystem up: scheduler jobs, then the backlog
// drain, then the broker, then the serial link, then an immediate
// link-health sample.
func (g *Gateway) Start(ctx context.Context) error {
	g.mqtt.Subscribe(g.cfg.CmdSubscriptionTopic(), byte(g.cfg.MQTTQoS), g.handleMQTTCommand)

	if err := g.sched.Start(ctx,
		func(ctx context.Context) error { return g.store.PurgeRetention(ctx) },
		g.sendTimeSync,
		g.sampleLinkHealth,
	); err != nil {
		return fmt.Errorf("gateway: start scheduler: %w", err)
	}

	g.backlogMgr.Start(ctx)
	g.mqtt.Start(g.stopCh)
	g.serial.Start(ctx)

	g.publishWithBacklog(ctx, g.cfg.StatusTopic(), frame.Message{
		"type":   "status",
		"status": "online",
		"ts":     frame.ISOTimestamp(time.Now()),
		"site":   g.cfg.Site,
		"device": g.cfg.DeviceID,
	}, byte(g.cfg.MQTTQoS))

	if err := g.sampleLinkHealth(ctx); err != nil {
		g.logger.Warn("initial link health sample failed", "err", err.Error())
	}

	g.logger.Info("gateway started", "site", g.cfg.Site, "device_id", g.cfg.DeviceID)
	return nil
}

// Stop tears every subsystem down in reverse order of Start: serial,
// then broker, then backlog, then storage, then the scheduler. Safe to
// call more than once.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.serial.Stop()
		close(g.stopCh)
		g.mqtt.Stop()
		g.backlogMgr.Stop()
		if err := g.store.Close(); err != nil {
			g.logger.Error("store close failed", "err", err.Error())
		}
		g.sched.Stop()
		g.metrics.Stop()
		g.logger.Info("gateway stopped")
	})
}

// Metrics returns the gateway's operational metrics.
func (g *Gateway) Metrics() *Metrics { return g.metrics }

// Health returns the gateway's health monitor.
func (g *Gateway) Health() *health.Monitor { return g.health }

// Devices returns the gateway's device directory.
func (g *Gateway) Devices() *device.Directory { return g.devices }

// Store returns the gateway's durable store, for diagnostic reads.
func (g *Gateway) Store() *store.Store { return g.store }

func (g *Gateway) publishViaBroker(_ context.Context, topic string, payload []byte, qos byte) error {
	start := time.Now()
	err := g.mqtt.Publish(topic, payload, qos)
	g.observer.ObservePublish(uint64(time.Since(start).Nanoseconds()), err == nil)
	return err
}
