// Package broker wraps the cloud MQTT connection: last-will, durable
// (clean_session=false) sessions, reconnect-with-backoff, and a
// publish call that blocks until the broker confirms delivery.
package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldmesh/edge-gateway/internal/logging"
)

// MessageHandler processes one inbound message on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Config configures a Client.
type Config struct {
	URI             string
	Username        string
	Password        string
	ClientID        string
	KeepaliveSec    int
	UseTLS          bool
	CAFile          string
	CertFile        string
	KeyFile         string
	LWTTopic        string
	LWTPayload      string
	QoS             byte
	ReconnectDelay  time.Duration
	PublishDeadline time.Duration
}

// DefaultConfig is the stock broker configuration.
func DefaultConfig() Config {
	return Config{
		KeepaliveSec:    30,
		UseTLS:          true,
		QoS:             1,
		ReconnectDelay:  5 * time.Second,
		PublishDeadline: 2 * time.Second,
	}
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Client owns one MQTT connection. IsConnected is true only once both
// the transport is up and the on-connect callback has fired.
type Client struct {
	config Config
	client mqtt.Client
	logger *logging.Logger

	mu            sync.Mutex
	subscriptions []subscription

	connected      atomic.Bool
	reconnectCount atomic.Uint64
}

// newTLSConfig builds the TLS settings for the broker connection: the
// configured CA bundle (system roots when unset) plus an optional
// client certificate for mTLS.
func newTLSConfig(config Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.CAFile != "" {
		pem, err := os.ReadFile(config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("broker: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("broker: no certificates found in %s", config.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	if config.CertFile != "" && config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("broker: load client key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// New creates a Client. It does not connect until Start is called.
func New(config Config) (*Client, error) {
	if config.ClientID == "" {
		config.ClientID = "edge-gateway"
	}
	if config.QoS == 0 {
		config.QoS = 1
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.PublishDeadline == 0 {
		config.PublishDeadline = 2 * time.Second
	}

	c := &Client{config: config, logger: logging.Default().With("broker")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.URI)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetCleanSession(false)
	opts.SetKeepAlive(time.Duration(config.KeepaliveSec) * time.Second)
	opts.SetAutoReconnect(false) // the gateway drives its own reconnect loop
	opts.SetConnectRetry(false)

	if config.UseTLS {
		tlsCfg, err := newTLSConfig(config)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	if config.LWTTopic != "" && config.LWTPayload != "" {
		opts.SetWill(config.LWTTopic, config.LWTPayload, config.QoS, true)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.logger.Info("mqtt connected")
		c.mu.Lock()
		subs := append([]subscription(nil), c.subscriptions...)
		c.mu.Unlock()
		for _, sub := range subs {
			c.subscribeNow(sub)
		}
		c.connected.Store(true)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt disconnected", "err", err.Error())
		c.connected.Store(false)
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Subscribe registers a handler for topic. If already connected, the
// subscription is made immediately; otherwise it is replayed on the
// next successful connect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) {
	sub := subscription{topic: topic, qos: qos, handler: handler}
	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, sub)
	c.mu.Unlock()
	if c.connected.Load() {
		c.subscribeNow(sub)
	}
}

func (c *Client) subscribeNow(sub subscription) {
	token := c.client.Subscribe(sub.topic, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
		sub.handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("mqtt subscribe failed", "topic", sub.topic, "err", err.Error())
	}
}

// Start connects to the broker and keeps reconnecting with a fixed
// backoff until Stop is called.
func (c *Client) Start(stopCh <-chan struct{}) {
	go c.loop(stopCh)
}

func (c *Client) loop(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		token := c.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error("mqtt connection failed", "err", err.Error())
			c.reconnectCount.Add(1)
			select {
			case <-stopCh:
				return
			case <-time.After(c.config.ReconnectDelay):
			}
			continue
		}

		// Hold while the transport is up; once it drops, fall through
		// and connect again.
		for c.client.IsConnected() {
			select {
			case <-stopCh:
				return
			case <-time.After(c.config.ReconnectDelay):
			}
		}
	}
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	c.connected.Store(false)
	c.client.Disconnect(250)
}

// IsConnected reports whether the transport is up and the on-connect
// callback has fired.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected() && c.connected.Load()
}

// ReconnectCount returns how many times the connect loop has retried.
func (c *Client) ReconnectCount() uint64 {
	return c.reconnectCount.Load()
}

// Publish waits up to PublishDeadline for the broker connection, then
// publishes and waits up to PublishDeadline again for delivery
// confirmation. It returns an error if either wait runs out.
func (c *Client) Publish(topic string, payload []byte, qos byte) error {
	deadline := time.Now().Add(c.config.PublishDeadline)
	for !c.IsConnected() {
		if time.Now().After(deadline) {
			return fmt.Errorf("broker: publish: not connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	token := c.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(c.config.PublishDeadline) {
		return fmt.Errorf("broker: publish: confirmation timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	return nil
}
