// Package config loads gateway configuration from environment
// variables (prefixed EDGE_GW_) and an optional YAML file, via
// spf13/viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every tunable the gateway needs at startup.
type Config struct {
	Site     string
	DeviceID string

	MQTTURI        string
	MQTTUsername   string
	MQTTPassword   string
	MQTTKeepalive  int
	MQTTUseTLS     bool
	MQTTCAFile     string
	MQTTCertFile   string
	MQTTKeyFile    string
	MQTTQoS        int
	MQTTLWTTopic   string
	MQTTLWTPayload string

	USBDevice          string
	SerialBaud         int
	SerialRetrySeconds int
	SerialCodec        string

	SQLitePath       string
	RetentionDays    int
	BacklogMaxBatch  int
	BacklogMaxRate   int

	EdgeBindHost       string
	EdgeBindPort       int
	EdgeBindLAN        bool
	EdgeBasicAuthUser  string
	EdgeBasicAuthPass  string

	TimeSyncIntervalHours int
	CmdTimeoutSeconds     int
	CmdMaxRetries         int
	CmdRetryBackoffSec    int

	LogLevel string
	LogJSON  bool

	ConfigFile string
}

const envPrefix = "EDGE_GW"

// Load reads configuration from environment variables and, if set, a
// YAML file at configFile. Unset options fall back to built-in
// defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Site:     v.GetString("site"),
		DeviceID: v.GetString("device_id"),

		MQTTURI:        v.GetString("mqtt_uri"),
		MQTTUsername:   v.GetString("mqtt_username"),
		MQTTPassword:   v.GetString("mqtt_password"),
		MQTTKeepalive:  v.GetInt("mqtt_keepalive"),
		MQTTUseTLS:     v.GetBool("mqtt_use_tls"),
		MQTTCAFile:     v.GetString("mqtt_ca_file"),
		MQTTCertFile:   v.GetString("mqtt_cert_file"),
		MQTTKeyFile:    v.GetString("mqtt_key_file"),
		MQTTQoS:        v.GetInt("mqtt_qos"),
		MQTTLWTTopic:   v.GetString("mqtt_lwt_topic"),
		MQTTLWTPayload: v.GetString("mqtt_lwt_payload"),

		USBDevice:          v.GetString("usb_device"),
		SerialBaud:         v.GetInt("serial_baud"),
		SerialRetrySeconds: v.GetInt("serial_retry_seconds"),
		SerialCodec:        v.GetString("serial_codec"),

		SQLitePath:      v.GetString("sqlite_path"),
		RetentionDays:   v.GetInt("retention_days"),
		BacklogMaxBatch: v.GetInt("backlog_max_batch"),
		BacklogMaxRate:  v.GetInt("backlog_max_rate"),

		EdgeBindHost:      v.GetString("edge_bind_host"),
		EdgeBindPort:      v.GetInt("edge_bind_port"),
		EdgeBindLAN:       v.GetBool("edge_bind_lan"),
		EdgeBasicAuthUser: v.GetString("edge_basic_auth_user"),
		EdgeBasicAuthPass: v.GetString("edge_basic_auth_pass"),

		TimeSyncIntervalHours: v.GetInt("time_sync_interval_hours"),
		CmdTimeoutSeconds:     v.GetInt("cmd_timeout_seconds"),
		CmdMaxRetries:         v.GetInt("cmd_max_retries"),
		CmdRetryBackoffSec:    v.GetInt("cmd_retry_backoff_seconds"),

		LogLevel: v.GetString("log_level"),
		LogJSON:  v.GetBool("log_json"),

		ConfigFile: configFile,
	}

	if cfg.SerialCodec != "cbor" && cfg.SerialCodec != "msgpack" {
		cfg.SerialCodec = "msgpack"
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site", "KIN-GOLIATH")
	v.SetDefault("device_id", "esp32gw-01")

	v.SetDefault("mqtt_uri", "mqtts://broker.example.com:8883")
	v.SetDefault("mqtt_username", "edge-agent")
	v.SetDefault("mqtt_password", "change-me")
	v.SetDefault("mqtt_keepalive", 30)
	v.SetDefault("mqtt_use_tls", true)
	v.SetDefault("mqtt_ca_file", "/etc/ssl/certs/ca-certificates.crt")
	v.SetDefault("mqtt_qos", 1)

	v.SetDefault("usb_device", "/dev/ttyESP-GW")
	v.SetDefault("serial_baud", 921600)
	v.SetDefault("serial_retry_seconds", 5)
	v.SetDefault("serial_codec", "msgpack")

	v.SetDefault("sqlite_path", "/var/lib/edge-gateway/edge.db")
	v.SetDefault("retention_days", 28)
	v.SetDefault("backlog_max_batch", 500)
	v.SetDefault("backlog_max_rate", 500)

	v.SetDefault("edge_bind_host", "127.0.0.1")
	v.SetDefault("edge_bind_port", 8081)
	v.SetDefault("edge_bind_lan", false)
	v.SetDefault("edge_basic_auth_user", "admin")
	v.SetDefault("edge_basic_auth_pass", "change-me")

	v.SetDefault("time_sync_interval_hours", 6)
	v.SetDefault("cmd_timeout_seconds", 3)
	v.SetDefault("cmd_max_retries", 2)
	v.SetDefault("cmd_retry_backoff_seconds", 2)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
}

// BaseTopic is the MQTT topic root for this site/device pair.
func (c *Config) BaseTopic() string {
	return fmt.Sprintf("v1/farm/%s/%s", c.Site, c.DeviceID)
}

// TelemetryTopic returns the topic for a telemetry channel, falling
// back to "env" for unrecognized channels.
func (c *Config) TelemetryTopic(channel string) string {
	switch channel {
	case "env", "power", "water", "incubator":
		return fmt.Sprintf("%s/telemetry/%s", c.BaseTopic(), channel)
	default:
		return fmt.Sprintf("%s/telemetry/env", c.BaseTopic())
	}
}

// CmdTopic is this gateway's own command topic.
func (c *Config) CmdTopic() string {
	return c.BaseTopic() + "/cmd"
}

// CmdSubscriptionTopic is the wildcard subscription covering every
// device's command topic under this site.
func (c *Config) CmdSubscriptionTopic() string {
	return fmt.Sprintf("v1/farm/%s/+/cmd", c.Site)
}

// AckTopic is the topic command acks are published to.
func (c *Config) AckTopic() string {
	return c.BaseTopic() + "/ack"
}

// StatusTopic is the topic gateway status messages are published to.
func (c *Config) StatusTopic() string {
	return c.BaseTopic() + "/status"
}
