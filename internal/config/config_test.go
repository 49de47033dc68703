package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "esp32gw-01", cfg.DeviceID)
	require.Equal(t, 921600, cfg.SerialBaud)
	require.Equal(t, "msgpack", cfg.SerialCodec)
	require.Equal(t, 28, cfg.RetentionDays)
	require.Equal(t, 3, cfg.CmdTimeoutSeconds)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("EDGE_GW_SITE", "KIN-TEST")
	t.Setenv("EDGE_GW_DEVICE_ID", "esp32gw-42")
	t.Setenv("EDGE_GW_SERIAL_BAUD", "115200")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "KIN-TEST", cfg.Site)
	require.Equal(t, "esp32gw-42", cfg.DeviceID)
	require.Equal(t, 115200, cfg.SerialBaud)
}

func TestLoadInvalidCodecFallsBackToMsgpack(t *testing.T) {
	t.Setenv("EDGE_GW_SERIAL_CODEC", "protobuf")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "msgpack", cfg.SerialCodec)
}

func TestTopicHelpers(t *testing.T) {
	cfg := &Config{Site: "KIN-GOLIATH", DeviceID: "esp32gw-01"}
	require.Equal(t, "v1/farm/KIN-GOLIATH/esp32gw-01", cfg.BaseTopic())
	require.Equal(t, "v1/farm/KIN-GOLIATH/esp32gw-01/telemetry/power", cfg.TelemetryTopic("power"))
	require.Equal(t, "v1/farm/KIN-GOLIATH/esp32gw-01/telemetry/env", cfg.TelemetryTopic("unknown-channel"))
	require.Equal(t, "v1/farm/KIN-GOLIATH/esp32gw-01/cmd", cfg.CmdTopic())
	require.Equal(t, "v1/farm/KIN-GOLIATH/+/cmd", cfg.CmdSubscriptionTopic())
	require.Equal(t, "v1/farm/KIN-GOLIATH/esp32gw-01/ack", cfg.AckTopic())
	require.Equal(t, "v1/farm/KIN-GOLIATH/esp32gw-01/status", cfg.StatusTopic())
}
