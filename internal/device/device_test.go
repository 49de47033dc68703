package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndResolveAsset(t *testing.T) {
	d := New()
	d.Register("AA:BB:CC:DD:EE:01", "sensor-1", "1.0.0")

	assetID, ok := d.ResolveAsset("AA:BB:CC:DD:EE:01")
	require.True(t, ok)
	require.Equal(t, "sensor-1", assetID)
}

func TestRegisterSameAssetUpdatesFirmwareInPlace(t *testing.T) {
	d := New()
	d.Register("AA:BB:CC:DD:EE:01", "sensor-1", "1.0.0")
	d.Register("AA:BB:CC:DD:EE:01", "sensor-1", "1.1.0")

	snap := d.Snapshot()
	require.Len(t, snap, 1, "re-registering the same asset must not create a duplicate entry")
	require.Equal(t, "1.1.0", snap[0].Firmware)
}

func TestTouchUnknownMACIsIgnored(t *testing.T) {
	d := New()
	rssi := -70
	d.Touch("unknown-mac", &rssi, "1.0.0")

	require.Empty(t, d.Snapshot())
}

func TestTouchUpdatesLastSeenAndRSSI(t *testing.T) {
	d := New()
	d.Register("AA:BB:CC:DD:EE:01", "sensor-1", "")
	before := d.Snapshot()[0].LastSeen

	rssi := -55
	d.Touch("AA:BB:CC:DD:EE:01", &rssi, "2.0.0")

	after := d.Snapshot()[0]
	require.True(t, after.LastSeen.After(before) || after.LastSeen.Equal(before))
	require.NotNil(t, after.RSSIDbm)
	require.Equal(t, -55, *after.RSSIDbm)
	require.Equal(t, "2.0.0", after.Firmware)
}

func TestBuildPairMessages(t *testing.T) {
	begin := BuildPairBegin(120)
	require.Equal(t, "pair_begin", begin.Type())
	require.Equal(t, 120, begin["duration_s"])

	end := BuildPairEnd()
	require.Equal(t, "pair_end", end.Type())
}
