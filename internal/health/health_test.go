package health

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetStateAndSnapshot(t *testing.T) {
	m := New()
	m.SetState("serial_link", "ok", map[string]any{"rssi_dbm": -50})
	m.SetState("broker", "degraded", nil)

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "ok", snap["serial_link"].Status)
	require.Equal(t, -50, snap["serial_link"].Detail["rssi_dbm"])
	require.Equal(t, "degraded", snap["broker"].Status)
	require.NotNil(t, snap["broker"].Detail)
}

func TestSetStateOverwritesPrevious(t *testing.T) {
	m := New()
	m.SetState("broker", "ok", nil)
	m.SetState("broker", "down", map[string]any{"reason": "timeout"})

	snap := m.Snapshot()
	require.Equal(t, "down", snap["broker"].Status)
	require.Equal(t, "timeout", snap["broker"].Detail["reason"])
}
