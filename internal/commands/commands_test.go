package commands

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/edge-gateway/internal/frame"
	"github.com/fieldmesh/edge-gateway/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(store.Config{Path: filepath.Join(dir, "test.db"), RetentionDays: 28})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSendResolvesOnAck(t *testing.T) {
	st := openTestStore(t)

	var mu sync.Mutex
	var sent frame.Message

	m := New(func(msg frame.Message) error {
		mu.Lock()
		sent = msg
		mu.Unlock()
		return nil
	}, st, Config{Timeout: time.Second, MaxRetries: 1, RetryBackoff: 10 * time.Millisecond}, nil)

	go func() {
		for {
			mu.Lock()
			msg := sent
			mu.Unlock()
			if corrID, _ := msg["correlation_id"].(string); corrID != "" {
				_ = m.HandleAck(context.Background(), frame.Message{
					"correlation_id": corrID, "asset_id": "sensor-1", "ok": true,
				})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	result, err := m.Send(context.Background(), frame.Message{"asset_id": "sensor-1", "action": "reboot"})
	require.NoError(t, err)
	require.Equal(t, true, result["ok"])
}

func TestSendRejectsDuplicateCorrelation(t *testing.T) {
	st := openTestStore(t)
	m := New(func(frame.Message) error { return nil }, st, Config{Timeout: time.Second, MaxRetries: 0}, nil)

	m.mu.Lock()
	m.pending["dup-1"] = make(chan frame.Message, 1)
	m.mu.Unlock()

	_, err := m.Send(context.Background(), frame.Message{"correlation_id": "dup-1"})
	require.ErrorIs(t, err, ErrDuplicateCorrelation)
}

func TestSendTimesOutAfterRetries(t *testing.T) {
	st := openTestStore(t)
	sendCount := 0
	m := New(func(frame.Message) error {
		sendCount++
		return nil
	}, st, Config{Timeout: 10 * time.Millisecond, MaxRetries: 2, RetryBackoff: time.Millisecond}, nil)

	_, err := m.Send(context.Background(), frame.Message{"asset_id": "sensor-1"})
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 3, sendCount, "expected initial attempt plus 2 retries")
}

func TestHandleAckOnStrayCorrelationIsNoOp(t *testing.T) {
	st := openTestStore(t)
	m := New(func(frame.Message) error { return nil }, st, DefaultConfig(), nil)

	err := m.HandleAck(context.Background(), frame.Message{
		"correlation_id": "unknown-corr", "asset_id": "sensor-9", "ok": false, "message": "nope",
	})
	require.NoError(t, err)
	require.Zero(t, m.PendingCount())

	acks, err := st.RecentAcks(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, acks, "a stray ack must not be persisted")
}
