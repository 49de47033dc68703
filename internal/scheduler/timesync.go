package scheduler

import (
	"time"

	"github.com/fieldmesh/edge-gateway/internal/frame"
)

// BuildSyncMessage constructs the outbound time-sync payload the
// scheduler broadcasts every time_sync_interval_hours. offsetMs is the
// clock offset (if any) the gateway wants the co-processor to apply.
func BuildSyncMessage(offsetMs int64) frame.Message {
	now := time.Now().UTC()
	return frame.Message{
		"type":      "time_sync",
		"ts":        frame.ISOTimestamp(now),
		"offset_ms": offsetMs,
		"epoch_ms":  now.UnixMilli(),
	}
}

// ComputeOffset returns how far targetTs is from now, in milliseconds,
// positive when targetTs is in the future.
func ComputeOffset(targetTs time.Time) int64 {
	return targetTs.Sub(time.Now().UTC()).Milliseconds()
}
