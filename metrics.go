package gateway

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the publish-latency histogram buckets in
// nanoseconds, covering 1ms to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	500_000_000,    // 500ms
	1_000_000_000,  // 1s
	2_000_000_000,  // 2s
	5_000_000_000,  // 5s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks the operational statistics of a running gateway:
// frame traffic off the serial link, command/ack correlation outcomes,
// backlog depth, and MQTT publish latency.
type Metrics struct {
	// Frame traffic
	FramesReceived atomic.Uint64 // Frames decoded successfully off the serial link
	FramesCorrupt  atomic.Uint64 // Frames rejected by CRC or COBS decode
	FramesSent     atomic.Uint64 // Frames written to the serial link

	// Message counters, by inbound type
	TelemetryCount atomic.Uint64
	AckCount       atomic.Uint64
	StatusCount    atomic.Uint64
	EventCount     atomic.Uint64
	UnknownCount   atomic.Uint64

	// Command correlation
	CommandsSent      atomic.Uint64
	CommandsAcked     atomic.Uint64
	CommandsTimedOut  atomic.Uint64
	CommandsDuplicate atomic.Uint64

	// Backlog
	BacklogDepth    atomic.Int64 // Current unacked row count
	BacklogEnqueued atomic.Uint64
	BacklogDrained  atomic.Uint64

	// Broker
	BrokerReconnects atomic.Uint64
	PublishOK        atomic.Uint64
	PublishFailed    atomic.Uint64

	// Publish latency histogram (cumulative bucket counts)
	PublishLatencyNs atomic.Uint64
	PublishCount     atomic.Uint64
	LatencyBuckets   [numLatencyBuckets]atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64 // Gateway start timestamp (UnixNano)
	StopTime  atomic.Int64 // Gateway stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordFrameDecoded records an inbound serial frame outcome.
func (m *Metrics) RecordFrameDecoded(ok bool) {
	if ok {
		m.FramesReceived.Add(1)
	} else {
		m.FramesCorrupt.Add(1)
	}
}

// RecordFrameSent records one frame written to the serial link.
func (m *Metrics) RecordFrameSent() {
	m.FramesSent.Add(1)
}

// RecordMessageType tallies a decoded message by its "type" field.
func (m *Metrics) RecordMessageType(kind string) {
	switch kind {
	case "telemetry":
		m.TelemetryCount.Add(1)
	case "ack":
		m.AckCount.Add(1)
	case "status":
		m.StatusCount.Add(1)
	case "event":
		m.EventCount.Add(1)
	default:
		m.UnknownCount.Add(1)
	}
}

// RecordCommandResult tallies a command-manager outcome.
func (m *Metrics) RecordCommandResult(acked, timedOut, duplicate bool) {
	m.CommandsSent.Add(1)
	switch {
	case duplicate:
		m.CommandsDuplicate.Add(1)
	case acked:
		m.CommandsAcked.Add(1)
	case timedOut:
		m.CommandsTimedOut.Add(1)
	}
}

// RecordBacklogDepth sets the gauge to the current unacked row count.
func (m *Metrics) RecordBacklogDepth(depth int64) {
	m.BacklogDepth.Store(depth)
}

// RecordBacklogEnqueued counts one payload appended to the durable queue.
func (m *Metrics) RecordBacklogEnqueued() {
	m.BacklogEnqueued.Add(1)
}

// RecordBacklogDrained counts rows confirmed published by the drain loop.
func (m *Metrics) RecordBacklogDrained(count int) {
	m.BacklogDrained.Add(uint64(count))
}

// RecordPublish records a broker publish attempt and its latency.
func (m *Metrics) RecordPublish(latencyNs uint64, success bool) {
	if success {
		m.PublishOK.Add(1)
	} else {
		m.PublishFailed.Add(1)
	}
	m.PublishLatencyNs.Add(latencyNs)
	m.PublishCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the gateway as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic view of Metrics
// suitable for serializing to the diagnostic façade.
type MetricsSnapshot struct {
	FramesReceived uint64
	FramesCorrupt  uint64
	FramesSent     uint64

	TelemetryCount uint64
	AckCount       uint64
	StatusCount    uint64
	EventCount     uint64
	UnknownCount   uint64

	CommandsSent      uint64
	CommandsAcked     uint64
	CommandsTimedOut  uint64
	CommandsDuplicate uint64

	BacklogDepth    int64
	BacklogEnqueued uint64
	BacklogDrained  uint64

	BrokerReconnects uint64
	PublishOK        uint64
	PublishFailed    uint64

	AvgPublishLatencyNs uint64
	PublishP50Ns        uint64
	PublishP99Ns        uint64

	UptimeNs uint64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		FramesReceived:    m.FramesReceived.Load(),
		FramesCorrupt:     m.FramesCorrupt.Load(),
		FramesSent:        m.FramesSent.Load(),
		TelemetryCount:    m.TelemetryCount.Load(),
		AckCount:          m.AckCount.Load(),
		StatusCount:       m.StatusCount.Load(),
		EventCount:        m.EventCount.Load(),
		UnknownCount:      m.UnknownCount.Load(),
		CommandsSent:      m.CommandsSent.Load(),
		CommandsAcked:     m.CommandsAcked.Load(),
		CommandsTimedOut:  m.CommandsTimedOut.Load(),
		CommandsDuplicate: m.CommandsDuplicate.Load(),
		BacklogDepth:      m.BacklogDepth.Load(),
		BacklogEnqueued:   m.BacklogEnqueued.Load(),
		BacklogDrained:    m.BacklogDrained.Load(),
		BrokerReconnects:  m.BrokerReconnects.Load(),
		PublishOK:         m.PublishOK.Load(),
		PublishFailed:     m.PublishFailed.Load(),
	}

	publishCount := m.PublishCount.Load()
	if publishCount > 0 {
		snap.AvgPublishLatencyNs = m.PublishLatencyNs.Load() / publishCount
		snap.PublishP50Ns = m.calculatePercentile(0.50)
		snap.PublishP99Ns = m.calculatePercentile(0.99)
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	return snap
}

// calculatePercentile estimates publish latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.PublishCount.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer lets the serial bridge, command manager, backlog manager and
// gateway report through a pluggable sink instead of reaching into
// Metrics directly.
type Observer interface {
	ObserveFrameDecoded(ok bool)
	ObserveFrameSent()
	ObserveMessageType(kind string)
	ObserveCommandResult(acked, timedOut, duplicate bool)
	ObserveBacklogDepth(depth int64)
	ObserveBacklogEnqueued()
	ObserveBacklogDrained(count int)
	ObservePublish(latencyNs uint64, success bool)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveFrameDecoded(bool)             {}
func (NoOpObserver) ObserveFrameSent()                    {}
func (NoOpObserver) ObserveMessageType(string)            {}
func (NoOpObserver) ObserveCommandResult(bool, bool, bool) {}
func (NoOpObserver) ObserveBacklogDepth(int64)            {}
func (NoOpObserver) ObserveBacklogEnqueued()              {}
func (NoOpObserver) ObserveBacklogDrained(int)            {}
func (NoOpObserver) ObservePublish(uint64, bool)          {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveFrameDecoded(ok bool) {
	o.metrics.RecordFrameDecoded(ok)
}

func (o *MetricsObserver) ObserveFrameSent() {
	o.metrics.RecordFrameSent()
}

func (o *MetricsObserver) ObserveMessageType(kind string) {
	o.metrics.RecordMessageType(kind)
}

func (o *MetricsObserver) ObserveCommandResult(acked, timedOut, duplicate bool) {
	o.metrics.RecordCommandResult(acked, timedOut, duplicate)
}

func (o *MetricsObserver) ObserveBacklogDepth(depth int64) {
	o.metrics.RecordBacklogDepth(depth)
}

func (o *MetricsObserver) ObserveBacklogEnqueued() {
	o.metrics.RecordBacklogEnqueued()
}

func (o *MetricsObserver) ObserveBacklogDrained(count int) {
	o.metrics.RecordBacklogDrained(count)
}

func (o *MetricsObserver) ObservePublish(latencyNs uint64, success bool) {
	o.metrics.RecordPublish(latencyNs, success)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
