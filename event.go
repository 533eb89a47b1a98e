package xconfbus

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	BroadcastStart EventType = "broadcast_start"
	BroadcastDone  EventType = "broadcast_done"
	SyncRequested  EventType = "sync_requested"
	DeliverStart   EventType = "deliver_start"
	DeliverDone    EventType = "deliver_done"
	Ack            EventType = "ack"
	Nack           EventType = "nack"
	Error          EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Topic     string
	Window    string
	MessageID string
	Source    string
	Duration  time.Duration
	Err       error
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Broadcasts          uint64
	SyncRequests        uint64
	Delivered           uint64
	Acked               uint64
	Nacked              uint64
	EmitFailures        uint64
	Errors              uint64
	EventsDropped       uint64
	Topics              int
	AvgProcessingTimeMs float64
}

// HealthStatus reports bus health.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
