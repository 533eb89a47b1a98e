package xconfbus

import (
	"time"
)

// ConfigRequestTopic is the reserved topic carrying resync requests. Windows
// subscribed to it answer by re-broadcasting the topics they own.
const ConfigRequestTopic = "config_request"

// ConfigMessage is the unit stored per topic and delivered to every window.
// A message is shared by pointer between the latest-value table and all
// notifications of the broadcast that produced it; it must not be mutated.
type ConfigMessage struct {
	// ID identifies the notification; diagnostics only.
	ID string `json:"id,omitempty"`
	// EventType is the topic.
	EventType string `json:"event_type"`
	// Payload is the opaque, topic-specific configuration content.
	Payload Value `json:"payload"`
	// SourceWindow is the label of the originating window (may be empty).
	SourceWindow string `json:"source_window"`
	// Timestamp is milliseconds since epoch, set by the bus at ingestion.
	Timestamp uint64 `json:"timestamp"`
	// Seq counts the messages stored on the topic, starting at 1. Resync
	// requests carry 0.
	Seq uint64 `json:"seq,omitempty"`
}

// Time returns Timestamp as a time.Time.
func (m *ConfigMessage) Time() time.Time {
	return time.UnixMilli(int64(m.Timestamp))
}

// IsSyncRequest reports whether the message is a resync request.
func (m *ConfigMessage) IsSyncRequest() bool {
	return m != nil && m.EventType == ConfigRequestTopic
}
