// Package types defines the shared event, agent state and alert types passed
// between the ingestion pipeline, the detection rules and the HTTP API.
package types

import (
	"time"
)

// Channel is the logical message category encoded in the topic suffix.
type Channel string

const (
	ChannelLog       Channel = "log"
	ChannelNotify    Channel = "notify"
	ChannelStatus    Channel = "status"
	ChannelHeartbeat Channel = "heartbeat"
	ChannelEvents    Channel = "events"
)

// millisThreshold separates second and millisecond epoch timestamps.
const millisThreshold = 1e10

// Event is a normalized message received from an agent.
type Event struct {
	AgentID    string  `json:"agent_id"`
	Channel    Channel `json:"channel"`
	Topic      string  `json:"topic"`
	Level      string  `json:"level,omitempty"`
	Type       string  `json:"type,omitempty"`
	Message    string  `json:"message"`
	Data       string  `json:"data,omitempty"`
	Timestamp  float64 `json:"timestamp"`
	Structured bool    `json:"structured"`
}

// NormalizeTimestamp converts millisecond epoch values to seconds. Values that
// already look like seconds are returned unchanged, so the call is idempotent.
func NormalizeTimestamp(ts float64) float64 {
	if ts > millisThreshold {
		return ts / 1000
	}
	return ts
}

// Seconds converts t to fractional seconds since the epoch.
func Seconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// FromSeconds converts fractional epoch seconds to a time.Time.
func FromSeconds(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts*float64(time.Second)))
}
