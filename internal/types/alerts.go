package types

import "time"

// Severity of a generated alert.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Alert types produced by the detection rules and the heartbeat watchdog.
const (
	AlertTypeLog                = "log"
	AlertTypeStatus             = "status"
	AlertTypeEvent              = "event"
	AlertTypeNotification       = "notification"
	AlertTypeGlobalDrawdown     = "global_drawdown"
	AlertTypeControllerDrawdown = "controller_drawdown"
	AlertTypeDrawdown           = "drawdown"
	AlertTypeHeartbeatTimeout   = "heartbeat_timeout"
)

// Kind says how an alert message should be rendered.
type Kind int

const (
	// KindTemplated messages are wrapped in the standard title/agent/level block.
	KindTemplated Kind = iota
	// KindPreRendered messages already carry their own headline and layout.
	KindPreRendered
)

// AlertDecision is the outcome of evaluating an event or a heartbeat sweep.
type AlertDecision struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	AlertType string    `json:"alert_type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp float64   `json:"timestamp"`
	Source    string    `json:"source"`
	Kind      Kind      `json:"kind"`
	DedupKey  string    `json:"dedup_key"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentStatus is the lifecycle state of a tracked agent.
type AgentStatus string

const (
	StatusUnknown AgentStatus = "unknown"
	StatusOnline  AgentStatus = "online"
	StatusOffline AgentStatus = "offline"
)

// AgentState tracks the lifecycle of a single agent.
type AgentState struct {
	AgentID          string      `json:"agent_id"`
	Status           AgentStatus `json:"status"`
	Bucket           string      `json:"bucket,omitempty"`
	LastHeartbeatAt  time.Time   `json:"last_heartbeat_at,omitempty"`
	OfflineSince     *float64    `json:"offline_since,omitempty"`
	HeartbeatAlerted bool        `json:"heartbeat_alerted"`
	FirstSeen        time.Time   `json:"first_seen"`
	MessageCount     int64       `json:"message_count"`
}

// HasHeartbeat reports whether a heartbeat was ever recorded for the agent.
func (s *AgentState) HasHeartbeat() bool {
	return !s.LastHeartbeatAt.IsZero()
}
