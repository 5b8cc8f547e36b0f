package detection

import (
	"fmt"
	"strings"

	"github.com/invisible-tech/agentwatch/internal/types"
)

// Rule is one entry of the ordered log classification chain.
type Rule struct {
	ID        string
	Name      string
	AlertType string
	// Severity is fixed for the rule; empty means the event's own level.
	Severity string
	// Generic rules are gated by the keyword/regex filter.
	Generic bool
	// StopsAgent marks the agent offline once the alert passes dedup.
	StopsAgent bool
	Kind       types.Kind
	Condition  func(ev *types.Event, lower string) bool
	Key        func(ev *types.Event) string
	Message    func(ev *types.Event) string
}

// LogRules returns the log-channel rules in evaluation order. The first rule
// whose condition matches decides the outcome.
func LogRules() []*Rule {
	return []*Rule{
		{
			ID:         "LOG-001",
			Name:       "Strategy Stopped",
			AlertType:  types.AlertTypeStatus,
			Severity:   string(types.SeverityInfo),
			StopsAgent: true,
			Kind:       types.KindPreRendered,
			Condition: func(_ *types.Event, lower string) bool {
				return strings.Contains(lower, "strategy stopped successfully") || strings.Contains(lower, "bot stopped")
			},
			Key: func(ev *types.Event) string {
				return ev.AgentID + ":status:offline:stopped"
			},
			Message: func(ev *types.Event) string {
				return fmt.Sprintf("ℹ️ Agent Stopped\n\nAgent: %s\nStatus: offline\nDetail: Strategy stopped successfully.", ev.AgentID)
			},
		},
		{
			ID:        "LOG-002",
			Name:      "Global Drawdown",
			AlertType: types.AlertTypeGlobalDrawdown,
			Severity:  string(types.SeverityError),
			Kind:      types.KindPreRendered,
			Condition: func(_ *types.Event, lower string) bool {
				return strings.Contains(lower, "global drawdown reached")
			},
			Key: func(ev *types.Event) string {
				return ev.AgentID + ":global_drawdown"
			},
			Message: func(ev *types.Event) string {
				return fmt.Sprintf("🚨 GLOBAL DRAWDOWN REACHED\n\n"+
					"Agent: %s\nLevel: CRITICAL\nType: Global Strategy Drawdown\n\n"+
					"⚠️ The entire strategy has reached max global drawdown.\n"+
					"All controllers are being stopped.\n\nDetails: %s", ev.AgentID, ev.Message)
			},
		},
		{
			ID:        "LOG-003",
			Name:      "Controller Drawdown",
			AlertType: types.AlertTypeControllerDrawdown,
			Severity:  string(types.SeverityWarning),
			Kind:      types.KindPreRendered,
			Condition: func(_ *types.Event, lower string) bool {
				return strings.Contains(lower, "controller") && strings.Contains(lower, "reached max drawdown")
			},
			Key: func(ev *types.Event) string {
				return ev.AgentID + ":controller_drawdown:" + ControllerID(ev.Message)
			},
			Message: func(ev *types.Event) string {
				return fmt.Sprintf("⚠️ Controller Drawdown Reached\n\n"+
					"Agent: %s\nController: %s\nLevel: WARNING\nType: Controller Drawdown\n\n"+
					"This controller has reached max drawdown and is being stopped.\n"+
					"Other controllers may continue running.\n\nDetails: %s", ev.AgentID, ControllerID(ev.Message), ev.Message)
			},
		},
		{
			ID:        "LOG-004",
			Name:      "Drawdown",
			AlertType: types.AlertTypeDrawdown,
			Severity:  string(types.SeverityWarning),
			Kind:      types.KindPreRendered,
			Condition: func(_ *types.Event, lower string) bool {
				return strings.Contains(lower, "drawdown") &&
					(strings.Contains(lower, "reached") || strings.Contains(lower, "stopping"))
			},
			Key: func(ev *types.Event) string {
				return ev.AgentID + ":drawdown:" + truncate(ev.Message, 50)
			},
			Message: func(ev *types.Event) string {
				return fmt.Sprintf("⚠️ Drawdown Event\n\nAgent: %s\nLevel: %s\n\n%s", ev.AgentID, ev.Level, ev.Message)
			},
		},
		{
			ID:        "LOG-005",
			Name:      "Log Alert",
			AlertType: types.AlertTypeLog,
			Generic:   true,
			Kind:      types.KindTemplated,
			Condition: func(_ *types.Event, _ string) bool { return true },
			Key: func(ev *types.Event) string {
				return ev.AgentID + ":log:" + truncate(ev.Message, 100)
			},
			Message: func(ev *types.Event) string { return ev.Message },
		},
	}
}

// ControllerID extracts the controller name from a message such as
// "Controller bearish_gate_0.1 reached max drawdown". It returns "unknown"
// when the marker is absent.
func ControllerID(message string) string {
	_, rest, ok := strings.Cut(message, "Controller ")
	if !ok {
		return "unknown"
	}
	id, _, _ := strings.Cut(rest, " reached")
	id = strings.TrimSpace(id)
	if id == "" {
		return "unknown"
	}
	return id
}

// truncate returns at most n runes of s.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
