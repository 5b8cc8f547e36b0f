// Package detection decides which agent events become alerts. Log messages
// run through an ordered rule chain; status, notify and event messages have
// their own policies. Every alert passes the deduplication cache.
package detection

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/invisible-tech/agentwatch/internal/config"
	"github.com/invisible-tech/agentwatch/internal/dedup"
	"github.com/invisible-tech/agentwatch/internal/state"
	"github.com/invisible-tech/agentwatch/internal/types"
)

// Outcome reasons for events that did not produce an alert.
const (
	ReasonNotAllowed = "not_allowed"
	ReasonSilenced   = "silenced"
	ReasonFiltered   = "filtered"
	ReasonDuplicate  = "duplicate"
	ReasonNoAlert    = "no_alert"
)

// Outcome is the result of evaluating one event.
type Outcome struct {
	Decision *types.AlertDecision
	Reason   string
	RuleID   string
	RuleName string
}

// Engine evaluates events against the alert policy. It is not safe for
// concurrent use; callers serialize access together with the watchdog.
type Engine struct {
	allowed  map[string]bool
	filter   *Filter
	window   time.Duration
	logRules []*Rule
	tracker  *state.Tracker
	dedup    *dedup.Cache
	now      func() time.Time
}

// NewEngine creates an engine sharing tracker and cache with the watchdog.
func NewEngine(cfg config.FilterConfig, tracker *state.Tracker, cache *dedup.Cache, now func() time.Time) (*Engine, error) {
	filter, err := NewFilter(cfg)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		filter:   filter,
		window:   cfg.DedupWindow(),
		logRules: LogRules(),
		tracker:  tracker,
		dedup:    cache,
		now:      now,
	}
	if len(cfg.AgentIDs) > 0 {
		e.allowed = make(map[string]bool, len(cfg.AgentIDs))
		for _, id := range cfg.AgentIDs {
			e.allowed[id] = true
		}
	}
	return e, nil
}

// Allowed reports whether events from agentID are processed at all.
func (e *Engine) Allowed(agentID string) bool {
	return e.allowed == nil || e.allowed[agentID]
}

// Evaluate applies the policy for ev's channel and updates agent state.
func (e *Engine) Evaluate(ev *types.Event) Outcome {
	if !e.Allowed(ev.AgentID) {
		return Outcome{Reason: ReasonNotAllowed}
	}
	e.tracker.Touch(ev.AgentID)

	switch ev.Channel {
	case types.ChannelHeartbeat:
		e.heartbeat(ev)
		return Outcome{Reason: ReasonNoAlert}
	case types.ChannelStatus:
		return e.status(ev)
	}

	if e.tracker.Silenced(ev.AgentID, ev.Timestamp) {
		return Outcome{Reason: ReasonSilenced}
	}
	switch ev.Channel {
	case types.ChannelLog:
		return e.log(ev)
	case types.ChannelNotify:
		return e.notify(ev)
	case types.ChannelEvents:
		return e.event(ev)
	}
	return Outcome{Reason: ReasonNoAlert}
}

func (e *Engine) heartbeat(ev *types.Event) {
	e.tracker.RecordHeartbeat(ev.AgentID, e.now())
	e.dedup.Forget(HeartbeatKey(ev.AgentID))
}

func (e *Engine) log(ev *types.Event) Outcome {
	lower := strings.ToLower(ev.Message)
	for _, rule := range e.logRules {
		if !rule.Condition(ev, lower) {
			continue
		}
		if rule.Generic && !e.filter.Allow(ev.Message, ev.Level, ev.Channel) {
			return Outcome{Reason: ReasonFiltered, RuleID: rule.ID, RuleName: rule.Name}
		}
		severity := rule.Severity
		if severity == "" {
			severity = ev.Level
		}
		d := e.decision(ev, rule.AlertType, types.Severity(severity), rule.Message(ev), rule.Kind, rule.Key(ev))
		out := e.admit(d)
		out.RuleID, out.RuleName = rule.ID, rule.Name
		if out.Decision != nil && rule.StopsAgent {
			e.tracker.MarkOffline(ev.AgentID, ev.Timestamp)
		}
		return out
	}
	return Outcome{Reason: ReasonNoAlert}
}

func (e *Engine) status(ev *types.Event) Outcome {
	bucket := state.Classify(ev.Message, ev.Type)
	tr := e.tracker.ApplyStatus(ev.AgentID, bucket, ev.Timestamp)
	if tr.WentOnline {
		e.dedup.Forget(HeartbeatKey(ev.AgentID))
	}

	var (
		severity types.Severity
		headline string
		footer   string
	)
	lower := strings.ToLower(ev.Message)
	switch {
	case tr.WentOffline:
		severity, headline, footer = types.SeverityWarning, "🛑 Agent Stopped", "Agent is no longer running."
	case tr.WentOnline:
		severity, headline, footer = types.SeverityInfo, "✅ Agent Started", "Agent is now running."
	case bucket != tr.PreviousBucket && containsAny(lower, "error", "failed", "crashed"):
		severity, headline, footer = types.SeverityError, "⚠️ Agent Status Change", "Critical status change detected."
	default:
		return Outcome{Reason: ReasonNoAlert}
	}

	msg := fmt.Sprintf("%s\n\nAgent: %s\nStatus: %s\nType: %s\n\n%s", headline, ev.AgentID, ev.Message, ev.Type, footer)
	key := fmt.Sprintf("%s:status:%s:%s", ev.AgentID, bucket, ev.Type)
	return e.admit(e.decision(ev, types.AlertTypeStatus, severity, msg, types.KindPreRendered, key))
}

func (e *Engine) notify(ev *types.Event) Outcome {
	key := ev.AgentID + ":notify:" + truncate(ev.Message, 100)
	return e.admit(e.decision(ev, types.AlertTypeNotification, types.SeverityInfo, ev.Message, types.KindTemplated, key))
}

func (e *Engine) event(ev *types.Event) Outcome {
	if !e.filter.Allow(ev.Data, ev.Level, ev.Channel) {
		return Outcome{Reason: ReasonFiltered}
	}
	key := fmt.Sprintf("%s:event:%s:%s", ev.AgentID, ev.Type, truncate(ev.Data, 100))
	msg := fmt.Sprintf("Event: %s - %s", ev.Type, ev.Data)
	return e.admit(e.decision(ev, types.AlertTypeEvent, types.SeverityInfo, msg, types.KindTemplated, key))
}

func (e *Engine) decision(ev *types.Event, alertType string, sev types.Severity, msg string, kind types.Kind, key string) *types.AlertDecision {
	return &types.AlertDecision{
		ID:        uuid.NewString(),
		AgentID:   ev.AgentID,
		AlertType: alertType,
		Severity:  sev,
		Message:   msg,
		Timestamp: ev.Timestamp,
		Source:    ev.Topic,
		Kind:      kind,
		DedupKey:  key,
		CreatedAt: e.now(),
	}
}

// admit passes d through the deduplication cache.
func (e *Engine) admit(d *types.AlertDecision) Outcome {
	if e.dedup.Check(d.DedupKey, e.window) {
		return Outcome{Reason: ReasonDuplicate}
	}
	return Outcome{Decision: d}
}

// HeartbeatKey is the dedup key shared by heartbeat timeout alerts for agentID.
func HeartbeatKey(agentID string) string {
	return agentID + ":heartbeat_timeout"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
