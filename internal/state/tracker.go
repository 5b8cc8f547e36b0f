// Package state tracks the online/offline lifecycle of every agent seen on
// the bus.
package state

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invisible-tech/agentwatch/internal/types"
)

var (
	offlineTokens = []string{"offline", "stopped", "stop", "shutdown", "terminated"}
	onlineTokens  = []string{"online", "started", "running", "booted"}
)

// Classify maps free status text and its type field to a status bucket. The
// bucket is "offline" or "online" when a lifecycle token matches; otherwise it
// is the lowercase text itself (or the lowercase type, or "unknown").
func Classify(msg, statusType string) string {
	text := strings.ToLower(strings.TrimSpace(msg))
	typ := strings.ToLower(statusType)

	if containsAny(text, offlineTokens) || typ == "stopped" || typ == "offline" {
		return string(types.StatusOffline)
	}
	if containsAny(text, onlineTokens) || typ == "started" || typ == "online" {
		return string(types.StatusOnline)
	}
	switch {
	case text != "":
		return text
	case typ != "":
		return typ
	}
	return string(types.StatusUnknown)
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

// Transition describes what a status update changed.
type Transition struct {
	Previous       types.AgentStatus
	PreviousBucket string
	Bucket         string
	WentOffline    bool
	WentOnline     bool
}

// Tracker owns the per-agent state. All methods are safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	agents map[string]*types.AgentState
	grace  float64
	now    func() time.Time
}

// NewTracker creates a Tracker. grace is the post-stop silence grace in
// seconds added to the offline time.
func NewTracker(grace float64, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		agents: make(map[string]*types.AgentState),
		grace:  grace,
		now:    now,
	}
}

// SetGrace updates the post-stop silence grace.
func (t *Tracker) SetGrace(grace float64) {
	t.mu.Lock()
	t.grace = grace
	t.mu.Unlock()
}

// get returns the state for id, creating it if needed. Caller holds t.mu.
func (t *Tracker) get(id string) *types.AgentState {
	s, ok := t.agents[id]
	if !ok {
		s = &types.AgentState{
			AgentID:   id,
			Status:    types.StatusUnknown,
			FirstSeen: t.now(),
		}
		t.agents[id] = s
	}
	return s
}

// Touch registers a message for id, creating its state on first sight.
func (t *Tracker) Touch(id string) {
	t.mu.Lock()
	t.get(id).MessageCount++
	t.mu.Unlock()
}

// Get returns a copy of the state for id.
func (t *Tracker) Get(id string) (types.AgentState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.agents[id]
	if !ok {
		return types.AgentState{}, false
	}
	return copyState(s), true
}

// ApplyStatus records a status message for id at message time ts (seconds)
// and reports the resulting transition. An offline transition sets
// offline_since to ts plus the grace; an online transition clears
// offline_since and the heartbeat alerted flag.
func (t *Tracker) ApplyStatus(id, bucket string, ts float64) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(id)
	tr := Transition{
		Previous:       s.Status,
		PreviousBucket: s.Bucket,
		Bucket:         bucket,
	}
	switch bucket {
	case string(types.StatusOffline):
		if s.Status != types.StatusOffline {
			tr.WentOffline = true
			since := ts + t.grace
			s.OfflineSince = &since
		}
		s.Status = types.StatusOffline
	case string(types.StatusOnline):
		if s.Status != types.StatusOnline {
			tr.WentOnline = true
		}
		s.Status = types.StatusOnline
		s.OfflineSince = nil
		s.HeartbeatAlerted = false
	}
	s.Bucket = bucket
	return tr
}

// MarkOffline transitions id to offline at ts (seconds) as if a stop status
// had arrived. It reports whether the agent was not already offline.
func (t *Tracker) MarkOffline(id string, ts float64) bool {
	return t.ApplyStatus(id, string(types.StatusOffline), ts).WentOffline
}

// RecordHeartbeat stores the receipt time of a heartbeat and re-arms the
// watchdog for the agent.
func (t *Tracker) RecordHeartbeat(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(id)
	s.LastHeartbeatAt = at
	s.HeartbeatAlerted = false
}

// MarkHeartbeatAlerted flags id as alerted and silences further messages from
// ts onwards.
func (t *Tracker) MarkHeartbeatAlerted(id string, ts float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(id)
	s.HeartbeatAlerted = true
	since := ts
	s.OfflineSince = &since
}

// Silenced reports whether messages for id at time ts (seconds) fall inside
// the post-stop silence window.
func (t *Tracker) Silenced(id string, ts float64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.agents[id]
	if !ok || s.OfflineSince == nil {
		return false
	}
	return ts >= *s.OfflineSince
}

// Snapshot returns copies of all agent states ordered by agent id.
func (t *Tracker) Snapshot() []types.AgentState {
	t.mu.RLock()
	out := make([]types.AgentState, 0, len(t.agents))
	for _, s := range t.agents {
		out = append(out, copyState(s))
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Len returns the number of tracked agents.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.agents)
}

func copyState(s *types.AgentState) types.AgentState {
	c := *s
	if s.OfflineSince != nil {
		since := *s.OfflineSince
		c.OfflineSince = &since
	}
	return c
}
