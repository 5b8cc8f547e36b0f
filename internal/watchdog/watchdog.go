// Package watchdog raises an alert when an agent stops sending heartbeats.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/agentwatch/internal/dedup"
	"github.com/invisible-tech/agentwatch/internal/detection"
	"github.com/invisible-tech/agentwatch/internal/state"
	"github.com/invisible-tech/agentwatch/internal/types"
)

// Config holds the watchdog thresholds.
type Config struct {
	Namespace string
	// Timeout is the heartbeat silence after which an agent is reported.
	Timeout time.Duration
	// Window is the deduplication window for timeout alerts.
	Window time.Duration
}

// Watchdog scans tracked agents for stale heartbeats.
type Watchdog struct {
	cfg     Config
	tracker *state.Tracker
	dedup   *dedup.Cache
	log     *logrus.Logger
	now     func() time.Time
}

// New creates a Watchdog over the tracker and cache shared with the
// detection engine.
func New(cfg Config, tracker *state.Tracker, cache *dedup.Cache, log *logrus.Logger, now func() time.Time) *Watchdog {
	if now == nil {
		now = time.Now
	}
	return &Watchdog{cfg: cfg, tracker: tracker, dedup: cache, log: log, now: now}
}

// Configure replaces the thresholds.
func (w *Watchdog) Configure(cfg Config) {
	w.cfg = cfg
}

// Sweep returns one alert for every agent whose last heartbeat is older than
// the timeout and that has not been reported since that heartbeat.
func (w *Watchdog) Sweep() []*types.AlertDecision {
	now := w.now()
	var out []*types.AlertDecision
	for _, s := range w.tracker.Snapshot() {
		if !s.HasHeartbeat() || s.HeartbeatAlerted {
			continue
		}
		elapsed := now.Sub(s.LastHeartbeatAt)
		if elapsed <= w.cfg.Timeout {
			continue
		}

		d := w.decision(s, elapsed, now)
		w.log.WithFields(logrus.Fields{
			"agent_id": s.AgentID,
			"status":   s.Status,
			"elapsed":  elapsed.Round(time.Second).String(),
		}).Warn("Heartbeat timeout")
		if w.dedup.Check(d.DedupKey, w.cfg.Window) {
			continue
		}
		w.tracker.MarkHeartbeatAlerted(s.AgentID, d.Timestamp)
		out = append(out, d)
	}
	return out
}

func (w *Watchdog) decision(s types.AgentState, elapsed time.Duration, now time.Time) *types.AlertDecision {
	last := ElapsedText(elapsed)
	var (
		sev types.Severity
		msg string
	)
	if s.Status == types.StatusOffline {
		sev = types.SeverityError
		msg = fmt.Sprintf("💥 Agent Crashed (No Heartbeat)\n\nAgent: %s\nLast heartbeat: %s\nStatus: Offline\n\n"+
			"Agent appears to have crashed or stopped unexpectedly.", s.AgentID, last)
	} else {
		sev = types.SeverityWarning
		msg = fmt.Sprintf("⚠️ Agent Heartbeat Timeout\n\nAgent: %s\nLast heartbeat: %s\nStatus: %s\n\n"+
			"Agent may have crashed or lost its network connection.", s.AgentID, last, s.Status)
	}
	return &types.AlertDecision{
		ID:        uuid.NewString(),
		AgentID:   s.AgentID,
		AlertType: types.AlertTypeHeartbeatTimeout,
		Severity:  sev,
		Message:   msg,
		Timestamp: types.Seconds(now),
		Source:    fmt.Sprintf("%s/%s/hb (timeout)", w.cfg.Namespace, s.AgentID),
		Kind:      types.KindPreRendered,
		DedupKey:  detection.HeartbeatKey(s.AgentID),
		CreatedAt: now,
	}
}

// ElapsedText renders a heartbeat age truncated to whole seconds, switching
// to fractional minutes from one minute on.
func ElapsedText(d time.Duration) string {
	secs := int64(d / time.Second)
	mins := float64(secs) / 60.0
	if mins >= 1.0 {
		return fmt.Sprintf("%.1f minutes ago", mins)
	}
	return fmt.Sprintf("%d seconds ago", secs)
}

// Run sweeps every interval until ctx is done. Each sweep holds mu so it
// never interleaves with message handling; dispatch is called after mu is
// released.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration, mu sync.Locker, dispatch func(*types.AlertDecision)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			alerts := w.Sweep()
			mu.Unlock()
			for _, d := range alerts {
				dispatch(d)
			}
		}
	}
}
