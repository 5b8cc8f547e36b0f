// Package controller wires bus messages through normalization, detection and
// deduplication, and hands resulting alerts to the notifier.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/agentwatch/internal/config"
	"github.com/invisible-tech/agentwatch/internal/dedup"
	"github.com/invisible-tech/agentwatch/internal/detection"
	"github.com/invisible-tech/agentwatch/internal/format"
	"github.com/invisible-tech/agentwatch/internal/ingest"
	"github.com/invisible-tech/agentwatch/internal/logging"
	"github.com/invisible-tech/agentwatch/internal/state"
	"github.com/invisible-tech/agentwatch/internal/types"
	"github.com/invisible-tech/agentwatch/internal/watchdog"
)

// Prometheus metrics (registered once).
var (
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwatch_messages_received_total",
			Help: "Total bus messages received",
		},
		[]string{"channel"},
	)
	messageErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentwatch_message_errors_total",
			Help: "Messages whose handling failed",
		},
	)
	alertsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwatch_alerts_generated_total",
			Help: "Total alerts generated",
		},
		[]string{"alert_type", "severity"},
	)
	alertsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwatch_alerts_suppressed_total",
			Help: "Messages that did not produce an alert, by reason",
		},
		[]string{"reason"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwatch_notifications_total",
			Help: "Notification delivery attempts by result",
		},
		[]string{"result"},
	)
	trackedAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentwatch_tracked_agents",
			Help: "Number of agents seen since start",
		},
	)
)

func init() {
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(messageErrors)
	prometheus.MustRegister(alertsGenerated)
	prometheus.MustRegister(alertsSuppressed)
	prometheus.MustRegister(notifications)
	prometheus.MustRegister(trackedAgents)
}

// Notifier delivers rendered alert text. Implementations bound their own
// request time; the controller passes a context without a deadline so that
// alerts queued behind a rate limit are not dropped.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Controller owns agent state and the alert pipeline.
type Controller struct {
	// mu serializes every decision step, for bus messages and watchdog sweeps.
	mu         sync.Mutex
	cfg        *config.Config
	router     *ingest.Router
	normalizer *ingest.Normalizer
	engine     *detection.Engine
	watchdog   *watchdog.Watchdog
	tradeLogs  *logging.TradeFilter

	tracker *state.Tracker
	dedup   *dedup.Cache
	log     *logrus.Logger
	now     func() time.Time

	sinkMu    sync.RWMutex
	formatter *format.Formatter
	notifier  Notifier

	alerts   []*types.AlertDecision
	alertsMu sync.RWMutex

	deliveries sync.WaitGroup
}

// New creates a Controller. A nil notifier disables delivery.
func New(cfg *config.Config, notifier Notifier, log *logrus.Logger) (*Controller, error) {
	return newController(cfg, notifier, log, time.Now)
}

func newController(cfg *config.Config, notifier Notifier, log *logrus.Logger, now func() time.Time) (*Controller, error) {
	c := &Controller{
		normalizer: ingest.NewNormalizer(now),
		tracker:    state.NewTracker(cfg.Monitoring.PostStopSilenceGrace, now),
		dedup:      dedup.New(now),
		log:        log,
		now:        now,
	}
	c.watchdog = watchdog.New(watchdogConfig(cfg), c.tracker, c.dedup, log, now)
	if err := c.apply(cfg, notifier); err != nil {
		return nil, err
	}
	return c, nil
}

// Reconfigure swaps in a new configuration and notifier. Agent state and
// deduplication history are kept.
func (c *Controller) Reconfigure(cfg *config.Config, notifier Notifier) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.apply(cfg, notifier); err != nil {
		return err
	}
	c.log.Info("Configuration applied")
	return nil
}

// apply builds everything derived from cfg. Caller holds c.mu or owns c.
func (c *Controller) apply(cfg *config.Config, notifier Notifier) error {
	engine, err := detection.NewEngine(cfg.Filters, c.tracker, c.dedup, c.now)
	if err != nil {
		return fmt.Errorf("build detection engine: %w", err)
	}
	tradeLogs, err := logging.NewTradeFilter(cfg.Monitoring.ConsoleTradeFilter)
	if err != nil {
		return fmt.Errorf("build console trade filter: %w", err)
	}

	c.cfg = cfg
	c.engine = engine
	c.tradeLogs = tradeLogs
	c.router = ingest.NewRouter(cfg.MQTT.Namespace)
	c.tracker.SetGrace(cfg.Monitoring.PostStopSilenceGrace)
	c.watchdog.Configure(watchdogConfig(cfg))

	tg := cfg.Alerts.Telegram
	c.sinkMu.Lock()
	c.formatter = format.New(tg.UseMarkdown, tg.SourceAliases, nil)
	c.notifier = notifier
	c.sinkMu.Unlock()
	return nil
}

func watchdogConfig(cfg *config.Config) watchdog.Config {
	return watchdog.Config{
		Namespace: cfg.MQTT.Namespace,
		Timeout:   cfg.Monitoring.HeartbeatTimeoutDuration(),
		Window:    cfg.Filters.DedupWindow(),
	}
}

// HandleMessage processes one bus message. It never panics; failures are
// logged and the message is dropped.
func (c *Controller) HandleMessage(topic string, payload []byte) {
	if d := c.evaluate(topic, payload); d != nil {
		c.dispatch(d)
	}
}

func (c *Controller) evaluate(topic string, payload []byte) (d *types.AlertDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			messageErrors.Inc()
			c.log.WithFields(logrus.Fields{"topic": topic, "panic": r}).Error("Error processing message")
			d = nil
		}
	}()

	route, ok := c.router.Parse(topic)
	if !ok {
		c.log.WithField("topic", topic).Debug("Ignoring topic outside namespace")
		return nil
	}
	if !route.Known {
		c.log.WithFields(logrus.Fields{"agent_id": route.AgentID, "channel": route.Path}).Debug("Unknown channel")
		return nil
	}
	messagesReceived.WithLabelValues(string(route.Channel)).Inc()

	ev := c.normalizer.Normalize(route, topic, payload)
	c.echo(ev)

	out := c.engine.Evaluate(ev)
	trackedAgents.Set(float64(c.tracker.Len()))
	if out.Decision == nil {
		if out.Reason != detection.ReasonNoAlert {
			alertsSuppressed.WithLabelValues(out.Reason).Inc()
			c.log.WithFields(logrus.Fields{
				"agent_id": ev.AgentID,
				"channel":  ev.Channel,
				"reason":   out.Reason,
				"rule_id":  out.RuleID,
				"rule":     out.RuleName,
			}).Debug("Alert suppressed")
		}
		return nil
	}
	return out.Decision
}

// echo mirrors agent activity into the service log.
func (c *Controller) echo(ev *types.Event) {
	entry := c.log.WithFields(logrus.Fields{"agent_id": ev.AgentID, "channel": ev.Channel, "structured": ev.Structured})
	switch ev.Channel {
	case types.ChannelLog:
		entry.WithField("level", ev.Level).Log(c.tradeLogs.Level(ev.Message), ev.Message)
	case types.ChannelStatus:
		entry.WithField("type", ev.Type).Info(ev.Message)
	case types.ChannelHeartbeat:
		entry.Debug("Heartbeat received")
	default:
		entry.Debug(ev.Message)
	}
}

// RunWatchdog runs heartbeat sweeps until ctx is done.
func (c *Controller) RunWatchdog(ctx context.Context) {
	c.mu.Lock()
	interval := c.cfg.Monitoring.HeartbeatCheckDuration()
	c.mu.Unlock()
	c.watchdog.Run(ctx, interval, &c.mu, c.dispatch)
}

// dispatch records d and delivers it asynchronously.
func (c *Controller) dispatch(d *types.AlertDecision) {
	c.recordAlert(d)
	alertsGenerated.WithLabelValues(d.AlertType, string(d.Severity)).Inc()
	c.log.WithFields(logrus.Fields{
		"alert_id":   d.ID,
		"agent_id":   d.AgentID,
		"alert_type": d.AlertType,
		"severity":   d.Severity,
		"source":     d.Source,
	}).Warn("ALERT")

	c.sinkMu.RLock()
	notifier, formatter := c.notifier, c.formatter
	c.sinkMu.RUnlock()
	if notifier == nil {
		return
	}
	text := formatter.Format(d)

	c.deliveries.Add(1)
	go func() {
		defer c.deliveries.Done()
		if err := notifier.Notify(context.Background(), text); err != nil {
			notifications.WithLabelValues("error").Inc()
			c.log.WithError(err).WithFields(logrus.Fields{"alert_id": d.ID, "agent_id": d.AgentID}).Error("Failed to deliver alert")
			return
		}
		notifications.WithLabelValues("sent").Inc()
		c.log.WithFields(logrus.Fields{"alert_id": d.ID, "agent_id": d.AgentID, "alert_type": d.AlertType}).Info("Alert delivered")
	}()
}

func (c *Controller) recordAlert(d *types.AlertDecision) {
	c.mu.Lock()
	retention := c.cfg.Server.AlertRetention
	c.mu.Unlock()

	c.alertsMu.Lock()
	defer c.alertsMu.Unlock()
	c.alerts = append(c.alerts, d)
	if retention > 0 && len(c.alerts) > retention {
		c.alerts = c.alerts[len(c.alerts)-retention:]
	}
}

// Wait blocks until in-flight deliveries finish.
func (c *Controller) Wait() {
	c.deliveries.Wait()
}

// GetAgents returns a snapshot of every tracked agent.
func (c *Controller) GetAgents() []types.AgentState {
	return c.tracker.Snapshot()
}

// GetAlerts returns the most recent alerts, up to limit.
func (c *Controller) GetAlerts(limit int) []*types.AlertDecision {
	c.alertsMu.RLock()
	defer c.alertsMu.RUnlock()
	n := len(c.alerts)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*types.AlertDecision, limit)
	copy(out, c.alerts[n-limit:])
	return out
}
