// Package monitor keeps a bus session alive and feeds its messages to a
// handler, reconnecting after any failure.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/agentwatch/pkg/bus"
)

var (
	sessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentwatch_bus_sessions_total",
			Help: "Bus sessions established",
		},
	)
	sessionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentwatch_bus_session_failures_total",
			Help: "Bus dial or session failures",
		},
	)
	busConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentwatch_bus_connected",
			Help: "1 while a bus session is live",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsStarted)
	prometheus.MustRegister(sessionFailures)
	prometheus.MustRegister(busConnected)
}

var errRestart = errors.New("session restart requested")

// Dialer opens a new bus session.
type Dialer func(ctx context.Context) (bus.Session, error)

// Handler consumes bus messages and runs the per-session watchdog.
type Handler interface {
	HandleMessage(topic string, payload []byte)
	RunWatchdog(ctx context.Context)
}

// Config for the monitor loop.
type Config struct {
	ReconnectInterval time.Duration
}

// Monitor runs bus sessions back to back.
type Monitor struct {
	cfg     Config
	log     *logrus.Logger
	handler Handler

	mu   sync.Mutex
	dial Dialer

	restart   chan struct{}
	connected atomic.Bool
}

// New creates a Monitor.
func New(cfg Config, dial Dialer, handler Handler, log *logrus.Logger) *Monitor {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	return &Monitor{
		cfg:     cfg,
		log:     log,
		handler: handler,
		dial:    dial,
		restart: make(chan struct{}, 1),
	}
}

// Connected reports whether a session is live.
func (m *Monitor) Connected() bool {
	return m.connected.Load()
}

// Restart ends the current session and dials again immediately, using dial
// when it is non-nil.
func (m *Monitor) Restart(dial Dialer, reconnect time.Duration) {
	m.mu.Lock()
	if dial != nil {
		m.dial = dial
	}
	if reconnect > 0 {
		m.cfg.ReconnectInterval = reconnect
	}
	m.mu.Unlock()
	select {
	case m.restart <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done. Failed sessions are retried after the
// reconnect interval, without limit.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		err := m.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errRestart) {
			m.log.Info("Restarting bus session")
			continue
		}

		sessionFailures.Inc()
		m.mu.Lock()
		delay := m.cfg.ReconnectInterval
		m.mu.Unlock()
		m.log.WithError(err).WithField("retry_in", delay.String()).Error("Bus connection error, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-m.restart:
		case <-time.After(delay):
		}
	}
}

// session runs one connection. The watchdog lives exactly as long as the
// session and is stopped before the connection is closed.
func (m *Monitor) session(ctx context.Context) error {
	// Drop restart requests made before this session existed.
	select {
	case <-m.restart:
	default:
	}
	m.mu.Lock()
	dial := m.dial
	m.mu.Unlock()

	sess, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	sessionsStarted.Inc()
	m.connected.Store(true)
	busConnected.Set(1)

	wctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.handler.RunWatchdog(wctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
		m.connected.Store(false)
		busConnected.Set(0)
		sess.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.restart:
			return errRestart
		case <-sess.Done():
			return endErr(sess)
		case msg := <-sess.Messages():
			m.handler.HandleMessage(msg.Topic, msg.Payload)
		}
	}
}

func endErr(sess bus.Session) error {
	if err := sess.Err(); err != nil {
		return err
	}
	return errors.New("session ended")
}
