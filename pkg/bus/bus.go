// Package bus connects to the MQTT broker and delivers subscribed messages
// in arrival order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// ErrClosed is reported by Err after Close.
var ErrClosed = errors.New("bus session closed")

// Message is one received publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Session is a live broker connection with its subscriptions in place.
type Session interface {
	// Messages delivers received messages in arrival order.
	Messages() <-chan Message
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err reports why the session ended; nil while it is live.
	Err() error
	Close()
}

// Subscription is one topic filter with its QoS.
type Subscription struct {
	Topic string
	QoS   byte
}

// Config for a broker session.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Keepalive      time.Duration
	ConnectTimeout time.Duration
	Subscriptions  []Subscription
	BufferSize     int
}

// ClientID builds a per-connection client id from prefix and the current
// unix time.
func ClientID(prefix string, now time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, now.Unix())
}

// Conn is a Session backed by a paho MQTT client. Automatic reconnects are
// off; a lost connection ends the session and the caller dials again.
type Conn struct {
	client mqtt.Client
	msgs   chan Message
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	log    *logrus.Logger
}

func newConn(bufferSize int, log *logrus.Logger) *Conn {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Conn{
		msgs: make(chan Message, bufferSize),
		done: make(chan struct{}),
		log:  log,
	}
}

// Dial connects to the broker and subscribes to every configured filter.
func Dial(ctx context.Context, cfg Config, log *logrus.Logger) (*Conn, error) {
	c := newConn(cfg.BufferSize, log)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.Keepalive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetDefaultPublishHandler(c.handle).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.fail(fmt.Errorf("connection lost: %w", err))
		})
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	c.client = client
	log.WithFields(logrus.Fields{"broker": cfg.Broker, "client_id": cfg.ClientID}).Info("Connected to MQTT broker")

	if len(cfg.Subscriptions) > 0 {
		filters := make(map[string]byte, len(cfg.Subscriptions))
		for _, s := range cfg.Subscriptions {
			filters[s.Topic] = s.QoS
		}
		tok := client.SubscribeMultiple(filters, c.handle)
		if err := wait(ctx, tok); err != nil {
			c.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		if st, ok := tok.(*mqtt.SubscribeToken); ok {
			for topic, code := range st.Result() {
				if code == 0x80 {
					c.Close()
					return nil, fmt.Errorf("subscribe %s: rejected by broker", topic)
				}
			}
		}
		for _, s := range cfg.Subscriptions {
			log.WithFields(logrus.Fields{"topic": s.Topic, "qos": s.QoS}).Info("Subscribed")
		}
	}
	return c, nil
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle runs on the paho router goroutine; with ordered delivery it blocks
// when the buffer is full.
func (c *Conn) handle(_ mqtt.Client, m mqtt.Message) {
	msg := Message{Topic: m.Topic(), Payload: m.Payload()}
	select {
	case c.msgs <- msg:
	case <-c.done:
	}
}

func (c *Conn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Messages implements Session.
func (c *Conn) Messages() <-chan Message { return c.msgs }

// Done implements Session.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements Session.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the session and disconnects from the broker.
func (c *Conn) Close() {
	c.fail(ErrClosed)
	if c.client != nil && c.client.IsConnectionOpen() {
		c.client.Disconnect(250)
	}
}
