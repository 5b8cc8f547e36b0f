// Package telegram delivers alert text through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// ErrNotConfigured is returned when the bot token or chat id is missing.
var ErrNotConfigured = errors.New("telegram client not configured")

// Client sends messages to a single chat.
type Client struct {
	apiBase    string
	botToken   string
	chatID     string
	markdown   bool
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Logger
}

// Config for the Telegram client.
type Config struct {
	APIBase  string
	BotToken string
	ChatID   string
	// Markdown sends messages with parse_mode=Markdown.
	Markdown bool
	// Timeout bounds each HTTP request, not the time spent queued behind the
	// rate limiter.
	Timeout time.Duration
	// RatePerSecond limits outgoing requests; zero disables limiting.
	RatePerSecond float64
	// Burst is the number of requests sent without waiting; zero means 20.
	Burst int
}

// NewClient creates a new Telegram Bot API client.
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Client{
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
		markdown:   cfg.Markdown,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		log:        log,
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// Notify sends text to the configured chat. It waits for the rate limiter
// until ctx is done; pass a context without a deadline to never drop alerts.
func (c *Client) Notify(ctx context.Context, text string) error {
	if c.botToken == "" || c.chatID == "" {
		return ErrNotConfigured
	}
	req := sendMessageRequest{ChatID: c.chatID, Text: text}
	if c.markdown {
		req.ParseMode = "Markdown"
	}
	return c.call(ctx, "sendMessage", req)
}

// HealthCheck verifies the bot token with getMe.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.botToken == "" {
		return ErrNotConfigured
	}
	return c.call(ctx, "getMe", nil)
}

func (c *Client) call(ctx context.Context, method string, payload interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var body io.Reader
	httpMethod := http.MethodGet
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(jsonData)
		httpMethod = http.MethodPost
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.botToken, method)
	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL embeds the token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			uerr.URL = c.apiBase + "/bot<redacted>/" + method
		}
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK || !gjson.GetBytes(respBody, "ok").Bool() {
		desc := gjson.GetBytes(respBody, "description").String()
		if desc == "" {
			desc = strings.TrimSpace(string(respBody))
		}
		return fmt.Errorf("telegram API error: status %d: %s", resp.StatusCode, desc)
	}

	c.log.WithFields(logrus.Fields{
		"method": method,
		"status": resp.StatusCode,
	}).Debug("Telegram API call succeeded")
	return nil
}
