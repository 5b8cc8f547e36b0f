// Package config loads and validates the agentwatch configuration from a YAML
// file, with environment overrides for secrets and connection settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Load when the configuration file does not exist.
var ErrNotFound = errors.New("config file not found")

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// Config is the full service configuration.
type Config struct {
	MQTT          MQTTConfig       `yaml:"mqtt"`
	Subscriptions []Subscription   `yaml:"subscriptions" validate:"dive"`
	Alerts        AlertsConfig     `yaml:"alerts"`
	Filters       FilterConfig     `yaml:"filters"`
	Monitoring    MonitoringConfig `yaml:"monitoring"`
	Server        ServerConfig     `yaml:"server"`
}

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Host              string `yaml:"host" validate:"required"`
	Port              int    `yaml:"port" validate:"min=1,max=65535"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ClientIDPrefix    string `yaml:"client_id_prefix" validate:"required"`
	Keepalive         int    `yaml:"keepalive" validate:"gte=1"`
	ReconnectInterval int    `yaml:"reconnect_interval" validate:"gte=1"`
	ConnectTimeout    int    `yaml:"connect_timeout" validate:"gte=1"`
	Namespace         string `yaml:"namespace" validate:"required,excludes=/"`
}

// Subscription is one topic filter with its QoS.
type Subscription struct {
	Topic string `yaml:"topic" validate:"required"`
	QoS   byte   `yaml:"qos" validate:"lte=2"`
}

// AlertsConfig groups outbound notifier settings.
type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig configures delivery through the Telegram Bot API.
type TelegramConfig struct {
	Enabled       bool       `yaml:"enabled"`
	BotToken      string     `yaml:"bot_token"`
	ChatID        string     `yaml:"chat_id"`
	UseMarkdown   bool       `yaml:"use_markdown"`
	APIBase       string     `yaml:"api_base" validate:"omitempty,url"`
	Timeout       int        `yaml:"timeout" validate:"gte=1"`
	RatePerSecond float64    `yaml:"rate_per_second" validate:"gte=0"`
	RateBurst     int        `yaml:"rate_burst" validate:"gte=0"`
	SourceAliases AliasTable `yaml:"source_aliases"`
}

// Configured reports whether delivery is enabled and has credentials.
func (t TelegramConfig) Configured() bool {
	return t.Enabled && t.BotToken != "" && t.ChatID != ""
}

// FilterConfig controls which messages become alerts.
type FilterConfig struct {
	AgentIDs            []string        `yaml:"bot_ids"`
	LogLevels           []string        `yaml:"log_levels"`
	LogFilter           LogFilterConfig `yaml:"log_filter"`
	AlertKeywords       []string        `yaml:"alert_keywords"`
	IgnoreKeywords      []string        `yaml:"ignore_keywords"`
	DeduplicationWindow int             `yaml:"deduplication_window" validate:"gte=0"`
}

// LogFilterConfig holds the optional allow regex.
type LogFilterConfig struct {
	Pattern string `yaml:"pattern"`
}

// MonitoringConfig holds heartbeat, silence and logging settings.
type MonitoringConfig struct {
	HeartbeatTimeout       int                `yaml:"heartbeat_timeout" validate:"gte=1"`
	HeartbeatCheckInterval int                `yaml:"heartbeat_check_interval" validate:"gte=1"`
	PostStopSilenceGrace   float64            `yaml:"post_stop_silence_grace" validate:"gte=0"`
	LogFile                string             `yaml:"log_file"`
	LogMaxSize             int                `yaml:"log_max_size" validate:"gte=0"`
	LogMaxBackups          int                `yaml:"log_max_backups" validate:"gte=0"`
	LogMaxAge              int                `yaml:"log_max_age" validate:"gte=0"`
	LogCompress            bool               `yaml:"log_compress"`
	LogLevel               string             `yaml:"log_level" validate:"oneof=trace debug info warning warn error"`
	LogFormat              string             `yaml:"log_format" validate:"oneof=json text"`
	ConsoleTradeFilter     ConsoleTradeFilter `yaml:"console_trade_filter"`
}

// ConsoleTradeFilter demotes routine trading log lines to debug level on the console.
type ConsoleTradeFilter struct {
	Suppress bool     `yaml:"suppress"`
	Keywords []string `yaml:"keywords"`
	Pattern  string   `yaml:"pattern"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	HTTPAddr        string `yaml:"http_addr"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" validate:"gte=1"`
	AlertRetention  int    `yaml:"alert_retention" validate:"gte=1"`
}

// DedupWindow returns the deduplication window as a duration.
func (f FilterConfig) DedupWindow() time.Duration {
	return time.Duration(f.DeduplicationWindow) * time.Second
}

// HeartbeatTimeoutDuration returns the heartbeat timeout as a duration.
func (m MonitoringConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(m.HeartbeatTimeout) * time.Second
}

// HeartbeatCheckDuration returns the watchdog interval as a duration.
func (m MonitoringConfig) HeartbeatCheckDuration() time.Duration {
	return time.Duration(m.HeartbeatCheckInterval) * time.Second
}

// ReconnectDelay returns the delay between reconnect attempts.
func (m MQTTConfig) ReconnectDelay() time.Duration {
	return time.Duration(m.ReconnectInterval) * time.Second
}

// Broker returns the broker URL understood by the MQTT client.
func (m MQTTConfig) Broker() string {
	return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port)
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Host:              "emqx",
			Port:              1883,
			ClientIDPrefix:    "hb-monitor",
			Keepalive:         60,
			ReconnectInterval: 5,
			ConnectTimeout:    30,
			Namespace:         "hbot",
		},
		Alerts: AlertsConfig{
			Telegram: TelegramConfig{
				UseMarkdown:   true,
				APIBase:       "https://api.telegram.org",
				Timeout:       10,
				RatePerSecond: 1,
				RateBurst:     20,
			},
		},
		Filters: FilterConfig{
			DeduplicationWindow: 300,
		},
		Monitoring: MonitoringConfig{
			HeartbeatTimeout:       300,
			HeartbeatCheckInterval: 60,
			LogFile:                "logs/hb-monitor.log",
			LogMaxSize:             10,
			LogMaxBackups:          5,
			LogMaxAge:              30,
			LogLevel:               "info",
			LogFormat:              "json",
			ConsoleTradeFilter: ConsoleTradeFilter{
				Suppress: true,
				Keywords: defaultTradeKeywords(),
			},
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			ShutdownTimeout: 30,
			AlertRetention:  1000,
		},
	}
}

// DefaultSubscriptions returns the channel subscriptions under namespace.
func DefaultSubscriptions(namespace string) []Subscription {
	channels := []string{"log", "notify", "status_updates", "events", "hb"}
	subs := make([]Subscription, 0, len(channels))
	for _, ch := range channels {
		subs = append(subs, Subscription{Topic: namespace + "/+/" + ch, QoS: 1})
	}
	return subs
}

func defaultTradeKeywords() []string {
	return []string{
		"order", "trade", "filled", "position", "budget",
		"buy", "sell", "rate oracle", "user stream", "websocket",
		"listen key", "executor id", "trading", "instruments", "subscribed",
	}
}

// Load reads, overrides and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data on top of the defaults, applies environment
// overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()
	if len(cfg.Subscriptions) == 0 {
		cfg.Subscriptions = DefaultSubscriptions(cfg.MQTT.Namespace)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Monitoring.LogLevel = strings.ToLower(GetEnv("LOG_LEVEL", c.Monitoring.LogLevel))
	c.MQTT.Host = GetEnv("MQTT_HOST", c.MQTT.Host)
	if p, err := strconv.Atoi(GetEnv("MQTT_PORT", "")); err == nil {
		c.MQTT.Port = p
	}
	c.MQTT.Username = GetEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = GetEnv("MQTT_PASSWORD", c.MQTT.Password)
	c.Alerts.Telegram.BotToken = GetEnv("TELEGRAM_BOT_TOKEN", c.Alerts.Telegram.BotToken)
	c.Alerts.Telegram.ChatID = GetEnv("TELEGRAM_CHAT_ID", c.Alerts.Telegram.ChatID)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that configured patterns compile.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if p := c.Filters.LogFilter.Pattern; p != "" {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return fmt.Errorf("invalid filters.log_filter.pattern: %w", err)
		}
	}
	if p := c.Monitoring.ConsoleTradeFilter.Pattern; p != "" {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return fmt.Errorf("invalid monitoring.console_trade_filter.pattern: %w", err)
		}
	}
	for i, a := range c.Alerts.Telegram.SourceAliases {
		if a.Prefix == "" {
			return fmt.Errorf("invalid alerts.telegram.source_aliases[%d]: empty prefix", i)
		}
	}
	return nil
}
