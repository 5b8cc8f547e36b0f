package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("AGENTWATCH_TEST_GETENV_UNSET")
		got := GetEnv("AGENTWATCH_TEST_GETENV_UNSET", "default")
		if got != "default" {
			t.Errorf("GetEnv(unset) = %q, want %q", got, "default")
		}
	})

	t.Run("returns value when set", func(t *testing.T) {
		t.Setenv("AGENTWATCH_TEST_GETENV_SET", "myvalue")
		got := GetEnv("AGENTWATCH_TEST_GETENV_SET", "default")
		if got != "myvalue" {
			t.Errorf("GetEnv(set) = %q, want %q", got, "myvalue")
		}
	})

	t.Run("trims space", func(t *testing.T) {
		t.Setenv("AGENTWATCH_TEST_GETENV_TRIM", "  trimmed  ")
		got := GetEnv("AGENTWATCH_TEST_GETENV_TRIM", "default")
		if got != "trimmed" {
			t.Errorf("GetEnv(trim) = %q, want %q", got, "trimmed")
		}
	})
}

func TestGetEnvDuration(t *testing.T) {
	t.Run("parses valid duration", func(t *testing.T) {
		t.Setenv("AGENTWATCH_TEST_DURATION_VALID", "30s")
		got := GetEnvDuration("AGENTWATCH_TEST_DURATION_VALID", time.Second)
		if got != 30*time.Second {
			t.Errorf("GetEnvDuration(30s) = %v, want 30s", got)
		}
	})

	t.Run("returns default on invalid duration", func(t *testing.T) {
		t.Setenv("AGENTWATCH_TEST_DURATION_INVALID", "not-a-duration")
		got := GetEnvDuration("AGENTWATCH_TEST_DURATION_INVALID", 7*time.Second)
		if got != 7*time.Second {
			t.Errorf("GetEnvDuration(invalid) = %v, want 7s", got)
		}
	})
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("mqtt:\n  host: broker\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MQTT.Host != "broker" || cfg.MQTT.Port != 1883 {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	if cfg.Filters.DedupWindow() != 300*time.Second {
		t.Errorf("DedupWindow = %v", cfg.Filters.DedupWindow())
	}
	if cfg.Monitoring.HeartbeatTimeoutDuration() != 300*time.Second {
		t.Errorf("HeartbeatTimeout = %v", cfg.Monitoring.HeartbeatTimeoutDuration())
	}
	if cfg.Monitoring.PostStopSilenceGrace != 0 {
		t.Errorf("PostStopSilenceGrace = %v, want 0", cfg.Monitoring.PostStopSilenceGrace)
	}
	if len(cfg.Subscriptions) != 5 || cfg.Subscriptions[0].Topic != "hbot/+/log" || cfg.Subscriptions[0].QoS != 1 {
		t.Errorf("Subscriptions = %+v", cfg.Subscriptions)
	}
	if !cfg.Alerts.Telegram.UseMarkdown {
		t.Error("UseMarkdown should default to true")
	}
	if cfg.Alerts.Telegram.Configured() {
		t.Error("Telegram should not be configured by default")
	}
	if tg := cfg.Alerts.Telegram; tg.RatePerSecond != 1 || tg.RateBurst != 20 {
		t.Errorf("rate = %v/%d, want 1/20", tg.RatePerSecond, tg.RateBurst)
	}
	if m := cfg.Monitoring; m.LogMaxSize != 10 || m.LogMaxBackups != 5 || m.LogMaxAge != 30 {
		t.Errorf("rotation = %d/%d/%d", m.LogMaxSize, m.LogMaxBackups, m.LogMaxAge)
	}
}

func TestParse_Full(t *testing.T) {
	data := []byte(`
mqtt:
  host: localhost
  port: 1884
  namespace: bots
subscriptions:
  - topic: bots/+/log
    qos: 0
alerts:
  telegram:
    enabled: true
    bot_token: token
    chat_id: "42"
    use_markdown: false
    source_aliases:
      bots/: "B:"
      bots/x: "X:"
filters:
  bot_ids: [a, b]
  log_levels: [ERROR]
  log_filter:
    pattern: "drawdown|error"
  alert_keywords: [error]
  ignore_keywords: [websocket]
  deduplication_window: 60
monitoring:
  heartbeat_timeout: 120
  heartbeat_check_interval: 10
  post_stop_silence_grace: 5
  log_level: DEBUG
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MQTT.Broker() != "tcp://localhost:1884" {
		t.Errorf("Broker = %q", cfg.MQTT.Broker())
	}
	if len(cfg.Subscriptions) != 1 || cfg.Subscriptions[0].QoS != 0 {
		t.Errorf("Subscriptions = %+v", cfg.Subscriptions)
	}
	if !cfg.Alerts.Telegram.Configured() || cfg.Alerts.Telegram.UseMarkdown {
		t.Errorf("Telegram = %+v", cfg.Alerts.Telegram)
	}
	aliases := cfg.Alerts.Telegram.SourceAliases
	if len(aliases) != 2 || aliases[0].Prefix != "bots/" || aliases[1].Replacement != "X:" {
		t.Errorf("SourceAliases order not preserved: %+v", aliases)
	}
	if cfg.Monitoring.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Monitoring.LogLevel)
	}
	if cfg.Monitoring.PostStopSilenceGrace != 5 || cfg.Monitoring.HeartbeatCheckDuration() != 10*time.Second {
		t.Errorf("Monitoring = %+v", cfg.Monitoring)
	}
}

func TestParse_AliasList(t *testing.T) {
	data := []byte(`
alerts:
  telegram:
    source_aliases:
      - prefix: hbot/
        replacement: "bot "
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Alerts.Telegram.SourceAliases) != 1 || cfg.Alerts.Telegram.SourceAliases[0].Replacement != "bot " {
		t.Errorf("SourceAliases = %+v", cfg.Alerts.Telegram.SourceAliases)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad port":      "mqtt:\n  port: 70000\n",
		"bad qos":       "subscriptions:\n  - topic: a/b\n    qos: 3\n",
		"bad regex":     "filters:\n  log_filter:\n    pattern: \"(\"\n",
		"bad level":     "monitoring:\n  log_level: loud\n",
		"bad namespace": "mqtt:\n  namespace: a/b\n",
		"not yaml":      "mqtt: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("TELEGRAM_CHAT_ID", "env-chat")
	t.Setenv("MQTT_PORT", "2883")
	cfg, err := Parse([]byte("alerts:\n  telegram:\n    enabled: true\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Alerts.Telegram.BotToken != "env-token" || cfg.Alerts.Telegram.ChatID != "env-chat" {
		t.Errorf("Telegram = %+v", cfg.Alerts.Telegram)
	}
	if cfg.MQTT.Port != 2883 {
		t.Errorf("Port = %d", cfg.MQTT.Port)
	}
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("mqtt:\n  host: filehost\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Host != "filehost" {
		t.Errorf("Host = %q", cfg.MQTT.Host)
	}
}
