package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/invisible-tech/agentwatch/internal/config"
)

func TestNew_ConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agentwatch.log")
	var console bytes.Buffer
	log, closer := New(config.MonitoringConfig{LogFile: path, LogLevel: "debug", LogFormat: "json"}, &console)
	log.WithField("agent_id", "a").Debug("hello")
	closer.Close()

	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v", log.GetLevel())
	}
	if !strings.Contains(console.String(), `"agent_id":"a"`) {
		t.Errorf("console = %q", console.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("file = %q", data)
	}
}

func TestNew_RotationSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentwatch.log")
	var console bytes.Buffer
	_, closer := New(config.MonitoringConfig{
		LogFile:       path,
		LogMaxSize:    3,
		LogMaxBackups: 2,
		LogMaxAge:     7,
		LogCompress:   true,
		LogLevel:      "info",
		LogFormat:     "json",
	}, &console)
	defer closer.Close()

	lj, ok := closer.(*lumberjack.Logger)
	if !ok {
		t.Fatalf("closer = %T, want *lumberjack.Logger", closer)
	}
	if lj.Filename != path || lj.MaxSize != 3 || lj.MaxBackups != 2 || lj.MaxAge != 7 || !lj.Compress {
		t.Errorf("rotation = %+v", lj)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestNew_UnwritableFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	var console bytes.Buffer
	log, closer := New(config.MonitoringConfig{LogFile: filepath.Join(blocker, "x.log"), LogLevel: "info", LogFormat: "text"}, &console)
	defer closer.Close()
	log.Info("still logging")

	out := console.String()
	if !strings.Contains(out, "Could not open log file") || !strings.Contains(out, "still logging") {
		t.Errorf("console = %q", out)
	}
}

func TestApply_BadLevelDefaultsToInfo(t *testing.T) {
	log := logrus.New()
	Apply(log, config.MonitoringConfig{LogLevel: "loud"})
	if log.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter = %T", log.Formatter)
	}
}

func TestTradeFilter(t *testing.T) {
	f, err := NewTradeFilter(config.ConsoleTradeFilter{
		Suppress: true,
		Keywords: []string{"Filled", ""},
		Pattern:  `^executor \d+`,
	})
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]bool{
		"Order FILLED at 1.2": true,
		"Executor 42 created": true,
		"Global drawdown":     false,
		"":                    false,
	}
	for msg, want := range tests {
		if got := f.Match(msg); got != want {
			t.Errorf("Match(%q) = %v, want %v", msg, got, want)
		}
	}
	if f.Level("filled") != logrus.DebugLevel || f.Level("x") != logrus.InfoLevel {
		t.Error("Level mismatch")
	}

	off, _ := NewTradeFilter(config.ConsoleTradeFilter{Keywords: []string{"filled"}})
	if off.Match("filled") {
		t.Error("disabled filter should not match")
	}
	if _, err := NewTradeFilter(config.ConsoleTradeFilter{Pattern: "("}); err == nil {
		t.Error("expected error for bad pattern")
	}
}
