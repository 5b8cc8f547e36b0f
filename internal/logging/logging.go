// Package logging builds the service logger from configuration.
package logging

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/invisible-tech/agentwatch/internal/config"
)

// New builds a logger writing to console and, when configured, to a rotating
// log file as well. An unusable log file degrades to console only with a
// warning. The returned closer releases the file; it is never nil.
func New(cfg config.MonitoringConfig, console io.Writer) (*logrus.Logger, io.Closer) {
	log := logrus.New()
	log.SetOutput(console)
	Apply(log, cfg)

	if cfg.LogFile == "" {
		return log, io.NopCloser(nil)
	}
	f := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
		Compress:   cfg.LogCompress,
	}
	// lumberjack opens lazily; an empty write surfaces open errors now.
	if _, err := f.Write(nil); err != nil {
		log.WithError(err).WithField("log_file", cfg.LogFile).Warn("Could not open log file, logging to console only")
		return log, io.NopCloser(nil)
	}
	log.SetOutput(io.MultiWriter(console, f))
	return log, f
}

// Apply sets level and formatter on an existing logger.
func Apply(log *logrus.Logger, cfg config.MonitoringConfig) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
}

// TradeFilter recognizes routine trading log lines that are demoted to debug
// on the console.
type TradeFilter struct {
	enabled  bool
	keywords []string
	pattern  *regexp.Regexp
}

// NewTradeFilter compiles the console trade filter.
func NewTradeFilter(cfg config.ConsoleTradeFilter) (*TradeFilter, error) {
	f := &TradeFilter{enabled: cfg.Suppress}
	for _, k := range cfg.Keywords {
		if k != "" {
			f.keywords = append(f.keywords, strings.ToLower(k))
		}
	}
	if cfg.Pattern != "" {
		re, err := regexp.Compile("(?i)" + cfg.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile console trade pattern: %w", err)
		}
		f.pattern = re
	}
	return f, nil
}

// Match reports whether message is routine trading noise.
func (f *TradeFilter) Match(message string) bool {
	if f == nil || !f.enabled || message == "" {
		return false
	}
	if f.pattern != nil && f.pattern.MatchString(message) {
		return true
	}
	lower := strings.ToLower(message)
	for _, k := range f.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Level returns the level at which an agent log line should be echoed.
func (f *TradeFilter) Level(message string) logrus.Level {
	if f.Match(message) {
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}
