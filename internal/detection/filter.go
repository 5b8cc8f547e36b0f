package detection

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/invisible-tech/agentwatch/internal/config"
	"github.com/invisible-tech/agentwatch/internal/types"
)

// Filter is the keyword/regex gate applied to generic log and event alerts.
type Filter struct {
	pattern  *regexp.Regexp
	levels   []string
	keywords []string
	ignore   []string
}

// NewFilter compiles the filter settings. The allow pattern is matched case
// insensitively.
func NewFilter(cfg config.FilterConfig) (*Filter, error) {
	f := &Filter{levels: cfg.LogLevels}
	if cfg.LogFilter.Pattern != "" {
		re, err := regexp.Compile("(?i)" + cfg.LogFilter.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile log filter pattern: %w", err)
		}
		f.pattern = re
	}
	for _, k := range cfg.AlertKeywords {
		if k != "" {
			f.keywords = append(f.keywords, strings.ToLower(k))
		}
	}
	for _, k := range cfg.IgnoreKeywords {
		if k != "" {
			f.ignore = append(f.ignore, strings.ToLower(k))
		}
	}
	return f, nil
}

// Allow reports whether a message on channel should raise an alert.
func (f *Filter) Allow(message, level string, channel types.Channel) bool {
	if f.pattern != nil && !f.pattern.MatchString(message) {
		return false
	}
	if channel == types.ChannelLog {
		if !f.levelAllowed(level) {
			return false
		}
		if f.pattern != nil {
			return true
		}
	}
	if len(f.keywords) == 0 {
		return true
	}

	lower := strings.ToLower(message)
	for _, kw := range f.keywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		if f.ignored(lower) {
			continue
		}
		return true
	}
	return false
}

func (f *Filter) levelAllowed(level string) bool {
	if len(f.levels) == 0 {
		return true
	}
	for _, l := range f.levels {
		if strings.EqualFold(l, level) {
			return true
		}
	}
	return false
}

func (f *Filter) ignored(lower string) bool {
	for _, ig := range f.ignore {
		if strings.Contains(lower, ig) {
			return true
		}
	}
	return false
}
