// Package format renders alert decisions as chat message text.
package format

import (
	"strings"
	"time"

	"github.com/invisible-tech/agentwatch/internal/config"
	"github.com/invisible-tech/agentwatch/internal/types"
)

// TimeLayout is the layout of the Time line.
const TimeLayout = "2006-01-02 15:04:05"

var (
	severityEmoji = map[types.Severity]string{
		types.SeverityError:   "🔴",
		types.SeverityWarning: "🟡",
		types.SeverityInfo:    "ℹ️",
	}
	typeEmoji = map[string]string{
		types.AlertTypeLog:              "📝",
		types.AlertTypeStatus:           "📊",
		types.AlertTypeEvent:            "⚡",
		types.AlertTypeNotification:     "🔔",
		types.AlertTypeHeartbeatTimeout: "💔",
	}
	severityTitle = map[types.Severity]string{
		types.SeverityError:   "Critical Alert",
		types.SeverityWarning: "Warning",
		types.SeverityInfo:    "Information",
	}
	typeTitle = map[string]string{
		types.AlertTypeEvent:            "Event Alert",
		types.AlertTypeNotification:     "Notification",
		types.AlertTypeStatus:           "Status",
		types.AlertTypeHeartbeatTimeout: "Heartbeat Timeout",
	}
	// leadSymbols mark agent text that already carries its own layout.
	leadSymbols = []string{"🛑", "✅", "⚠️", "💥", "🚨", "🔴", "🟡", "ℹ️", "📝", "📊", "⚡", "🔔", "💔"}

	markdownEscaper = strings.NewReplacer(
		`\`, `\\`,
		`_`, `\_`,
		`*`, `\*`,
		`[`, `\[`,
		`]`, `\]`,
		`(`, `\(`,
		`)`, `\)`,
		"`", "\\`",
	)
)

// Formatter renders decisions for Telegram, either as Markdown (v1) or plain
// text.
type Formatter struct {
	markdown bool
	aliases  config.AliasTable
	loc      *time.Location
}

// New creates a Formatter. A nil loc means time.Local.
func New(markdown bool, aliases config.AliasTable, loc *time.Location) *Formatter {
	if loc == nil {
		loc = time.Local
	}
	return &Formatter{markdown: markdown, aliases: aliases, loc: loc}
}

// Escape backslash-escapes the characters Telegram Markdown treats as markup.
func Escape(s string) string {
	return markdownEscaper.Replace(s)
}

// Alias rewrites the first alias prefix that source starts with.
func (f *Formatter) Alias(source string) string {
	for _, a := range f.aliases {
		if strings.HasPrefix(source, a.Prefix) {
			return a.Replacement + source[len(a.Prefix):]
		}
	}
	return source
}

// Time renders a timestamp in seconds, or N/A when it is zero.
func (f *Formatter) Time(ts float64) string {
	if ts == 0 {
		return "N/A"
	}
	return types.FromSeconds(ts).In(f.loc).Format(TimeLayout)
}

// PreRendered reports whether d is passed through with only Source and Time
// lines appended.
func PreRendered(d *types.AlertDecision) bool {
	if d.Kind == types.KindPreRendered {
		return true
	}
	msg := strings.TrimSpace(d.Message)
	for _, s := range leadSymbols {
		if strings.HasPrefix(msg, s) {
			return true
		}
	}
	return false
}

// Format renders d.
func (f *Formatter) Format(d *types.AlertDecision) string {
	timeStr := f.Time(d.Timestamp)
	source := "N/A"
	if d.Source != "" {
		source = f.Alias(d.Source)
	}
	agent, alertType, message := d.AgentID, d.AlertType, d.Message
	if f.markdown {
		agent, alertType, message, source = Escape(agent), Escape(alertType), Escape(message), Escape(source)
	}

	if PreRendered(d) {
		return f.preRendered(d, message, source, timeStr)
	}

	title, ok := typeTitle[d.AlertType]
	if !ok {
		title, ok = severityTitle[d.Severity]
		if !ok {
			title = "Alert"
		}
	}
	emoji := leadEmoji(d)

	var lines []string
	if f.markdown {
		lines = append(lines, emoji+" *"+title+"*", "", "*Agent:* `"+agent+"`")
		if d.AlertType != types.AlertTypeStatus {
			lines = append(lines, "*Type:* "+alertType)
		}
		if d.Severity != "" {
			lines = append(lines, "*Level:* "+string(d.Severity))
		}
		lines = append(lines, "*Source:* `"+source+"`", "*Time:* "+timeStr, "", "*Message:*", message)
		return strings.Join(lines, "\n")
	}

	lines = append(lines, emoji+" "+title, "Agent: "+agent)
	if d.AlertType != types.AlertTypeStatus {
		lines = append(lines, "Type: "+alertType)
	}
	if d.Severity != "" {
		lines = append(lines, "Level: "+string(d.Severity))
	}
	lines = append(lines, "Source: "+source, "Time: "+timeStr, "", "Message:", message)
	return strings.Join(lines, "\n")
}

func (f *Formatter) preRendered(d *types.AlertDecision, message, source, timeStr string) string {
	var extras []string
	if f.markdown {
		if d.Source != "" && !strings.Contains(message, "*Source:*") {
			extras = append(extras, "*Source:* `"+source+"`")
		}
		if !strings.Contains(message, timeStr) {
			extras = append(extras, "*Time:* "+timeStr)
		}
	} else {
		if d.Source != "" && !strings.Contains(message, "Source:") {
			extras = append(extras, "Source: "+source)
		}
		if !strings.Contains(message, timeStr) {
			extras = append(extras, "Time: "+timeStr)
		}
	}
	if len(extras) == 0 {
		return message
	}
	return message + "\n\n" + strings.Join(extras, "\n")
}

func leadEmoji(d *types.AlertDecision) string {
	if e, ok := severityEmoji[d.Severity]; ok {
		return e
	}
	if e, ok := typeEmoji[d.AlertType]; ok {
		return e
	}
	return "ℹ️"
}
