package format

import (
	"strings"
	"testing"
	"time"

	"github.com/invisible-tech/agentwatch/internal/config"
	"github.com/invisible-tech/agentwatch/internal/types"
)

const ts = 1700000000 // 2023-11-14 22:13:20 UTC

func logDecision(msg string) *types.AlertDecision {
	return &types.AlertDecision{
		AgentID:   "bot_1",
		AlertType: types.AlertTypeLog,
		Severity:  types.SeverityError,
		Message:   msg,
		Timestamp: ts,
		Source:    "hbot/bot_1/log",
	}
}

func TestEscape(t *testing.T) {
	if got := Escape("a_b*c"); got != `a\_b\*c` {
		t.Errorf("Escape = %q", got)
	}
	if got := Escape("[x](y) `z` \\"); got != "\\[x\\]\\(y\\) \\`z\\` \\\\" {
		t.Errorf("Escape = %q", got)
	}
}

func TestFormat_MarkdownTemplated(t *testing.T) {
	f := New(true, nil, time.UTC)
	got := f.Format(logDecision("a_b*c"))
	want := strings.Join([]string{
		"🔴 *Critical Alert*",
		"",
		"*Agent:* `bot\\_1`",
		"*Type:* log",
		"*Level:* ERROR",
		"*Source:* `hbot/bot\\_1/log`",
		"*Time:* 2023-11-14 22:13:20",
		"",
		"*Message:*",
		`a\_b\*c`,
	}, "\n")
	if got != want {
		t.Errorf("Format =\n%s\nwant\n%s", got, want)
	}
}

func TestFormat_PlainTemplated(t *testing.T) {
	f := New(false, nil, time.UTC)
	got := f.Format(logDecision("a_b*c"))
	if !strings.Contains(got, "\nMessage:\na_b*c") {
		t.Errorf("plain mode should not escape: %q", got)
	}
	if !strings.HasPrefix(got, "🔴 Critical Alert\nAgent: bot_1\nType: log\nLevel: ERROR\nSource: hbot/bot_1/log\nTime: 2023-11-14 22:13:20\n") {
		t.Errorf("plain layout = %q", got)
	}
}

func TestFormat_StatusOmitsType(t *testing.T) {
	f := New(false, nil, time.UTC)
	d := &types.AlertDecision{AgentID: "a", AlertType: types.AlertTypeStatus, Message: "hello", Timestamp: ts}
	got := f.Format(d)
	if strings.Contains(got, "Type:") {
		t.Errorf("status alert should omit Type: %q", got)
	}
	if !strings.HasPrefix(got, "📊 Status\n") || !strings.Contains(got, "Source: N/A") {
		t.Errorf("status layout = %q", got)
	}
}

func TestFormat_Titles(t *testing.T) {
	f := New(false, nil, time.UTC)
	tests := []struct {
		typ  string
		sev  types.Severity
		want string
	}{
		{types.AlertTypeEvent, types.SeverityInfo, "ℹ️ Event Alert"},
		{types.AlertTypeNotification, types.SeverityInfo, "ℹ️ Notification"},
		{types.AlertTypeLog, types.SeverityWarning, "🟡 Warning"},
		{types.AlertTypeLog, "DEBUG", "📝 Alert"},
		{"custom", "", "ℹ️ Alert"},
	}
	for _, tt := range tests {
		d := &types.AlertDecision{AgentID: "a", AlertType: tt.typ, Severity: tt.sev, Message: "m"}
		got := f.Format(d)
		if !strings.HasPrefix(got, tt.want+"\n") {
			t.Errorf("%s/%s: got %q, want prefix %q", tt.typ, tt.sev, got, tt.want)
		}
		if !strings.Contains(got, "Time: N/A") {
			t.Errorf("zero timestamp should render N/A: %q", got)
		}
	}
}

func TestFormat_PreRendered(t *testing.T) {
	f := New(true, nil, time.UTC)
	d := &types.AlertDecision{
		AgentID:   "AGENT1",
		AlertType: types.AlertTypeGlobalDrawdown,
		Severity:  types.SeverityError,
		Message:   "🚨 GLOBAL DRAWDOWN REACHED\n\nAgent: AGENT1",
		Timestamp: ts,
		Source:    "hbot/AGENT1/log",
		Kind:      types.KindPreRendered,
	}
	got := f.Format(d)
	want := "🚨 GLOBAL DRAWDOWN REACHED\n\nAgent: AGENT1\n\n*Source:* `hbot/AGENT1/log`\n*Time:* 2023-11-14 22:13:20"
	if got != want {
		t.Errorf("Format =\n%q\nwant\n%q", got, want)
	}

	plain := New(false, nil, time.UTC).Format(d)
	if !strings.HasSuffix(plain, "\n\nSource: hbot/AGENT1/log\nTime: 2023-11-14 22:13:20") {
		t.Errorf("plain pre-rendered = %q", plain)
	}
}

func TestFormat_LeadSymbolSniffing(t *testing.T) {
	f := New(false, nil, time.UTC)
	d := &types.AlertDecision{
		AgentID: "a", AlertType: types.AlertTypeNotification, Severity: types.SeverityInfo,
		Message: "  ✅ Trade closed\nSource: custom\nTime: 2023-11-14 22:13:20",
		Timestamp: ts, Source: "hbot/a/notify",
	}
	got := f.Format(d)
	if got != d.Message {
		t.Errorf("message with Source and Time should pass through unchanged: %q", got)
	}
}

func TestAlias_FirstMatchWins(t *testing.T) {
	f := New(false, config.AliasTable{
		{Prefix: "hbot/", Replacement: "agents/"},
		{Prefix: "hbot/AGENT1", Replacement: "main"},
	}, time.UTC)
	if got := f.Alias("hbot/AGENT1/log"); got != "agents/AGENT1/log" {
		t.Errorf("Alias = %q", got)
	}
	if got := f.Alias("other/x"); got != "other/x" {
		t.Errorf("Alias = %q", got)
	}

	d := logDecision("m")
	if got := f.Format(d); !strings.Contains(got, "Source: agents/bot_1/log") {
		t.Errorf("aliased source missing: %q", got)
	}
}
