package ingest

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/invisible-tech/agentwatch/internal/types"
)

// Normalizer converts payloads into events.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a Normalizer. now is used for payloads without a
// usable timestamp; nil means time.Now.
func NewNormalizer(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Normalize builds an Event for a routed message. It never fails: payloads
// that are not JSON objects are treated as opaque text.
func (n *Normalizer) Normalize(route Route, topic string, payload []byte) *types.Event {
	text := strings.ToValidUTF8(string(payload), "")
	ev := &types.Event{
		AgentID: route.AgentID,
		Channel: route.Channel,
		Topic:   topic,
		Level:   "INFO",
		Message: text,
	}

	obj := gjson.Parse(text)
	if !gjson.Valid(text) || !obj.IsObject() {
		ev.Timestamp = types.Seconds(n.now())
		switch route.Channel {
		case types.ChannelStatus, types.ChannelEvents:
			ev.Type = "unknown"
		}
		if route.Channel == types.ChannelEvents {
			ev.Data = "{}"
		}
		return ev
	}

	ev.Structured = true
	ev.Timestamp = n.timestamp(obj.Get("timestamp"))

	switch route.Channel {
	case types.ChannelLog:
		ev.Level = stringField(obj, "level_name", "INFO")
		ev.Message = stringField(obj, "msg", text)
	case types.ChannelNotify:
		ev.Message = stringField(obj, "msg", text)
	case types.ChannelStatus:
		ev.Message = stringField(obj, "msg", "")
		ev.Type = stringField(obj, "type", "")
	case types.ChannelEvents:
		ev.Type = stringField(obj, "type", "unknown")
		ev.Data = canonicalJSON(obj.Get("data"))
		ev.Message = ev.Data
	}
	return ev
}

// timestamp coerces a payload timestamp to normalized seconds, falling back to
// the current time when it is missing or not numeric.
func (n *Normalizer) timestamp(v gjson.Result) float64 {
	if !v.Exists() || v.Type == gjson.Null {
		return types.Seconds(n.now())
	}
	ts, err := cast.ToFloat64E(v.Value())
	if err != nil {
		return types.Seconds(n.now())
	}
	return types.NormalizeTimestamp(ts)
}

func stringField(obj gjson.Result, key, def string) string {
	v := obj.Get(key)
	if !v.Exists() || v.Type == gjson.Null {
		return def
	}
	if v.IsObject() || v.IsArray() {
		return v.Raw
	}
	return cast.ToString(v.Value())
}

// canonicalJSON re-encodes v compactly with sorted object keys. Numbers keep
// their literal text and strings are not HTML-escaped. A missing value encodes
// as an empty object.
func canonicalJSON(v gjson.Result) string {
	if !v.Exists() {
		return "{}"
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

type member struct {
	key string
	val gjson.Result
}

func writeCanonical(b *strings.Builder, v gjson.Result) {
	switch {
	case v.IsObject():
		var members []member
		seen := make(map[string]int)
		v.ForEach(func(k, val gjson.Result) bool {
			// Last duplicate wins.
			if i, ok := seen[k.String()]; ok {
				members[i].val = val
				return true
			}
			seen[k.String()] = len(members)
			members = append(members, member{key: k.String(), val: val})
			return true
		})
		sort.Slice(members, func(i, j int) bool { return members[i].key < members[j].key })
		b.WriteByte('{')
		for i, m := range members {
			if i > 0 {
				b.WriteByte(',')
			}
			writeString(b, m.key)
			b.WriteByte(':')
			writeCanonical(b, m.val)
		}
		b.WriteByte('}')
	case v.IsArray():
		b.WriteByte('[')
		for i, el := range v.Array() {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, el)
		}
		b.WriteByte(']')
	case v.Type == gjson.String:
		writeString(b, v.String())
	default:
		b.WriteString(v.Raw)
	}
}

func writeString(b *strings.Builder, s string) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		b.WriteString(`""`)
		return
	}
	b.Write(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}
