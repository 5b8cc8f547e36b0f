// Package ingest turns raw bus deliveries into normalized events: it routes
// topics to agent channels and extracts typed fields from payloads.
package ingest

import (
	"strings"

	"github.com/invisible-tech/agentwatch/internal/types"
)

// channelPaths maps topic suffixes to logical channels.
var channelPaths = map[string]types.Channel{
	"log":            types.ChannelLog,
	"notify":         types.ChannelNotify,
	"status_updates": types.ChannelStatus,
	"hb":             types.ChannelHeartbeat,
	"events":         types.ChannelEvents,
}

// Route is the result of parsing a topic.
type Route struct {
	AgentID string
	Path    string
	Channel types.Channel
	Known   bool
}

// Router parses topics of the form <namespace>/<agent_id>/<channel-path>.
type Router struct {
	namespace string
}

// NewRouter creates a Router for the given namespace.
func NewRouter(namespace string) *Router {
	return &Router{namespace: namespace}
}

// Parse splits topic into agent id and channel. ok is false when the topic does
// not belong to the namespace or lacks an agent id or channel path. A topic with
// an unrecognized channel path returns ok with Known false.
func (r *Router) Parse(topic string) (Route, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != r.namespace || parts[1] == "" {
		return Route{}, false
	}
	route := Route{
		AgentID: parts[1],
		Path:    strings.Join(parts[2:], "/"),
	}
	route.Channel, route.Known = channelPaths[route.Path]
	return route, true
}
