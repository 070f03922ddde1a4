package broker

import (
	"net/http"
	"time"
)

// ConfigSnapshot is the GET /config payload: the server definitions the pool
// is currently running, env values redacted. Membership changes arrive
// through the config watcher, never through this surface.
type ConfigSnapshot struct {
	Servers   map[string]ServerDefinition `json:"mcpServers"`
	Count     int                         `json:"count"`
	Timestamp time.Time                   `json:"timestamp"`
}

// ServerDefinition mirrors one configured downstream as the operator wrote
// it, minus secrets.
type ServerDefinition struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
	Type    string            `json:"type"`
	Tags    []string          `json:"tags"`
}

// handleGetConfig serves the active configuration snapshot.
func (h *StatusHandler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	h.setResponseHeaders(w, r)
	if r.Method != http.MethodGet {
		h.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed. Supported methods: GET")
		return
	}

	info := h.pool.Info()
	snapshot := ConfigSnapshot{
		Servers:   make(map[string]ServerDefinition, len(info)),
		Count:     len(info),
		Timestamp: time.Now(),
	}
	for name, entry := range info {
		snapshot.Servers[name] = ServerDefinition{
			Command: entry.Command,
			Args:    entry.Args,
			Env:     entry.Env,
			Type:    entry.Type,
			Tags:    entry.Tags,
		}
	}

	h.sendJSONResponse(w, http.StatusOK, snapshot)
}
