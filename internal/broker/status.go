package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpbroker/mcpbroker/internal/downstream"
)

// poolInspector is the slice of the downstream manager the status surface
// reads.
type poolInspector interface {
	Info() map[string]downstream.ClientInfo
}

// ServerStatus is one downstream's externally visible condition.
type ServerStatus struct {
	Name      string   `json:"name"`
	State     string   `json:"state"`
	Command   string   `json:"command"`
	Tags      []string `json:"tags"`
	ToolCount int      `json:"toolCount"`
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	Servers        []ServerStatus `json:"servers"`
	TotalServers   int            `json:"totalServers"`
	ReadyServers   int            `json:"readyServers"`
	TotalTools     int            `json:"totalTools"`
	Sessions       int            `json:"sessions"`
	ActiveSessions []SessionInfo  `json:"activeSessions,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// StatusHandler serves the operational HTTP surface: pool and catalog
// health, without any tool payloads or env values.
type StatusHandler struct {
	pool       poolInspector
	aggregator *Aggregator
	server     *Server
	logger     *slog.Logger
}

func NewStatusHandler(pool poolInspector, aggregator *Aggregator, server *Server, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		pool:       pool,
		aggregator: aggregator,
		server:     server,
		logger:     logger.With("component", "status"),
	}
}

// NewStatusMux mounts the status handler together with liveness, config
// snapshot, and metrics endpoints.
func NewStatusMux(h *StatusHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/status", h)
	mux.Handle("/status/", h)
	mux.HandleFunc("/config", h.handleGetConfig)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// ServeHTTP implements http.Handler interface
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setResponseHeaders(w, r)

	switch r.Method {
	case http.MethodGet:
		h.handleGetStatus(w, r)
	default:
		h.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed. Supported methods: GET")
	}
}

func (h *StatusHandler) setResponseHeaders(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (h *StatusHandler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	response := h.snapshot(r)

	// Parse URL path to check for specific server request
	path := strings.TrimPrefix(r.URL.Path, "/status")
	if path != "" && path != "/" {
		if serverName := strings.TrimPrefix(path, "/"); serverName != "" {
			h.handleSingleServer(w, response, serverName)
			return
		}
	}

	// Specific server via query parameter (legacy support)
	if serverName := r.URL.Query().Get("server"); serverName != "" {
		h.handleSingleServer(w, response, serverName)
		return
	}

	h.sendJSONResponse(w, http.StatusOK, response)
}

func (h *StatusHandler) handleSingleServer(w http.ResponseWriter, response StatusResponse, serverName string) {
	for _, server := range response.Servers {
		if server.Name == serverName {
			h.logger.Info("retrieved status for specific server", "serverName", serverName)
			h.sendJSONResponse(w, http.StatusOK, server)
			return
		}
	}
	h.sendErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Server '%s' not found", serverName))
}

func (h *StatusHandler) snapshot(r *http.Request) StatusResponse {
	ctx := r.Context()

	info := h.pool.Info()
	catalog := h.aggregator.Aggregate(ctx)

	toolsPerServer := make(map[string]int, len(info))
	for _, tool := range catalog {
		toolsPerServer[tool.ServerName]++
	}

	names := make([]string, 0, len(info))
	for name := range info {
		names = append(names, name)
	}
	sort.Strings(names)

	sessions := h.server.Sessions()
	response := StatusResponse{
		Servers:        make([]ServerStatus, 0, len(names)),
		TotalServers:   len(names),
		TotalTools:     len(catalog),
		Sessions:       len(sessions),
		ActiveSessions: sessions,
		Timestamp:      time.Now(),
	}
	for _, name := range names {
		entry := info[name]
		if entry.State == downstream.StateReady {
			response.ReadyServers++
		}
		response.Servers = append(response.Servers, ServerStatus{
			Name:      name,
			State:     string(entry.State),
			Command:   entry.Command,
			Tags:      entry.Tags,
			ToolCount: toolsPerServer[name],
		})
	}
	return response
}

func (h *StatusHandler) sendJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (h *StatusHandler) sendErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSONResponse(w, statusCode, map[string]string{"error": message})
}
