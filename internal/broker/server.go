// Package broker exposes the aggregated MCP surface to external clients:
// per-session JSON-RPC dispatch, tag-based access filtering, and the tool
// catalog assembled from the downstream pool.
package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpbroker/mcpbroker/internal/auth"
	"github.com/mcpbroker/mcpbroker/internal/jsonrpc"
	"github.com/mcpbroker/mcpbroker/internal/observe"
)

// Version identifies the broker to clients and downstreams.
const Version = "0.1.0"

// ServerName is the identity reported in initialize results.
const ServerName = "McpBroker"

const maxLineBytes = 10 * 1024 * 1024

// maxArgumentKeys bounds the top-level keys of a tools/call arguments
// object.
const maxArgumentKeys = 100

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Server multiplexes external MCP sessions onto the shared aggregator. One
// goroutine per session consumes its transport in order; all cross-session
// state lives in the aggregator, the pool, and the session registry.
type Server struct {
	aggregator  *Aggregator
	verifier    *auth.Verifier
	requireAuth bool
	metrics     *observe.Metrics
	logger      *slog.Logger
	registry    *sessionRegistry

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool

	wg sync.WaitGroup
}

// NewServer creates the session front end. verifier may be nil when no
// public key is configured; requireAuth then rejects every tool operation.
func NewServer(aggregator *Aggregator, verifier *auth.Verifier, requireAuth bool, metrics *observe.Metrics, logger *slog.Logger) *Server {
	return &Server{
		aggregator:  aggregator,
		verifier:    verifier,
		requireAuth: requireAuth,
		metrics:     metrics,
		logger:      logger.With("component", "server"),
		registry:    newSessionRegistry(),
		conns:       map[net.Conn]struct{}{},
	}
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	return s.registry.count()
}

// Sessions returns the live sessions, oldest first.
func (s *Server) Sessions() []SessionInfo {
	return s.registry.snapshot()
}

// ListenUnix binds a unix domain socket, replacing any stale socket file.
// The socket is owner-only.
func (s *Server) ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	s.trackListener(l)
	return l, nil
}

// ListenTCP binds a local TCP listener.
func (s *Server) ListenTCP(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	s.trackListener(l)
	return l, nil
}

func (s *Server) trackListener(l net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Serve accepts connections until the listener closes, one session per
// connection.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.logger.Info("accepting sessions", "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				conn.Close()
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			if err := s.ServeSession(ctx, conn, conn); err != nil {
				s.logger.Debug("session ended with error", "error", err)
			}
		}()
	}
}

// ServeSession runs one session over any line-oriented transport: requests
// in from r, responses out to w, until EOF or error.
func (s *Server) ServeSession(ctx context.Context, r io.Reader, w io.Writer) error {
	sess := s.openSession(ctx)
	defer s.closeSession(ctx, sess)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		resp := s.route(ctx, sess, line)
		if resp == nil {
			continue
		}
		raw, err := jsonrpc.Encode(resp)
		if err != nil {
			sess.logger.Error("failed to encode response", "error", err)
			continue
		}
		if _, err := w.Write(raw); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

func (s *Server) openSession(ctx context.Context) *session {
	sess := &session{id: uuid.NewString(), openedAt: time.Now()}
	sess.logger = s.logger.With("session", sess.id)

	s.registry.add(sess.id, sess.openedAt)
	s.metrics.SessionsActive.Add(ctx, 1)

	sess.logger.Info("session opened")
	return sess
}

func (s *Server) closeSession(ctx context.Context, sess *session) {
	s.registry.remove(sess.id)
	s.metrics.SessionsActive.Add(ctx, -1)
	sess.logger.Info("session closed")
}

// route applies the envelope rules: parse errors get a null-id -32700,
// invalid requests get -32600 only when they carry an id, and notifications
// are absorbed without a response.
func (s *Server) route(ctx context.Context, sess *session, line []byte) *jsonrpc.Response {
	var req jsonrpc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		if !json.Valid(line) {
			return jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error", nil)
		}
		// Valid JSON that is not a request object carries no id to echo.
		sess.logger.Debug("non-request JSON ignored")
		return nil
	}

	if req.JSONRPC != jsonrpc.Version || req.Method == "" {
		if req.IsNotification() {
			return nil
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "Invalid Request", nil)
	}

	if req.IsNotification() {
		sess.logger.Debug("notification absorbed", "method", req.Method)
		return nil
	}

	return s.dispatch(ctx, sess, &req)
}

func (s *Server) dispatch(ctx context.Context, sess *session, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(sess, req)
	case "authenticate":
		return s.handleAuthenticate(sess, req)
	case "tools/list":
		return s.handleToolsList(ctx, sess, req)
	case "tools/call":
		return s.handleToolsCall(ctx, sess, req)
	default:
		sess.logger.Debug("unknown method", "method", req.Method)
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "Method not found", nil)
	}
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverIdentity `json:"serverInfo"`
}

type serverIdentity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// handleInitialize always succeeds; authentication is a separate session
// message.
func (s *Server) handleInitialize(sess *session, req *jsonrpc.Request) *jsonrpc.Response {
	result := initializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      serverIdentity{Name: ServerName, Version: Version},
	}
	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		return s.internalError(sess, req.ID, err)
	}
	return resp
}

func (s *Server) handleAuthenticate(sess *session, req *jsonrpc.Request) *jsonrpc.Response {
	var params struct {
		Token string `json:"token"`
		JWT   string `json:"jwt"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params", nil)
		}
	}
	token := params.Token
	if token == "" {
		token = params.JWT
	}
	if token == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params: token required", nil)
	}

	if s.verifier == nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Authentication not configured",
			map[string]string{"reason": "authentication_unavailable"})
	}

	clientCtx, err := s.verifier.Verify(token)
	if err != nil {
		sess.logger.Warn("authentication failed")
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid token",
			map[string]string{"reason": "invalid_token"})
	}

	sess.client = clientCtx
	s.registry.markAuthenticated(sess.id, clientCtx.Subject)
	sess.logger.Info("session authenticated",
		"subject", clientCtx.Subject, "tags", len(clientCtx.AllowedTags))

	resp, err := jsonrpc.NewResult(req.ID, map[string]any{
		"ok":      true,
		"subject": clientCtx.Subject,
	})
	if err != nil {
		return s.internalError(sess, req.ID, err)
	}
	return resp
}

func (s *Server) handleToolsList(ctx context.Context, sess *session, req *jsonrpc.Request) *jsonrpc.Response {
	if resp := s.gateAuth(sess, req); resp != nil {
		return resp
	}

	catalog := s.aggregator.Aggregate(ctx)
	visible := make([]mcp.Tool, 0, len(catalog))
	for _, tool := range catalog {
		if sess.client != nil && !sess.client.HasAccessToTags(tool.ServerTags) {
			continue
		}
		visible = append(visible, tool.MCPTool())
	}

	resp, err := jsonrpc.NewResult(req.ID, mcp.ListToolsResult{Tools: visible})
	if err != nil {
		return s.internalError(sess, req.ID, err)
	}
	return resp
}

func (s *Server) handleToolsCall(ctx context.Context, sess *session, req *jsonrpc.Request) *jsonrpc.Response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(req.Params) == 0 {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params: name required", nil)
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params", nil)
	}
	if !toolNamePattern.MatchString(params.Name) {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid tool name", nil)
	}
	if resp := validateArguments(req.ID, params.Arguments); resp != nil {
		return resp
	}

	if resp := s.gateAuth(sess, req); resp != nil {
		return resp
	}
	if sess.client != nil {
		tags, ok := s.aggregator.ServerTagsFor(ctx, params.Name)
		if !ok || !sess.client.HasAccessToTags(tags) {
			sess.logger.Warn("tool call denied",
				"tool", params.Name, "subject", sess.client.Subject)
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Access denied",
				map[string]string{"reason": "access_denied", "tool": params.Name})
		}
	}

	serverName := ""
	if tool, ok := s.aggregator.Lookup(ctx, params.Name); ok {
		serverName = tool.ServerName
	}

	start := time.Now()
	raw, err := s.aggregator.CallTool(ctx, params.Name, params.Arguments)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		if errors.Is(err, ErrToolNotFound) {
			s.metrics.RecordToolCall(ctx, serverName, params.Name, "not_found", elapsed)
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Tool not found",
				map[string]string{"reason": "tool_not_found", "tool": params.Name})
		}
		s.metrics.RecordToolCall(ctx, serverName, params.Name, "error", elapsed)
		sess.logger.Error("tool call failed", "tool", params.Name, "error", err)
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Tool execution failed",
			map[string]string{"reason": "tool_execution_failed", "tool": params.Name})
	}

	s.metrics.RecordToolCall(ctx, serverName, params.Name, "ok", elapsed)
	resp, err := jsonrpc.NewResult(req.ID, mcp.NewToolResultText(renderResultText(raw)))
	if err != nil {
		return s.internalError(sess, req.ID, err)
	}
	return resp
}

// gateAuth enforces the require-auth switch and logs the development-mode
// bypass once per session.
func (s *Server) gateAuth(sess *session, req *jsonrpc.Request) *jsonrpc.Response {
	if sess.client != nil {
		return nil
	}
	if s.requireAuth {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Authentication required",
			map[string]string{"reason": "authentication_required"})
	}
	if !sess.devWarned {
		sess.devWarned = true
		sess.logger.Warn("unauthenticated session in development mode, all tools visible")
	}
	return nil
}

// validateArguments rejects non-object arguments and objects with more than
// maxArgumentKeys top-level keys.
func validateArguments(id any, arguments json.RawMessage) *jsonrpc.Response {
	if len(arguments) == 0 || bytes.Equal(bytes.TrimSpace(arguments), []byte("null")) {
		return nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(arguments, &keys); err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "Invalid params: arguments must be an object", nil)
	}
	if len(keys) > maxArgumentKeys {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams,
			fmt.Sprintf("Invalid params: arguments exceed %d keys", maxArgumentKeys), nil)
	}
	return nil
}

// renderResultText reduces a downstream result to the text served to the
// session: MCP text content passes through, bare strings pass through,
// anything else is re-encoded as indented JSON.
func renderResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var shaped struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &shaped); err == nil && len(shaped.Content) > 0 {
		var parts []string
		for _, item := range shaped.Content {
			if item.Type == "text" {
				parts = append(parts, item.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err == nil {
		return buf.String()
	}
	return string(raw)
}

func (s *Server) internalError(sess *session, id any, err error) *jsonrpc.Response {
	sess.logger.Error("internal error", "error", err)
	return jsonrpc.NewError(id, jsonrpc.CodeInternalError, "Internal error", nil)
}

// Close stops accepting, severs every live connection, and waits for
// session goroutines to drain.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("server closed")
}
