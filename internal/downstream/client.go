// Package downstream owns the broker's connections to downstream MCP
// servers: one supervised child process per configured server, spoken to
// over newline-delimited JSON-RPC on the child's stdio.
package downstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mcpbroker/mcpbroker/internal/config"
	"github.com/mcpbroker/mcpbroker/internal/jsonrpc"
)

// ProtocolVersion pins the MCP revision spoken to downstream servers.
const ProtocolVersion = "2024-11-05"

const (
	clientName    = "McpBroker"
	clientVersion = "0.1.0"

	methodInitialize        = "initialize"
	methodToolsList         = "tools/list"
	methodToolsCall         = "tools/call"
	notificationInitialized = "notifications/initialized"
)

// Per-operation deadlines.
const (
	initializeTimeout = 10 * time.Second
	listToolsTimeout  = 10 * time.Second
	callToolTimeout   = 30 * time.Second
)

// closeGrace is how long Close waits for the child to exit after stdin EOF
// before killing it.
const closeGrace = 5 * time.Second

// maxLineBytes bounds a single line of child output. Tool lists with large
// embedded schemas fit comfortably; anything bigger is a protocol violation.
const maxLineBytes = 10 * 1024 * 1024

// Client error kinds. Callers classify with errors.Is.
var (
	// ErrPortClosed reports that the child process is gone; pending and new
	// requests fail with it.
	ErrPortClosed = errors.New("port closed")
	// ErrTimeout reports an RPC that exceeded its deadline. The child is not
	// killed for slowness, only the waiter is released.
	ErrTimeout = errors.New("request timed out")
	// ErrNotReady reports an operation on a client still handshaking.
	ErrNotReady = errors.New("client not ready")
	// ErrInitializationFailed reports a failed or timed-out MCP handshake.
	ErrInitializationFailed = errors.New("initialization failed")
	// ErrClientNotFound reports a routing target that is absent or dead.
	ErrClientNotFound = errors.New("client not found")
)

// State is a downstream client's lifecycle phase.
type State string

// Lifecycle phases, in order.
const (
	StateStarting     State = "starting"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateClosing      State = "closing"
	StateDead         State = "dead"
)

// RawTool is one tool exactly as the downstream announced it; the schema is
// kept as raw JSON for the aggregator to reduce.
type RawTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	// Some servers emit snake_case; both spellings are accepted.
	InputSchemaSnake json.RawMessage `json:"input_schema,omitempty"`
}

// Schema returns whichever schema spelling the downstream used, or nil.
func (t *RawTool) Schema() json.RawMessage {
	if len(t.InputSchema) > 0 {
		return t.InputSchema
	}
	return t.InputSchemaSnake
}

// ServerInfo is the identity a downstream reported during the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ExitEvent describes a child process exit.
type ExitEvent struct {
	Server string
	// Err is the wait error; nil for exit status 0.
	Err error
	// Graceful is true for Close-initiated teardown and clean exits;
	// graceful exits are not reconnected.
	Graceful bool
}

// ExitFunc is called exactly once when the child process exits.
type ExitFunc func(event ExitEvent)

type callResult struct {
	result json.RawMessage
	err    error
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ServerInfo     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type listToolsResult struct {
	Tools []RawTool `json:"tools"`
}

// Client owns one downstream child process and multiplexes JSON-RPC requests
// over its stdio. The manager exclusively owns each Client; the Client
// exclusively owns its child.
type Client struct {
	config *config.ServerConfig
	onExit ExitFunc
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	// writeMu serializes writes to the child's stdin so concurrent requests
	// never interleave bytes.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	nextID     int64
	pending    map[int64]chan callResult
	tools      []RawTool
	toolsValid bool
	serverInfo *ServerInfo
	exitEvent  ExitEvent

	exited chan struct{}
}

// NewClient creates a client for the given validated server definition. The
// child is not spawned until Start.
func NewClient(cfg *config.ServerConfig, onExit ExitFunc, logger *slog.Logger) *Client {
	return &Client{
		config:  cfg,
		onExit:  onExit,
		logger:  logger.With("component", "downstream", "server", cfg.Name),
		state:   StateStarting,
		pending: map[int64]chan callResult{},
		exited:  make(chan struct{}),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.config.Name
}

// Config returns the server definition this client was built from.
func (c *Client) Config() *config.ServerConfig {
	return c.config
}

// State returns the client's current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ServerInfo returns the identity received during the handshake, or nil
// before the handshake completed.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Start spawns the child process and completes the MCP handshake. On return
// the client is ready, or dead with the child terminated.
func (c *Client) Start(ctx context.Context) error {
	if err := c.spawn(); err != nil {
		c.setState(StateDead)
		return err
	}
	c.setState(StateInitializing)

	if err := c.initialize(ctx); err != nil {
		c.logger.Error("handshake failed, terminating child", "error", err)
		c.kill()
		<-c.exited
		return fmt.Errorf("%w: %w", ErrInitializationFailed, err)
	}

	c.mu.Lock()
	if c.state == StateInitializing {
		c.state = StateReady
	}
	alive := c.state == StateReady
	c.mu.Unlock()
	if !alive {
		return fmt.Errorf("%w: child exited during handshake", ErrInitializationFailed)
	}

	c.logger.Info("downstream ready", "command", c.config.Command)

	// Speculative tool fetch so the first list_tools is usually served from
	// cache. Failures only lose the head start.
	go func() {
		if _, err := c.ListTools(context.Background()); err != nil {
			c.logger.Debug("speculative tools/list failed", "error", err)
		}
	}()

	return nil
}

// spawn launches the child with stdout and stderr merged onto one pipe.
func (c *Client) spawn() error {
	cmd := exec.Command(c.config.Command, c.config.Args...)
	env := os.Environ()
	for name, value := range c.config.Env {
		env = append(env, name+"="+value)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("spawn %q: %w", c.config.Command, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	c.cmd = cmd
	c.stdin = stdin

	go c.readLoop(pr)
	go c.waitLoop()

	return nil
}

// initialize runs the MCP handshake: initialize, then the initialized
// notification.
func (c *Client) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		ClientInfo: ServerInfo{Name: clientName, Version: clientVersion},
	}

	raw, err := c.call(ctx, methodInitialize, params, initializeTimeout)
	if err != nil {
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = &result.ServerInfo
	c.mu.Unlock()
	c.logger.Debug("handshake complete",
		"serverName", result.ServerInfo.Name,
		"serverVersion", result.ServerInfo.Version,
		"protocolVersion", result.ProtocolVersion)

	return c.notify(notificationInitialized, nil)
}

// ListTools returns the downstream's tools, served from cache when present.
func (c *Client) ListTools(ctx context.Context) ([]RawTool, error) {
	c.mu.Lock()
	if c.toolsValid {
		tools := make([]RawTool, len(c.tools))
		copy(tools, c.tools)
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	raw, err := c.call(ctx, methodToolsList, nil, listToolsTimeout)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.toolsValid = true
	c.mu.Unlock()

	return result.Tools, nil
}

// CallTool invokes the named tool with the given arguments, passed through
// without transformation.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	result, err := c.call(ctx, methodToolsCall, callToolParams{Name: name, Arguments: arguments}, callToolTimeout)
	if err != nil {
		return nil, fmt.Errorf("call tool %q: %w", name, err)
	}
	return result, nil
}

// call issues one JSON-RPC request and waits for its response, the deadline,
// or child death, whichever comes first.
func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.Lock()
	switch c.state {
	case StateClosing, StateDead:
		c.mu.Unlock()
		return nil, ErrPortClosed
	case StateStarting:
		c.mu.Unlock()
		return nil, ErrNotReady
	case StateInitializing:
		if method != methodInitialize {
			c.mu.Unlock()
			return nil, ErrNotReady
		}
	}
	c.nextID++
	id := c.nextID
	waiter := make(chan callResult, 1)
	c.pending[id] = waiter
	c.mu.Unlock()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		c.removePending(id)
		return nil, err
	}
	if err := c.write(req); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("%w: %v", ErrPortClosed, err)
	}

	select {
	case <-ctx.Done():
		c.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
		}
		return nil, ctx.Err()
	case res := <-waiter:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}
}

// notify sends a notification; no response is expected.
func (c *Client) notify(method string, params any) error {
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(note)
}

func (c *Client) write(v any) error {
	raw, err := jsonrpc.Encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(raw)
	return err
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop consumes the merged stdout/stderr stream line by line. Lines not
// starting with '{' are child logging, reported at debug and dropped.
// Partial trailing data is handled by the scanner's internal buffering.
func (c *Client) readLoop(r io.ReadCloser) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") {
			c.logger.Debug("downstream output", "line", line)
			continue
		}
		c.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("downstream read ended", "error", err)
	}
}

// dispatch routes one JSON line: responses resolve their pending waiter,
// notifications from the child are ignored, anything else is dropped.
func (c *Client) dispatch(line string) {
	var envelope struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *jsonrpc.Error  `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &envelope); err != nil {
		c.logger.Warn("malformed JSON from downstream, dropping", "error", err)
		return
	}

	if envelope.Method != "" {
		// Requests and notifications initiated by the child are not part of
		// the brokered surface.
		c.logger.Debug("ignoring downstream message", "method", envelope.Method)
		return
	}

	id, ok := envelope.ID.(float64)
	if !ok {
		c.logger.Warn("response with non-numeric id, dropping", "id", envelope.ID)
		return
	}

	c.mu.Lock()
	waiter, ok := c.pending[int64(id)]
	delete(c.pending, int64(id))
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response with unknown id, dropping", "id", int64(id))
		return
	}

	if envelope.Error != nil {
		waiter <- callResult{err: envelope.Error}
		return
	}
	waiter <- callResult{result: envelope.Result}
}

// waitLoop reaps the child and resolves every pending request with
// ErrPortClosed. Child death is a normal branch, not an exceptional path.
func (c *Client) waitLoop() {
	err := c.cmd.Wait()

	c.mu.Lock()
	graceful := err == nil || c.state == StateClosing
	c.state = StateDead
	waiters := c.pending
	c.pending = map[int64]chan callResult{}
	event := ExitEvent{Server: c.config.Name, Err: err, Graceful: graceful}
	c.exitEvent = event
	c.mu.Unlock()

	for _, waiter := range waiters {
		waiter <- callResult{err: ErrPortClosed}
	}
	close(c.exited)

	if graceful {
		c.logger.Info("downstream exited", "graceful", true)
	} else {
		c.logger.Error("downstream exited", "graceful", false, "error", err)
	}

	if c.onExit != nil {
		c.onExit(event)
	}
}

// LastExit returns the exit event after the client reached StateDead.
func (c *Client) LastExit() ExitEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitEvent
}

// Close tears the client down: stdin EOF first, then a kill after the grace
// period. Safe to call on an already-dead client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateDead || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	if c.stdin != nil {
		_ = c.stdin.Close()
	}

	select {
	case <-c.exited:
	case <-time.After(closeGrace):
		c.logger.Warn("downstream did not exit after stdin close, killing")
		c.kill()
		<-c.exited
	}
	return nil
}

func (c *Client) kill() {
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}
