package downstream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpbroker/mcpbroker/internal/config"
	"github.com/mcpbroker/mcpbroker/internal/observe"
)

// Startup policy: each configured server gets startAttempts tries, with the
// listed delay after each failure.
const startAttempts = 3

var startBackoff = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

// Crash reconnect policy: first retry quickly, then exponential from
// reconnectBaseDelay, capped, giving up after maxReconnectAttempts.
const (
	maxReconnectAttempts = 5
	firstReconnectDelay  = 5 * time.Second
	reconnectBaseDelay   = 30 * time.Second
	maxReconnectDelay    = 8 * time.Minute
)

// Fan-out policy for pool-wide tool listing.
const (
	listAllToolsTimeout   = 15 * time.Second
	maxConcurrentListings = 10
)

// ClientInfo is the displayable summary of one pool member. Env values are
// redacted; only the variable names are shown.
type ClientInfo struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
	Type    string            `json:"type"`
	Tags    []string          `json:"tags"`
	State   State             `json:"state"`
}

// Manager supervises the pool of downstream clients: startup with retries,
// crash reconnection with backoff, config-driven membership changes, and
// pool-wide operations.
type Manager struct {
	logger  *slog.Logger
	metrics *observe.Metrics

	// onPoolChange fires after any membership or liveness change so callers
	// can drop derived state such as the aggregated tool cache.
	onPoolChange func()

	mu         sync.Mutex
	clients    map[string]*Client
	configs    map[string]*config.ServerConfig
	reconnects map[string]*time.Timer
	closed     bool

	wg sync.WaitGroup
}

var _ config.Observer = &Manager{}

// NewManager creates an empty pool. onPoolChange may be nil.
func NewManager(metrics *observe.Metrics, onPoolChange func(), logger *slog.Logger) *Manager {
	return &Manager{
		logger:       logger.With("component", "manager"),
		metrics:      metrics,
		onPoolChange: onPoolChange,
		clients:      map[string]*Client{},
		configs:      map[string]*config.ServerConfig{},
		reconnects:   map[string]*time.Timer{},
	}
}

// Start launches every configured server in the background and returns
// immediately. Individual failures are retried per the startup policy and
// never abort the rest of the pool; an empty pool is a valid outcome.
func (m *Manager) Start(ctx context.Context, cfg *config.Config) {
	m.mu.Lock()
	for name, server := range cfg.Servers {
		m.configs[name] = server
	}
	m.mu.Unlock()

	for _, server := range cfg.Servers {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.startServer(ctx, server)
		}()
	}
}

// startServer runs the startup attempt sequence for one server.
func (m *Manager) startServer(ctx context.Context, server *config.ServerConfig) {
	for attempt := 1; attempt <= startAttempts; attempt++ {
		if ctx.Err() != nil || m.isClosed() {
			return
		}
		err := m.launch(ctx, server)
		if err == nil {
			return
		}
		m.logger.Error("failed to start downstream",
			"server", server.Name, "attempt", attempt, "error", err)
		if attempt < startAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(startBackoff[attempt-1]):
			}
		}
	}
	m.logger.Error("giving up on downstream after startup attempts",
		"server", server.Name, "attempts", startAttempts)
}

// launch spawns and registers one client. Registration happens only after a
// successful handshake, so exits during startup stay inside the attempt loop
// instead of triggering the crash-reconnect path.
func (m *Manager) launch(ctx context.Context, server *config.ServerConfig) error {
	var c *Client
	c = NewClient(server, func(event ExitEvent) { m.handleExit(c, event) }, m.logger)

	if err := c.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = c.Close()
		return nil
	}
	previous := m.clients[server.Name]
	m.clients[server.Name] = c
	m.mu.Unlock()

	if previous != nil {
		// The replaced client's own exit event fails the identity check in
		// handleExit, so its gauge slot is released here.
		_ = previous.Close()
		m.metrics.DownstreamsActive.Add(ctx, -1)
	}

	m.metrics.DownstreamsActive.Add(ctx, 1)
	m.notifyPoolChange()

	// The exit watcher may have fired before registration and been dropped
	// as unknown; deliver the death now.
	if c.State() == StateDead {
		m.handleExit(c, c.LastExit())
	}
	return nil
}

// handleExit reacts to a registered client dying. Stale events from clients
// that were already replaced are ignored.
func (m *Manager) handleExit(c *Client, event ExitEvent) {
	m.mu.Lock()
	if m.closed || m.clients[event.Server] != c {
		m.mu.Unlock()
		return
	}
	delete(m.clients, event.Server)
	m.mu.Unlock()

	m.metrics.DownstreamsActive.Add(context.Background(), -1)
	m.notifyPoolChange()

	if event.Graceful {
		m.logger.Info("downstream closed", "server", event.Server)
		return
	}
	m.scheduleReconnect(event.Server, 1)
}

// scheduleReconnect arms the retry timer for one crashed server. At most one
// timer per server is pending at a time.
func (m *Manager) scheduleReconnect(name string, attempt int) {
	if attempt > maxReconnectAttempts {
		m.logger.Error("giving up reconnecting downstream",
			"server", name, "attempts", maxReconnectAttempts)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.configs[name] == nil {
		return
	}
	if _, pending := m.reconnects[name]; pending {
		return
	}

	delay := reconnectDelay(attempt)
	m.logger.Info("scheduling downstream reconnect",
		"server", name, "attempt", attempt, "delay", delay)
	m.wg.Add(1)
	m.reconnects[name] = time.AfterFunc(delay, func() {
		defer m.wg.Done()
		m.reconnect(name, attempt)
	})
}

// reconnectDelay returns the wait before the given 1-based reconnect attempt.
func reconnectDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return firstReconnectDelay
	}
	delay := reconnectBaseDelay << (attempt - 2)
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

// reconnect runs one crash-recovery attempt when its timer fires.
func (m *Manager) reconnect(name string, attempt int) {
	m.mu.Lock()
	delete(m.reconnects, name)
	server := m.configs[name]
	current := m.clients[name]
	closed := m.closed
	m.mu.Unlock()

	if closed || server == nil {
		return
	}
	if current != nil && current.State() == StateReady {
		m.logger.Info("downstream already reconnected, ignoring", "server", name)
		return
	}

	err := m.launch(context.Background(), server)
	if err != nil {
		m.metrics.RecordReconnect(context.Background(), name, "failure")
		m.logger.Error("reconnect attempt failed",
			"server", name, "attempt", attempt, "error", err)
		m.scheduleReconnect(name, attempt+1)
		return
	}
	m.metrics.RecordReconnect(context.Background(), name, "success")
	m.logger.Info("downstream reconnected", "server", name, "attempt", attempt)
}

// ListAllTools fans out tools/list across the pool with bounded concurrency
// and a hard ceiling. Dead or failing members contribute an empty list; the
// broker degrades instead of failing the whole listing.
func (m *Manager) ListAllTools(ctx context.Context) map[string][]RawTool {
	ctx, cancel := context.WithTimeout(ctx, listAllToolsTimeout)
	defer cancel()

	m.mu.Lock()
	snapshot := make(map[string]*Client, len(m.clients))
	for name, c := range m.clients {
		snapshot[name] = c
	}
	m.mu.Unlock()

	var (
		resultMu sync.Mutex
		results  = make(map[string][]RawTool, len(snapshot))
	)

	var g errgroup.Group
	g.SetLimit(maxConcurrentListings)
	for name, c := range snapshot {
		if c.State() != StateReady {
			resultMu.Lock()
			results[name] = []RawTool{}
			resultMu.Unlock()
			continue
		}
		g.Go(func() error {
			tools, err := c.ListTools(ctx)
			if err != nil {
				m.logger.Warn("tool listing failed, substituting empty list",
					"server", name, "error", err)
				tools = []RawTool{}
			}
			resultMu.Lock()
			results[name] = tools
			resultMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// CallTool routes one tool invocation to the named server.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, arguments []byte) ([]byte, error) {
	m.mu.Lock()
	c := m.clients[serverName]
	m.mu.Unlock()

	if c == nil || c.State() != StateReady {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, serverName)
	}
	return c.CallTool(ctx, toolName, arguments)
}

// Client returns the pool member with the given name, or nil.
func (m *Manager) Client(name string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[name]
}

// ServerTags returns the configured tags for a server, with ok reporting
// whether the server is configured at all.
func (m *Manager) ServerTags(name string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	server := m.configs[name]
	if server == nil {
		return nil, false
	}
	return server.Tags, true
}

// Info returns a displayable snapshot of every configured server, dead ones
// included, with env values redacted.
func (m *Manager) Info() map[string]ClientInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := make(map[string]ClientInfo, len(m.configs))
	for name, server := range m.configs {
		entry := ClientInfo{
			Command: server.Command,
			Args:    server.Args,
			Type:    server.Type,
			Tags:    server.Tags,
			State:   StateDead,
		}
		if len(server.Env) > 0 {
			entry.Env = make(map[string]string, len(server.Env))
			for envName := range server.Env {
				entry.Env[envName] = "[redacted]"
			}
		}
		if c := m.clients[name]; c != nil {
			entry.State = c.State()
		}
		info[name] = entry
	}
	return info
}

// Names returns the configured server names in sorted order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnConfigChange diffs the new config against the pool: removed servers are
// closed, added ones started, changed ones restarted with the new
// definition. Implements config.Observer.
func (m *Manager) OnConfigChange(ctx context.Context, cfg *config.Config) {
	type action struct {
		server *config.ServerConfig
		old    *Client
	}
	var starts []action
	var stops []*Client

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for name := range m.configs {
		if cfg.Servers[name] == nil {
			m.logger.Info("server removed from config", "server", name)
			if timer := m.reconnects[name]; timer != nil {
				if timer.Stop() {
					m.wg.Done()
				}
				delete(m.reconnects, name)
			}
			if c := m.clients[name]; c != nil {
				stops = append(stops, c)
				delete(m.clients, name)
			}
			delete(m.configs, name)
		}
	}
	for name, server := range cfg.Servers {
		existing := m.configs[name]
		if existing == nil {
			m.logger.Info("server added to config", "server", name)
			m.configs[name] = server
			starts = append(starts, action{server: server})
			continue
		}
		if server.Changed(existing) {
			m.logger.Info("server definition changed, restarting", "server", name)
			m.configs[name] = server
			old := m.clients[name]
			delete(m.clients, name)
			starts = append(starts, action{server: server, old: old})
		}
	}
	m.mu.Unlock()

	for _, c := range stops {
		_ = c.Close()
		m.metrics.DownstreamsActive.Add(ctx, -1)
	}
	for _, a := range starts {
		if a.old != nil {
			_ = a.old.Close()
			m.metrics.DownstreamsActive.Add(ctx, -1)
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.startServer(ctx, a.server)
		}()
	}

	m.notifyPoolChange()
}

// Close shuts every client down and stops all pending reconnects.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for name, timer := range m.reconnects {
		if timer.Stop() {
			m.wg.Done()
		}
		delete(m.reconnects, name)
	}
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Close()
		}()
	}
	wg.Wait()
	m.wg.Wait()
	m.logger.Info("downstream pool closed", "clients", len(clients))
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) notifyPoolChange() {
	if m.onPoolChange != nil {
		m.onPoolChange()
	}
}
