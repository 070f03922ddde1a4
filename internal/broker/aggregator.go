package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpbroker/mcpbroker/internal/downstream"
	"github.com/mcpbroker/mcpbroker/internal/observe"
)

// toolCacheTTL bounds how long an aggregated catalog is served without
// re-querying the pool.
const toolCacheTTL = 5 * time.Minute

// ErrToolNotFound reports a call for an exposed name absent from the catalog.
var ErrToolNotFound = errors.New("tool not found")

// Tool is the aggregator's view of one exposed tool. ExposedName is what
// external clients see; OriginalName is what the downstream expects, so
// routing never re-parses the prefix.
type Tool struct {
	ExposedName  string
	OriginalName string
	Description  string
	InputSchema  mcp.ToolInputSchema
	ServerName   string
	ServerTags   []string
}

// MCPTool returns the wire representation served to external clients.
func (t Tool) MCPTool() mcp.Tool {
	return mcp.Tool{
		Name:        t.ExposedName,
		Description: t.Description,
		InputSchema: t.InputSchema,
	}
}

// toolSource is the slice of the downstream pool the aggregator consumes.
type toolSource interface {
	ListAllTools(ctx context.Context) map[string][]downstream.RawTool
	CallTool(ctx context.Context, serverName, toolName string, arguments []byte) ([]byte, error)
	ServerTags(name string) ([]string, bool)
}

// catalog is one coherent aggregation snapshot.
type catalog struct {
	tools    []Tool
	byName   map[string]Tool
	cachedAt time.Time
}

// Aggregator builds the external tool catalog from the pool's raw tool
// lists: global name-conflict resolution, schema simplification, and a
// TTL-memoized snapshot.
type Aggregator struct {
	source  toolSource
	metrics *observe.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache *catalog
	// gen counts invalidations so a rebuild that raced one is never
	// installed over it.
	gen uint64
}

// NewAggregator creates an aggregator over the given pool.
func NewAggregator(source toolSource, metrics *observe.Metrics, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		source:  source,
		metrics: metrics,
		logger:  logger.With("component", "aggregator"),
		now:     time.Now,
	}
}

// Aggregate returns the current catalog snapshot, serving from cache while
// it is within TTL. Callers must treat the returned slice as read-only; a
// cache hit hands every caller the same snapshot.
func (a *Aggregator) Aggregate(ctx context.Context) []Tool {
	return a.snapshot(ctx).tools
}

// snapshot serves the cached catalog while it is fresh and rebuilds
// otherwise. A rebuild that raced an Invalidate is handed to its caller but
// not cached: the pool changed mid-build, so the next call must re-query.
func (a *Aggregator) snapshot(ctx context.Context) *catalog {
	a.mu.Lock()
	if a.cache != nil && a.now().Sub(a.cache.cachedAt) < toolCacheTTL {
		snap := a.cache
		a.mu.Unlock()
		a.metrics.RecordCacheLookup(ctx, "hit")
		return snap
	}
	gen := a.gen
	a.mu.Unlock()
	a.metrics.RecordCacheLookup(ctx, "miss")

	snap := a.build(ctx)

	a.mu.Lock()
	if a.gen == gen {
		a.cache = snap
	}
	a.mu.Unlock()

	return snap
}

// Invalidate drops the cached catalog; the next Aggregate re-queries the
// pool. Wired to pool membership changes.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	a.cache = nil
	a.gen++
	a.mu.Unlock()
	a.logger.Debug("tool catalog invalidated")
}

// CallTool routes an invocation by exposed name to the owning downstream.
func (a *Aggregator) CallTool(ctx context.Context, exposedName string, arguments json.RawMessage) ([]byte, error) {
	tool, ok := a.Lookup(ctx, exposedName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, exposedName)
	}
	return a.source.CallTool(ctx, tool.ServerName, tool.OriginalName, arguments)
}

// ServerTagsFor resolves the owning server's tags for an exposed name, with
// ok false when the tool is unknown. Access decisions treat unknown as deny.
func (a *Aggregator) ServerTagsFor(ctx context.Context, exposedName string) ([]string, bool) {
	tool, ok := a.Lookup(ctx, exposedName)
	if !ok {
		return nil, false
	}
	return tool.ServerTags, true
}

// Lookup resolves one catalog entry by exposed name, refreshing the
// snapshot if the TTL lapsed.
func (a *Aggregator) Lookup(ctx context.Context, exposedName string) (Tool, bool) {
	tool, ok := a.snapshot(ctx).byName[exposedName]
	return tool, ok
}

// build assembles a fresh snapshot: flatten, resolve conflicts globally,
// then index by the now-unique exposed names.
func (a *Aggregator) build(ctx context.Context) *catalog {
	raw := a.source.ListAllTools(ctx)

	var flat []Tool
	for serverName, rawTools := range raw {
		tags, _ := a.source.ServerTags(serverName)
		for _, rt := range rawTools {
			if rt.Name == "" {
				a.logger.Warn("downstream announced a nameless tool, skipping", "server", serverName)
				continue
			}
			flat = append(flat, Tool{
				ExposedName:  rt.Name,
				OriginalName: rt.Name,
				Description:  rt.Description,
				InputSchema:  a.simplifySchema(ctx, serverName, rt.Name, rt.Schema()),
				ServerName:   serverName,
				ServerTags:   tags,
			})
		}
	}

	counts := make(map[string]int, len(flat))
	for _, t := range flat {
		counts[t.OriginalName]++
	}
	for i := range flat {
		if counts[flat[i].OriginalName] > 1 {
			flat[i].ExposedName = flat[i].ServerName + "." + flat[i].OriginalName
		}
	}

	sort.Slice(flat, func(i, j int) bool { return flat[i].ExposedName < flat[j].ExposedName })

	snapshot := &catalog{
		tools:    make([]Tool, 0, len(flat)),
		byName:   make(map[string]Tool, len(flat)),
		cachedAt: a.now(),
	}
	for _, t := range flat {
		if prev, dup := snapshot.byName[t.ExposedName]; dup {
			// Reached when one server lists a name twice, and when a literal
			// tool name collides with a prefixed rename; the first entry wins.
			a.logger.Warn("duplicate exposed tool name, keeping first",
				"tool", t.ExposedName, "kept", prev.ServerName, "dropped", t.ServerName)
			continue
		}
		snapshot.byName[t.ExposedName] = t
		snapshot.tools = append(snapshot.tools, t)
	}

	a.logger.Debug("tool catalog rebuilt",
		"servers", len(raw), "tools", len(snapshot.tools))
	return snapshot
}

// simplifySchema reduces a downstream's JSON Schema to the compact subset
// exported to clients. Anything unparseable degrades to an empty object
// schema rather than failing aggregation.
func (a *Aggregator) simplifySchema(ctx context.Context, serverName, toolName string, raw json.RawMessage) mcp.ToolInputSchema {
	out := mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]any{},
		Required:   []string{},
	}
	if len(raw) == 0 {
		return out
	}

	var schema struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		a.logger.Warn("unparseable tool schema, exporting empty object schema",
			"server", serverName, "tool", toolName, "error", err)
		a.metrics.RecordSchemaFallback(ctx, serverName, toolName)
		return out
	}

	if schema.Type != "" {
		out.Type = schema.Type
	}
	if schema.Required != nil {
		out.Required = schema.Required
	}
	for name, rawProp := range schema.Properties {
		out.Properties[name] = a.simplifyProperty(ctx, serverName, toolName, rawProp)
	}
	return out
}

// simplifyProperty maps one property to {"type": t} plus description. An
// anyOf with exactly one non-null branch collapses to that branch's type;
// anything else falls back to string and is counted.
func (a *Aggregator) simplifyProperty(ctx context.Context, serverName, toolName string, raw json.RawMessage) map[string]any {
	var prop struct {
		Type        any    `json:"type"`
		Description string `json:"description"`
		AnyOf       []struct {
			Type string `json:"type"`
		} `json:"anyOf"`
	}
	parseable := json.Unmarshal(raw, &prop) == nil

	typeName := ""
	if parseable {
		if s, ok := prop.Type.(string); ok {
			typeName = s
		}
		if typeName == "" && len(prop.AnyOf) > 0 {
			var nonNull []string
			for _, branch := range prop.AnyOf {
				if branch.Type != "" && branch.Type != "null" {
					nonNull = append(nonNull, branch.Type)
				}
			}
			if len(nonNull) == 1 {
				typeName = nonNull[0]
			}
		}
	}
	if typeName == "" {
		typeName = "string"
		a.metrics.RecordSchemaFallback(ctx, serverName, toolName)
	}

	simplified := map[string]any{"type": typeName}
	if parseable && prop.Description != "" {
		simplified["description"] = prop.Description
	}
	return simplified
}
