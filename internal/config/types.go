// Package config loads, validates, and watches the broker configuration.
package config

import (
	"context"
	"maps"
	"slices"
)

// ServerTypeStdio is the only downstream transport currently supported.
const ServerTypeStdio = "stdio"

// ServerConfig describes one downstream MCP server. Instances are immutable
// once loaded; reconfiguration replaces the whole Config.
type ServerConfig struct {
	// Name is the unique server name, taken from the mcpServers map key.
	Name string `json:"-"`
	// Command is the executable, restricted to the interpreter allowlist or
	// an absolute path under an allowlisted prefix.
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Type    string            `json:"type"`
	// Tags label the server for access control. A session may use the
	// server's tools iff it shares at least one tag (or holds the wildcard).
	Tags []string `json:"tags"`
}

// Changed reports whether the definition differs in a way that requires the
// downstream process to be restarted.
func (s *ServerConfig) Changed(existing *ServerConfig) bool {
	return s.Command != existing.Command ||
		!slices.Equal(s.Args, existing.Args) ||
		!maps.Equal(s.Env, existing.Env) ||
		s.Type != existing.Type ||
		!slices.Equal(s.Tags, existing.Tags)
}

// ListenConfig holds the broker's listener addresses. Zero values disable
// the corresponding listener.
type ListenConfig struct {
	// Socket is the Unix-domain socket path client sessions rendezvous on.
	Socket string `json:"socket"`
	// TCP is an optional host:port for direct TCP sessions.
	TCP string `json:"tcp"`
	// Status is the host:port of the HTTP status/metrics endpoint.
	Status string `json:"status"`
}

// Config is the validated broker configuration.
type Config struct {
	// Servers maps server name to its definition.
	Servers map[string]*ServerConfig
	// RequireAuth rejects unauthenticated sessions when true. The false
	// default is development mode: unauthenticated sessions see every tool
	// and a warning is logged.
	RequireAuth bool
	Listen      ListenConfig
	// JWTPublicKey is the path of the PEM public key used to verify
	// client tokens.
	JWTPublicKey string
}

// ServerByName returns the definition for the named server, or nil.
func (c *Config) ServerByName(name string) *ServerConfig {
	return c.Servers[name]
}

// ServerNames returns the configured server names in stable order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Observer is notified when a watched config file is reloaded. Observers run
// on their own goroutines and must not retain the Config past the call.
type Observer interface {
	OnConfigChange(ctx context.Context, config *Config)
}
