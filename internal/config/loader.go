package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ErrFileNotFound reports that no config file exists at any discovery path.
var ErrFileNotFound = errors.New("config file not found")

// EnvConfigPath overrides config discovery when set.
const EnvConfigPath = "MCP_CONFIG_PATH"

// configFile is the on-disk JSON shape. Unknown fields are ignored.
type configFile struct {
	MCPServers   map[string]*ServerConfig `json:"mcpServers"`
	RequireAuth  bool                     `json:"requireAuth"`
	Listen       ListenConfig             `json:"listen"`
	JWTPublicKey string                   `json:"jwtPublicKey"`
}

// DiscoverPath resolves the config file location: $MCP_CONFIG_PATH if set,
// else $XDG_CONFIG_HOME/mcp_broker/config.json, else
// ~/.config/mcp_broker/config.json, else ./config.json. Apart from the env
// override, the first existing candidate wins.
func DiscoverPath() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path, nil
	}

	var candidates []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "mcp_broker", "config.json"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "mcp_broker", "config.json"))
	}
	candidates = append(candidates, "config.json")

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v", ErrFileNotFound, candidates)
}

// Loader reads the config file and watches it for changes. Registered
// observers are notified after every successful reload; a reload that fails
// validation is logged and the previous config stays active.
type Loader struct {
	path   string
	v      *viper.Viper
	logger *slog.Logger

	mu        sync.Mutex
	current   *Config
	observers []Observer
}

// NewLoader creates a loader for the config file at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	v := viper.New()
	v.SetConfigType("json")
	return &Loader{
		path:   path,
		v:      v,
		logger: logger.With("component", "config"),
	}
}

// Load reads, decodes, and validates the config file. The first successful
// load arms viper's file association used by Watch.
func (l *Loader) Load() (*Config, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, l.path)
		}
		return nil, fmt.Errorf("read config %q: %w", l.path, err)
	}

	// Server names and env var names are case-sensitive map keys, so the
	// authoritative decode bypasses viper's case folding. Viper still owns
	// file discovery state and the change watch.
	var file configFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrInvalidConfig, l.path, err)
	}

	cfg := &Config{
		Servers:      make(map[string]*ServerConfig, len(file.MCPServers)),
		RequireAuth:  file.RequireAuth,
		Listen:       file.Listen,
		JWTPublicKey: expandTilde(file.JWTPublicKey),
	}
	for name, server := range file.MCPServers {
		if server == nil {
			server = &ServerConfig{}
		}
		server.Name = name
		server.normalize()
		if err := server.validate(); err != nil {
			return nil, err
		}
		cfg.Servers[name] = server
	}

	l.v.SetConfigFile(l.path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	l.logger.Debug("config loaded", "path", l.path, "servers", len(cfg.Servers))
	return cfg, nil
}

// Current returns the last successfully loaded config.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// RegisterObserver registers an observer to be notified of config reloads.
func (l *Loader) RegisterObserver(obs Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, obs)
}

// Notify notifies registered observers of a config change.
func (l *Loader) Notify(ctx context.Context, cfg *Config) {
	l.mu.Lock()
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)
	l.mu.Unlock()

	for _, observer := range observers {
		go observer.OnConfigChange(ctx, cfg)
	}
}

// Watch reloads the config whenever the file changes and notifies observers.
// The watch runs for the remaining lifetime of the process; a cancelled ctx
// only stops the notifications.
func (l *Loader) Watch(ctx context.Context) {
	l.v.OnConfigChange(func(in fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		l.logger.Info("config file changed", "event", in.Op.String(), "path", in.Name)

		previous := l.Current()
		cfg, err := l.Load()
		if err != nil {
			l.logger.Error("config reload failed, keeping previous config", "error", err)
			return
		}
		if previous != nil && reflect.DeepEqual(previous, cfg) {
			l.logger.Debug("config unchanged after reload")
			return
		}
		l.Notify(ctx, cfg)
	})
	l.v.WatchConfig()
}
