// main implements the CLI for the MCP broker daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mcpbroker/mcpbroker/internal/auth"
	"github.com/mcpbroker/mcpbroker/internal/broker"
	"github.com/mcpbroker/mcpbroker/internal/config"
	"github.com/mcpbroker/mcpbroker/internal/downstream"
	"github.com/mcpbroker/mcpbroker/internal/observe"
)

const (
	defaultSocketPath = "/tmp/mcp_broker.sock"
	defaultStatusAddr = "127.0.0.1:8090"
	shutdownTimeout   = 10 * time.Second
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

func main() {
	var (
		configPath   string
		socketPath   string
		tcpAddr      string
		statusAddr   string
		jwtPublicKey string
		requireAuth  bool
		logLevel     string
		logFormat    string
	)
	flag.StringVar(
		&configPath,
		"config",
		"",
		"path to the broker config file (empty uses the discovery order)",
	)
	flag.StringVar(
		&socketPath,
		"socket",
		"",
		"unix socket path for client sessions",
	)
	flag.StringVar(
		&tcpAddr,
		"tcp",
		"",
		"optional host:port for TCP client sessions",
	)
	flag.StringVar(
		&statusAddr,
		"status-addr",
		"",
		"host:port of the HTTP status and metrics endpoint",
	)
	flag.StringVar(
		&jwtPublicKey,
		"jwt-public-key",
		"",
		"PEM public key used to verify session tokens",
	)
	flag.BoolVar(&requireAuth, "require-auth", false, "reject unauthenticated tool operations")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flag.StringVar(&logFormat, "log-format", "txt", "switch to json logs with --log-format=json")
	flag.Parse()

	// Opportunistic: a missing .env is not an error.
	_ = godotenv.Load()

	logger = newLogger(logLevel, logFormat)
	slog.SetDefault(logger)

	if configPath == "" {
		discovered, err := config.DiscoverPath()
		if err != nil {
			logger.Error("no config file found", "error", err)
			os.Exit(1)
		}
		configPath = discovered
	}

	loader := config.NewLoader(configPath, logger)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error("cannot load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	// Flags win over the config file.
	if socketPath == "" {
		socketPath = cfg.Listen.Socket
	}
	if tcpAddr == "" {
		tcpAddr = cfg.Listen.TCP
	}
	if socketPath == "" && tcpAddr == "" {
		socketPath = defaultSocketPath
	}
	if statusAddr == "" {
		statusAddr = cfg.Listen.Status
	}
	if statusAddr == "" {
		statusAddr = defaultStatusAddr
	}
	requireAuth = requireAuth || cfg.RequireAuth
	if jwtPublicKey == "" {
		jwtPublicKey = cfg.JWTPublicKey
	}

	var verifier *auth.Verifier
	switch {
	case jwtPublicKey != "":
		verifier, err = auth.NewVerifier(jwtPublicKey, logger)
		if err != nil {
			logger.Error("cannot load JWT public key", "path", jwtPublicKey, "error", err)
			os.Exit(1)
		}
	case requireAuth:
		logger.Error("authentication required but no JWT public key configured")
		os.Exit(1)
	default:
		logger.Warn("no JWT public key configured, sessions run in development mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "mcp-broker",
		ServiceVersion: broker.Version,
	})
	if err != nil {
		logger.Error("cannot initialise metrics provider", "error", err)
		os.Exit(1)
	}
	metrics := observe.DefaultMetrics()

	// Pool changes invalidate the tool catalog; the aggregator queries the
	// manager, so wire the callback through a closure bound before Start.
	var aggregator *broker.Aggregator
	manager := downstream.NewManager(metrics, func() { aggregator.Invalidate() }, logger)
	aggregator = broker.NewAggregator(manager, metrics, logger)

	loader.RegisterObserver(manager)
	loader.Watch(ctx)

	manager.Start(ctx, cfg)

	srv := broker.NewServer(aggregator, verifier, requireAuth, metrics, logger)

	var listeners []net.Listener
	if socketPath != "" {
		ln, err := srv.ListenUnix(socketPath)
		if err != nil {
			logger.Error("cannot listen on unix socket", "path", socketPath, "error", err)
			os.Exit(1)
		}
		listeners = append(listeners, ln)
	}
	if tcpAddr != "" {
		ln, err := srv.ListenTCP(tcpAddr)
		if err != nil {
			logger.Error("cannot listen on tcp", "addr", tcpAddr, "error", err)
			os.Exit(1)
		}
		listeners = append(listeners, ln)
	}
	for _, ln := range listeners {
		go func() {
			if err := srv.Serve(ctx, ln); err != nil {
				logger.Error("session listener failed", "error", err)
				os.Exit(1)
			}
		}()
	}

	statusSrv := &http.Server{
		Addr:         statusAddr,
		Handler:      broker.NewStatusMux(broker.NewStatusHandler(manager, aggregator, srv, logger)),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("[http] starting status endpoint", "listening", statusAddr)
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("[http] cannot start status endpoint", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	// Shutdown order: sessions, then the downstream pool, then telemetry.
	logger.Info("shutting down MCP broker")
	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownRelease()
	srv.Close()
	manager.Close()
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("status endpoint shutdown error", "error", err)
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Error("metrics provider shutdown error", "error", err)
	}
}

func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
