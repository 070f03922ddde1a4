// main implements the stdio shim editor clients launch. It bridges the
// editor's stdio to a broker session over the rendezvous socket, injecting
// one authenticate request when a client token is configured.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"log/slog"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/mcpbroker/mcpbroker/internal/auth"
	"github.com/mcpbroker/mcpbroker/internal/jsonrpc"
)

const (
	defaultSocketPath = "/tmp/mcp_broker.sock"
	maxLineBytes      = 10 * 1024 * 1024
)

// Stdout carries the protocol stream, so logs go to stderr.
var logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

func main() {
	var (
		socketPath string
		tcpAddr    string
		logLevel   string
		logFormat  string
	)
	flag.StringVar(
		&socketPath,
		"socket",
		defaultSocketPath,
		"unix socket path of the broker",
	)
	flag.StringVar(
		&tcpAddr,
		"tcp",
		"",
		"connect to host:port over TCP instead of the unix socket",
	)
	flag.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	flag.StringVar(&logFormat, "log-format", "txt", "switch to json logs with --log-format=json")
	flag.Parse()

	_ = godotenv.Load()

	logger = newLogger(logLevel, logFormat)

	conn, err := dial(socketPath, tcpAddr)
	if err != nil {
		logger.Error("cannot connect to broker", "error", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	token, err := auth.DiscoverClientToken()
	if err != nil {
		logger.Error("cannot read client token", "error", err)
		os.Exit(1)
	}

	// The injected authenticate request carries a string id no editor client
	// generates, so its reply can be filtered out of the stream.
	authID := ""
	if token != "" {
		authID = "mcp-client-auth-" + uuid.NewString()
		if err := sendAuthenticate(conn, authID, token); err != nil {
			logger.Error("cannot send authenticate request", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no client token found, session is unauthenticated")
	}

	exit := make(chan int, 2)
	go pumpBrokerToStdout(conn, authID, exit)
	go pumpStdinToBroker(conn, exit)
	os.Exit(<-exit)
}

func dial(socketPath, tcpAddr string) (net.Conn, error) {
	if tcpAddr != "" {
		return net.Dial("tcp", tcpAddr)
	}
	return net.Dial("unix", socketPath)
}

func sendAuthenticate(conn net.Conn, id, token string) error {
	req, err := jsonrpc.NewRequest(id, "authenticate", map[string]string{"token": token})
	if err != nil {
		return err
	}
	line, err := jsonrpc.Encode(req)
	if err != nil {
		return err
	}
	_, err = conn.Write(line)
	return err
}

// pumpBrokerToStdout forwards broker lines to stdout, swallowing the reply to
// the injected authenticate request. The broker going away ends the session
// with a non-zero exit.
func pumpBrokerToStdout(conn net.Conn, authID string, exit chan<- int) {
	out := bufio.NewWriter(os.Stdout)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if authID != "" && consumeAuthReply(line, authID) {
			authID = ""
			continue
		}
		if _, err := out.Write(line); err != nil {
			exit <- 1
			return
		}
		if err := out.WriteByte('\n'); err != nil {
			exit <- 1
			return
		}
		if err := out.Flush(); err != nil {
			exit <- 1
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("broker stream error", "error", err)
	} else {
		logger.Warn("broker closed the session")
	}
	exit <- 1
}

// pumpStdinToBroker forwards editor lines to the broker. Stdin EOF is the
// clean shutdown path.
func pumpStdinToBroker(conn net.Conn, exit chan<- int) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if _, err := conn.Write(scanner.Bytes()); err != nil {
			logger.Error("broker write error", "error", err)
			exit <- 1
			return
		}
		if _, err := conn.Write([]byte{'\n'}); err != nil {
			logger.Error("broker write error", "error", err)
			exit <- 1
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("stdin read error", "error", err)
		exit <- 1
		return
	}
	exit <- 0
}

// consumeAuthReply reports whether line is the response to the injected
// authenticate request, logging its outcome.
func consumeAuthReply(line []byte, authID string) bool {
	var resp jsonrpc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return false
	}
	id, ok := resp.ID.(string)
	if !ok || id != authID {
		return false
	}
	if resp.Error != nil {
		logger.Error("authentication failed, session continues unauthenticated", "error", resp.Error)
	} else {
		logger.Debug("session authenticated")
	}
	return true
}

func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
