//go:build e2e

package e2e

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/mcpbroker/mcpbroker/internal/auth"
	"github.com/mcpbroker/mcpbroker/internal/broker"
	"github.com/mcpbroker/mcpbroker/internal/config"
	"github.com/mcpbroker/mcpbroker/internal/downstream"
	"github.com/mcpbroker/mcpbroker/internal/observe"
)

func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "MCP Broker E2E Suite")
}

var (
	ctx    context.Context
	cancel context.CancelFunc

	workDir    string
	socketPath string

	pool       map[string]*config.ServerConfig
	issuer     *auth.TokenIssuer
	manager    *downstream.Manager
	aggregator *broker.Aggregator
	server     *broker.Server
)

var _ = BeforeSuite(func() {
	if _, err := os.Stat("/bin/sh"); err != nil {
		Skip("e2e suite requires /bin/sh")
	}

	ctx, cancel = context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var err error
	workDir, err = os.MkdirTemp("", "mcpbroker-e2e-*")
	Expect(err).NotTo(HaveOccurred())

	By("generating the broker keypair")
	privateKeyPath := filepath.Join(workDir, "broker.pem")
	publicKeyPath := filepath.Join(workDir, "broker_public.pem")
	Expect(auth.GenerateKeyPair(privateKeyPath, publicKeyPath)).To(Succeed())
	issuer, err = auth.NewTokenIssuer(privateKeyPath)
	Expect(err).NotTo(HaveOccurred())
	verifier, err := auth.NewVerifier(publicKeyPath, logger)
	Expect(err).NotTo(HaveOccurred())

	By("materializing the scripted downstream servers")
	pool = map[string]*config.ServerConfig{
		"calendar": writeStub(workDir, stubSpec{
			name:  "calendar",
			tags:  []string{"private", "calendars"},
			tools: `[{"name":"search","description":"search events","inputSchema":{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}},{"name":"list_events","inputSchema":{"type":"object"}}]`,
			reply: "3 events found",
		}),
		"wiki": writeStub(workDir, stubSpec{
			name:  "wiki",
			tags:  []string{"public"},
			tools: `[{"name":"search","inputSchema":{"type":"object","properties":{"q":{"type":"string"}}}},{"name":"echo","inputSchema":{"type":"object","properties":{"text":{"type":"string"}}}}]`,
			reply: "pong-from-wiki",
		}),
		"flaky": writeStub(workDir, stubSpec{
			name:   "flaky",
			tools:  `[{"name":"boom","inputSchema":{"type":"object"}},{"name":"ping","inputSchema":{"type":"object"}}]`,
			reply:  "pong",
			onCall: `case "$line" in *'"name":"boom"'*) exit 7 ;; esac`,
		}),
	}

	By("starting the broker")
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	Expect(err).NotTo(HaveOccurred())

	manager = downstream.NewManager(metrics, func() { aggregator.Invalidate() }, logger)
	aggregator = broker.NewAggregator(manager, metrics, logger)
	manager.Start(ctx, &config.Config{Servers: pool})

	server = broker.NewServer(aggregator, verifier, false, metrics, logger)
	socketPath = filepath.Join(workDir, "broker.sock")
	listener, err := server.ListenUnix(socketPath)
	Expect(err).NotTo(HaveOccurred())
	go func() {
		defer GinkgoRecover()
		Expect(server.Serve(ctx, listener)).To(Succeed())
	}()

	By("waiting for the pool to become ready")
	Eventually(readyServers, 15*time.Second, 200*time.Millisecond).Should(Equal(3))
})

var _ = AfterSuite(func() {
	By("tearing down the broker")
	if server != nil {
		server.Close()
	}
	if manager != nil {
		manager.Close()
	}
	if cancel != nil {
		cancel()
	}
	if workDir != "" {
		Expect(os.RemoveAll(workDir)).To(Succeed())
	}
})

func readyServers() int {
	ready := 0
	for _, info := range manager.Info() {
		if info.State == downstream.StateReady {
			ready++
		}
	}
	return ready
}
