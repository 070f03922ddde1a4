//go:build e2e

package e2e

import (
	"encoding/json"
	"maps"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mcpbroker/mcpbroker/internal/config"
	"github.com/mcpbroker/mcpbroker/internal/jsonrpc"
)

var _ = Describe("MCP Broker", Ordered, func() {
	Describe("session handshake", func() {
		It("answers initialize with the broker identity", func() {
			sess := dialBroker()
			defer sess.close()

			resp := sess.request("initialize", map[string]any{
				"protocolVersion": "2024-11-05",
				"clientInfo":      map[string]string{"name": "e2e", "version": "0.0.1"},
			})
			Expect(resp.Error).To(BeNil())

			var result struct {
				ProtocolVersion string `json:"protocolVersion"`
				ServerInfo      struct {
					Name string `json:"name"`
				} `json:"serverInfo"`
			}
			Expect(json.Unmarshal(resp.Result, &result)).To(Succeed())
			Expect(result.ProtocolVersion).To(Equal("2024-11-05"))
			Expect(result.ServerInfo.Name).To(Equal("McpBroker"))
		})
	})

	Describe("tool aggregation", func() {
		It("renames conflicting tools and keeps unique names bare", func() {
			sess := dialBroker()
			defer sess.close()

			names := sess.listToolNames()
			Expect(names).To(ContainElements(
				"calendar.search", "wiki.search", "list_events", "echo", "boom", "ping",
			))
			Expect(names).NotTo(ContainElement("search"))
		})
	})

	Describe("access control", func() {
		It("filters the catalog by token tags", func() {
			token, err := issuer.Issue("alice", []string{"private"}, 0)
			Expect(err).NotTo(HaveOccurred())

			sess := dialBroker()
			defer sess.close()
			Expect(sess.authenticate(token).Error).To(BeNil())

			Expect(sess.listToolNames()).To(ConsistOf("calendar.search", "list_events"))
		})

		It("grants wildcard tokens every tool, untagged servers included", func() {
			token, err := issuer.Issue("ops", []string{"*"}, 0)
			Expect(err).NotTo(HaveOccurred())

			sess := dialBroker()
			defer sess.close()
			Expect(sess.authenticate(token).Error).To(BeNil())

			Expect(sess.listToolNames()).To(ContainElements(
				"calendar.search", "wiki.search", "boom", "ping",
			))
		})

		It("denies calls to tools outside the token tags", func() {
			token, err := issuer.Issue("alice", []string{"private"}, 0)
			Expect(err).NotTo(HaveOccurred())

			sess := dialBroker()
			defer sess.close()
			Expect(sess.authenticate(token).Error).To(BeNil())

			resp := sess.callTool("echo", map[string]any{"text": "hi"})
			Expect(resp.Error).NotTo(BeNil())
			Expect(resp.Error.Code).To(Equal(jsonrpc.CodeInternalError))
			Expect(resp.Error.Message).To(Equal("Access denied"))
		})

		It("rejects garbage tokens and keeps the session usable", func() {
			sess := dialBroker()
			defer sess.close()

			resp := sess.authenticate("not-a-jwt")
			Expect(resp.Error).NotTo(BeNil())
			Expect(resp.Error.Code).To(Equal(jsonrpc.CodeInvalidParams))

			token, err := issuer.Issue("alice", []string{"private"}, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.authenticate(token).Error).To(BeNil())
		})
	})

	Describe("tool calls", func() {
		It("routes a renamed tool to its downstream under the original name", func() {
			sess := dialBroker()
			defer sess.close()

			resp := sess.callTool("calendar.search", map[string]any{"q": "standup"})
			Expect(resp.Error).To(BeNil())
			Expect(textContent(resp.Result)).To(Equal("3 events found"))
		})

		It("wraps downstream text content as MCP text", func() {
			sess := dialBroker()
			defer sess.close()

			resp := sess.callTool("echo", map[string]any{"text": "hello"})
			Expect(resp.Error).To(BeNil())
			Expect(textContent(resp.Result)).To(Equal("pong-from-wiki"))
		})
	})

	Describe("crash resilience", func() {
		It("fails only the crashing call and recovers the downstream", func() {
			sess := dialBroker()
			defer sess.close()

			By("crashing flaky with a poisoned call")
			resp := sess.callTool("boom", map[string]any{})
			Expect(resp.Error).NotTo(BeNil())
			Expect(resp.Error.Code).To(Equal(jsonrpc.CodeInternalError))

			By("confirming other downstreams are unaffected")
			Expect(sess.callTool("echo", map[string]any{"text": "x"}).Error).To(BeNil())

			By("waiting for the supervisor to reconnect flaky")
			Eventually(func() bool {
				return sess.callTool("ping", map[string]any{}).Error == nil
			}, 30*time.Second, 1*time.Second).Should(BeTrue(),
				"flaky should come back after the first reconnect delay")
		})
	})

	Describe("config reload", func() {
		It("adds new servers to the running pool", func() {
			notes := writeStub(workDir, stubSpec{
				name:  "notes",
				tags:  []string{"public"},
				tools: `[{"name":"create_note","inputSchema":{"type":"object","properties":{"title":{"type":"string"}}}}]`,
				reply: "noted",
			})

			updated := maps.Clone(pool)
			updated["notes"] = notes
			manager.OnConfigChange(ctx, &config.Config{Servers: updated})

			sess := dialBroker()
			defer sess.close()
			Eventually(func() []string {
				return sess.listToolNames()
			}, 15*time.Second, 500*time.Millisecond).Should(ContainElement("create_note"))

			resp := sess.callTool("create_note", map[string]any{"title": "todo"})
			Expect(resp.Error).To(BeNil())
			Expect(textContent(resp.Result)).To(Equal("noted"))
		})
	})
})
