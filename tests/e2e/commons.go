//go:build e2e

// Package e2e exercises a fully wired broker end to end: real child
// processes speaking JSON-RPC over stdio, a real unix socket carrying
// sessions, and real RS256 token verification.
package e2e

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/gomega"

	"github.com/mcpbroker/mcpbroker/internal/config"
	"github.com/mcpbroker/mcpbroker/internal/jsonrpc"
)

// stubScript is a minimal scripted MCP server. It answers the handshake and
// the tool listing, and runs the @ON_CALL@ splice before every tools/call
// response.
const stubScript = `#!/bin/sh
while IFS= read -r line; do
  id=$(expr "$line" : '.*"id":\([0-9][0-9]*\)')
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"@NAME@","version":"0.0.1"}}}\n' "$id" ;;
    *'"method":"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":@TOOLS@}}\n' "$id" ;;
    *'"method":"tools/call"'*)
      @ON_CALL@
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"@REPLY@"}]}}\n' "$id" ;;
    *) ;;
  esac
done
`

type stubSpec struct {
	name   string
	tags   []string
	tools  string
	reply  string
	onCall string
}

// writeStub materializes a scripted server in dir and returns its pool entry.
func writeStub(dir string, spec stubSpec) *config.ServerConfig {
	onCall := spec.onCall
	if onCall == "" {
		onCall = ":"
	}
	script := stubScript
	script = strings.ReplaceAll(script, "@NAME@", spec.name)
	script = strings.ReplaceAll(script, "@TOOLS@", spec.tools)
	script = strings.ReplaceAll(script, "@REPLY@", spec.reply)
	script = strings.ReplaceAll(script, "@ON_CALL@", onCall)

	path := filepath.Join(dir, spec.name+".sh")
	ExpectWithOffset(1, os.WriteFile(path, []byte(script), 0o755)).To(Succeed())

	return &config.ServerConfig{
		Name:    spec.name,
		Command: "/bin/sh",
		Args:    []string{path},
		Type:    config.ServerTypeStdio,
		Tags:    spec.tags,
	}
}

// brokerSession is a raw newline-delimited JSON-RPC session against the
// broker socket, standing in for an editor client.
type brokerSession struct {
	conn    net.Conn
	scanner *bufio.Scanner
	nextID  int
}

func dialBroker() *brokerSession {
	conn, err := net.Dial("unix", socketPath)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	return &brokerSession{conn: conn, scanner: scanner}
}

func (s *brokerSession) close() {
	_ = s.conn.Close()
}

// request performs one JSON-RPC round trip and checks the echoed id.
func (s *brokerSession) request(method string, params any) jsonrpc.Response {
	s.nextID++
	req, err := jsonrpc.NewRequest(s.nextID, method, params)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	line, err := jsonrpc.Encode(req)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	_, err = s.conn.Write(line)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	ExpectWithOffset(1, s.scanner.Scan()).To(BeTrue(), "broker closed the stream: %v", s.scanner.Err())
	var resp jsonrpc.Response
	ExpectWithOffset(1, json.Unmarshal(s.scanner.Bytes(), &resp)).To(Succeed())
	ExpectWithOffset(1, resp.ID).To(BeEquivalentTo(s.nextID))
	return resp
}

func (s *brokerSession) authenticate(token string) jsonrpc.Response {
	return s.request("authenticate", map[string]string{"token": token})
}

func (s *brokerSession) listToolNames() []string {
	resp := s.request("tools/list", nil)
	ExpectWithOffset(1, resp.Error).To(BeNil())

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	ExpectWithOffset(1, json.Unmarshal(resp.Result, &result)).To(Succeed())
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func (s *brokerSession) callTool(name string, arguments any) jsonrpc.Response {
	return s.request("tools/call", map[string]any{"name": name, "arguments": arguments})
}

// textContent extracts the first text part of an MCP tool result.
func textContent(result json.RawMessage) string {
	var payload struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	ExpectWithOffset(1, json.Unmarshal(result, &payload)).To(Succeed())
	ExpectWithOffset(1, payload.Content).NotTo(BeEmpty())
	return payload.Content[0].Text
}
