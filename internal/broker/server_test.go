package broker

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbroker/mcpbroker/internal/auth"
	"github.com/mcpbroker/mcpbroker/internal/downstream"
	"github.com/mcpbroker/mcpbroker/internal/jsonrpc"
)

// taggedPoolSource builds the pool used by most session tests: a private
// server, a public server, and an untagged one.
func taggedPoolSource() *fakeSource {
	return &fakeSource{
		tools: map[string][]downstream.RawTool{
			"cal-server": {{Name: "cal", Description: "calendar"}},
			"pub-server": {{Name: "pub", Description: "public"}},
			"raw-server": {{Name: "raw"}},
		},
		tags: map[string][]string{
			"cal-server": {"private", "calendars"},
			"pub-server": {"public", "calendars"},
			"raw-server": {},
		},
		result: []byte(`{"content":[{"type":"text","text":"done"}]}`),
	}
}

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func mintToken(t *testing.T, key *rsa.PrivateKey, subject string, tags []string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.Issuer,
			Audience:  jwt.ClaimStrings{auth.Issuer},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		AllowedTags: &tags,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

type serverOptions struct {
	requireAuth bool
	key         *rsa.PrivateKey
}

func newTestServer(t *testing.T, source *fakeSource, opts serverOptions) *Server {
	t.Helper()
	metrics := testMetrics(t)
	aggregator := NewAggregator(source, metrics, testLogger())

	var verifier *auth.Verifier
	if opts.key != nil {
		verifier = auth.NewVerifierFromKey(&opts.key.PublicKey, testLogger())
	}
	return NewServer(aggregator, verifier, opts.requireAuth, metrics, testLogger())
}

// sessionHarness drives one ServeSession over in-memory pipes.
type sessionHarness struct {
	t       *testing.T
	in      *io.PipeWriter
	scanner *bufio.Scanner
}

func startSession(t *testing.T, s *Server) *sessionHarness {
	t.Helper()

	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()
	go func() {
		_ = s.ServeSession(context.Background(), inReader, outWriter)
		outWriter.Close()
	}()

	scanner := bufio.NewScanner(outReader)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	t.Cleanup(func() { inWriter.Close() })

	return &sessionHarness{t: t, in: inWriter, scanner: scanner}
}

func (h *sessionHarness) send(line string) {
	h.t.Helper()
	_, err := h.in.Write([]byte(line + "\n"))
	require.NoError(h.t, err)
}

func (h *sessionHarness) recv() jsonrpc.Response {
	h.t.Helper()
	require.True(h.t, h.scanner.Scan(), "expected a response line")
	var resp jsonrpc.Response
	require.NoError(h.t, json.Unmarshal(h.scanner.Bytes(), &resp))
	return resp
}

func (h *sessionHarness) authenticate(token string) {
	h.t.Helper()
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": "auth", "method": "authenticate",
		"params": map[string]string{"token": token},
	})
	require.NoError(h.t, err)
	h.send(string(raw))
	resp := h.recv()
	require.Nil(h.t, resp.Error, "authentication must succeed")
}

func (h *sessionHarness) listToolNames() []string {
	h.t.Helper()
	h.send(`{"jsonrpc":"2.0","id":"list","method":"tools/list"}`)
	resp := h.recv()
	require.Nil(h.t, resp.Error)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(h.t, json.Unmarshal(resp.Result, &result))
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestInitializeAlwaysSucceeds(t *testing.T) {
	s := newTestServer(t, taggedPoolSource(), serverOptions{requireAuth: true})
	h := startSession(t, s)

	h.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)
	resp := h.recv()

	require.Nil(t, resp.Error)
	assert.Equal(t, float64(1), resp.ID)

	var result initializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.Equal(t, ServerName, result.ServerInfo.Name)
	assert.Contains(t, result.Capabilities, "tools")
}

func TestEnvelopeRules(t *testing.T) {
	s := newTestServer(t, taggedPoolSource(), serverOptions{})
	h := startSession(t, s)

	t.Run("parse error gets null id", func(t *testing.T) {
		h.send(`this is not json`)
		resp := h.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeParseError, resp.Error.Code)
		assert.Nil(t, resp.ID)
	})

	t.Run("invalid request with id gets -32600", func(t *testing.T) {
		h.send(`{"id":5}`)
		resp := h.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeInvalidRequest, resp.Error.Code)
		assert.Equal(t, float64(5), resp.ID)
	})

	t.Run("unknown method gets -32601", func(t *testing.T) {
		h.send(`{"jsonrpc":"2.0","id":9,"method":"resources/list"}`)
		resp := h.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
	})

	t.Run("string ids are echoed", func(t *testing.T) {
		h.send(`{"jsonrpc":"2.0","id":"abc-123","method":"initialize"}`)
		resp := h.recv()
		assert.Equal(t, "abc-123", resp.ID)
	})

	t.Run("notifications and invalid id-less lines are silent", func(t *testing.T) {
		h.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
		h.send(`{"jsonrpc":"2.0"}`)
		h.send(`[1,2,3]`)
		// The next response must belong to this probe, proving none of the
		// lines above produced one.
		h.send(`{"jsonrpc":"2.0","id":"probe","method":"initialize"}`)
		resp := h.recv()
		assert.Equal(t, "probe", resp.ID)
	})
}

func TestAuthenticateFlow(t *testing.T) {
	key := newRSAKey(t)
	s := newTestServer(t, taggedPoolSource(), serverOptions{key: key})
	h := startSession(t, s)

	t.Run("missing token", func(t *testing.T) {
		h.send(`{"jsonrpc":"2.0","id":1,"method":"authenticate","params":{}}`)
		resp := h.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		h.send(`{"jsonrpc":"2.0","id":2,"method":"authenticate","params":{"token":"garbage"}}`)
		resp := h.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "Invalid token")
	})

	t.Run("valid token attaches context and repeats are stable", func(t *testing.T) {
		token := mintToken(t, key, "alice", []string{"private"})
		for i := 0; i < 2; i++ {
			raw, err := json.Marshal(map[string]any{
				"jsonrpc": "2.0", "id": 3, "method": "authenticate",
				"params": map[string]string{"jwt": token},
			})
			require.NoError(t, err)
			h.send(string(raw))
			resp := h.recv()
			require.Nil(t, resp.Error)

			var result map[string]any
			require.NoError(t, json.Unmarshal(resp.Result, &result))
			assert.Equal(t, true, result["ok"])
			assert.Equal(t, "alice", result["subject"])
		}
	})
}

func TestToolsListFiltering(t *testing.T) {
	key := newRSAKey(t)

	t.Run("or semantics over tags", func(t *testing.T) {
		s := newTestServer(t, taggedPoolSource(), serverOptions{key: key})
		h := startSession(t, s)
		h.authenticate(mintToken(t, key, "alice", []string{"private"}))

		assert.Equal(t, []string{"cal"}, h.listToolNames(),
			"sharing one tag grants visibility; untagged and public servers stay hidden")
	})

	t.Run("wildcard sees everything including untagged servers", func(t *testing.T) {
		s := newTestServer(t, taggedPoolSource(), serverOptions{key: key})
		h := startSession(t, s)
		h.authenticate(mintToken(t, key, "root", []string{"*"}))

		assert.Equal(t, []string{"cal", "pub", "raw"}, h.listToolNames())
	})

	t.Run("development mode bypasses filtering", func(t *testing.T) {
		s := newTestServer(t, taggedPoolSource(), serverOptions{})
		h := startSession(t, s)

		assert.Equal(t, []string{"cal", "pub", "raw"}, h.listToolNames())
	})

	t.Run("require-auth rejects unauthenticated sessions", func(t *testing.T) {
		s := newTestServer(t, taggedPoolSource(), serverOptions{requireAuth: true, key: key})
		h := startSession(t, s)

		h.send(`{"jsonrpc":"2.0","id":"list","method":"tools/list"}`)
		resp := h.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	})
}

func TestToolsCallAccess(t *testing.T) {
	key := newRSAKey(t)
	source := taggedPoolSource()
	s := newTestServer(t, source, serverOptions{key: key})
	h := startSession(t, s)
	h.authenticate(mintToken(t, key, "alice", []string{"private"}))

	t.Run("allowed call routes downstream", func(t *testing.T) {
		h.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"cal","arguments":{"day":"mon"}}}`)
		resp := h.recv()
		require.Nil(t, resp.Error)
		require.NotNil(t, source.lastCall)
		assert.Equal(t, "cal-server", source.lastCall.server)
		assert.JSONEq(t, `{"day":"mon"}`, string(source.lastArgs),
			"arguments must pass through untransformed")
	})

	t.Run("disallowed tool is denied", func(t *testing.T) {
		h.send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"pub"}}`)
		resp := h.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
		assert.Equal(t, "Access denied", resp.Error.Message)
	})

	t.Run("unknown tool is denied fail-safe", func(t *testing.T) {
		h.send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"ghost"}}`)
		resp := h.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, "Access denied", resp.Error.Message)
	})
}

func TestToolsCallValidation(t *testing.T) {
	s := newTestServer(t, taggedPoolSource(), serverOptions{})
	h := startSession(t, s)

	t.Run("malformed tool name", func(t *testing.T) {
		h.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"bad name!"}}`)
		resp := h.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	})

	t.Run("non-object arguments", func(t *testing.T) {
		h.send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"cal","arguments":[1,2]}}`)
		resp := h.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	})

	t.Run("too many argument keys", func(t *testing.T) {
		args := map[string]int{}
		for i := 0; i < maxArgumentKeys+1; i++ {
			args["k"+string(rune('a'+i%26))+string(rune('a'+i/26))] = i
		}
		raw, err := json.Marshal(map[string]any{
			"jsonrpc": "2.0", "id": 3, "method": "tools/call",
			"params": map[string]any{"name": "cal", "arguments": args},
		})
		require.NoError(t, err)
		h.send(string(raw))
		resp := h.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	})

	t.Run("missing params", func(t *testing.T) {
		h.send(`{"jsonrpc":"2.0","id":4,"method":"tools/call"}`)
		resp := h.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	})
}

func TestToolsCallResultWrapping(t *testing.T) {
	tests := []struct {
		name       string
		downstream string
		wantText   string
	}{
		{
			name:       "mcp text content passes through",
			downstream: `{"content":[{"type":"text","text":"hi"}]}`,
			wantText:   "hi",
		},
		{
			name:       "multiple text blocks join",
			downstream: `{"content":[{"type":"text","text":"one"},{"type":"text","text":"two"}]}`,
			wantText:   "one\ntwo",
		},
		{
			name:       "bare string passes through",
			downstream: `"plain"`,
			wantText:   "plain",
		},
		{
			name:       "other shapes re-encode as indented json",
			downstream: `{"answer":42}`,
			wantText:   "{\n  \"answer\": 42\n}",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			source := taggedPoolSource()
			source.result = []byte(tc.downstream)
			s := newTestServer(t, source, serverOptions{})
			h := startSession(t, s)

			h.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"cal","arguments":{}}}`)
			resp := h.recv()
			require.Nil(t, resp.Error)

			var result struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			}
			require.NoError(t, json.Unmarshal(resp.Result, &result))
			require.Len(t, result.Content, 1)
			assert.Equal(t, "text", result.Content[0].Type)
			assert.Equal(t, tc.wantText, result.Content[0].Text)
		})
	}
}

func TestConflictedCallReachesDownstreamUnprefixed(t *testing.T) {
	source := &fakeSource{
		tools: map[string][]downstream.RawTool{
			"A": {{Name: "search"}},
			"B": {{Name: "search"}},
		},
		tags:   map[string][]string{"A": nil, "B": nil},
		result: []byte(`{"content":[{"type":"text","text":"found"}]}`),
	}
	s := newTestServer(t, source, serverOptions{})
	h := startSession(t, s)

	assert.Equal(t, []string{"A.search", "B.search"}, h.listToolNames(),
		"neither server keeps the bare conflicting name")

	h.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"A.search","arguments":{"q":"x"}}}`)
	resp := h.recv()
	require.Nil(t, resp.Error)
	require.NotNil(t, source.lastCall)
	assert.Equal(t, "A", source.lastCall.server)
	assert.Equal(t, "search", source.lastCall.tool)
	assert.JSONEq(t, `{"q":"x"}`, string(source.lastArgs))
}
