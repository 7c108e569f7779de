package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgate/internal/domain"
)

// scriptedWire answers JSON-RPC methods from a handler table so gateway
// tests run against a fully fake subordinate.
type scriptedWire struct {
	mu       sync.Mutex
	handlers map[string]func(params json.RawMessage) (json.RawMessage, error)
	done     chan struct{}
	closed   bool
}

func newScriptedWire(tools string) *scriptedWire {
	w := &scriptedWire{
		handlers: make(map[string]func(json.RawMessage) (json.RawMessage, error)),
		done:     make(chan struct{}),
	}
	w.handlers["initialize"] = func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{
			"protocolVersion": "2025-11-25",
			"serverInfo": {"name": "scripted", "version": "1.0.0"},
			"capabilities": {"tools": {}}
		}`), nil
	}
	w.handlers["tools/list"] = func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"tools": ` + tools + `}`), nil
	}
	return w
}

func (w *scriptedWire) on(method string, fn func(json.RawMessage) (json.RawMessage, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[method] = fn
}

func (w *scriptedWire) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	w.mu.Lock()
	handler := w.handlers[req.Method]
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, domain.ErrConnectionClosed
	}
	if handler == nil {
		return nil, fmt.Errorf("unscripted method %q", req.Method)
	}
	result, err := handler(req.Params)
	if err != nil {
		return nil, err
	}
	return &jsonrpc.Response{ID: req.ID, Result: result}, nil
}

func (w *scriptedWire) Notify(context.Context, string, any) error { return nil }

func (w *scriptedWire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.done)
	}
	return nil
}

func (w *scriptedWire) Done() <-chan struct{} { return w.done }

func (w *scriptedWire) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return domain.ErrConnectionClosed
	}
	return nil
}

// scriptedDialer hands out one wire per upstream name.
type scriptedDialer struct {
	mu    sync.Mutex
	wires map[string]*scriptedWire
}

func newScriptedDialer() *scriptedDialer {
	return &scriptedDialer{wires: make(map[string]*scriptedWire)}
}

func (d *scriptedDialer) add(name string, wire *scriptedWire) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wires[name] = wire
}

func (d *scriptedDialer) Dial(ctx context.Context, spec domain.UpstreamSpec) (domain.Wire, domain.StopFn, error) {
	d.mu.Lock()
	wire, ok := d.wires[spec.Name]
	d.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("no scripted wire for %q", spec.Name)
	}
	return wire, func(context.Context) error { return wire.Close() }, nil
}

// echoWire scripts an upstream exposing one "ping" action that returns its
// arguments as text, unchanged.
func echoWire() *scriptedWire {
	w := newScriptedWire(`[{"name": "ping", "description": "Returns the input unchanged."}]`)
	w.on("tools/call", func(params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		result := mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(p.Arguments)}},
		}
		return json.Marshal(&result)
	})
	return w
}

func testConfig(names ...string) domain.GatewayConfig {
	specs := make(map[string]domain.UpstreamSpec, len(names))
	for _, name := range names {
		specs[name] = domain.UpstreamSpec{Name: name, Command: name + "-server"}
	}
	return domain.GatewayConfig{
		Upstreams: specs,
		Runtime: domain.RuntimeConfig{
			RouteTimeoutSeconds:      5,
			ConnectTimeoutSeconds:    5,
			ReconnectCooldownSeconds: 1,
			Startup:                  domain.StartupLazy,
			BootstrapConcurrency:     2,
		},
	}
}

func newTestGateway(t *testing.T, cfg domain.GatewayConfig, dialer domain.Dialer) (*Gateway, *mcp.ClientSession) {
	t.Helper()
	g := New(cfg, Options{Logger: zap.NewNop(), Dialer: dialer})
	g.startServer()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.CloseAll(ctx)
	})

	ctx := context.Background()
	ct, st := mcp.NewInMemoryTransports()
	_, err := g.server.Connect(ctx, st, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0.1.0"}, nil)
	session, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return g, session
}

func callProxy(t *testing.T, session *mcp.ClientSession, tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func decodeErrorPayload(t *testing.T, result *mcp.CallToolResult) errorPayload {
	t.Helper()
	require.True(t, result.IsError)
	var wrapper struct {
		Error errorPayload `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &wrapper))
	return wrapper.Error
}

func TestGatewayExposesOneProxyToolPerUpstream(t *testing.T) {
	dialer := newScriptedDialer()
	dialer.add("echo", echoWire())
	dialer.add("git", newScriptedWire(`[{"name": "status"}]`))

	_, session := newTestGateway(t, testConfig("echo", "git"), dialer)

	res, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	require.ElementsMatch(t, []string{"use_echo", "use_git"}, names)

	for _, tool := range res.Tools {
		require.Contains(t, tool.Description, `"list"`)
	}
}

func TestGatewayEndToEndEcho(t *testing.T) {
	dialer := newScriptedDialer()
	dialer.add("echo", echoWire())

	_, session := newTestGateway(t, testConfig("echo"), dialer)

	// Forwarded call: params come back unchanged.
	result := callProxy(t, session, "use_echo", map[string]any{
		"action": "ping",
		"params": map[string]any{"x": 1},
	})
	require.False(t, result.IsError)
	require.JSONEq(t, `{"x":1}`, resultText(t, result))

	// The reserved list action answers from the catalog.
	listing := callProxy(t, session, "use_echo", map[string]any{"action": "list"})
	require.False(t, listing.IsError)
	var payload listingPayload
	require.NoError(t, json.Unmarshal([]byte(resultText(t, listing)), &payload))
	require.Equal(t, "echo", payload.Upstream)
	require.Len(t, payload.Actions, 1)
	require.Equal(t, "ping", payload.Actions[0].Name)

	// Listing twice without a reconnect is identical.
	again := callProxy(t, session, "use_echo", map[string]any{"action": "list"})
	require.Equal(t, resultText(t, listing), resultText(t, again))
}

func TestGatewayUnknownActionError(t *testing.T) {
	dialer := newScriptedDialer()
	dialer.add("echo", echoWire())

	_, session := newTestGateway(t, testConfig("echo"), dialer)

	result := callProxy(t, session, "use_echo", map[string]any{"action": "nonexistent_action"})
	payload := decodeErrorPayload(t, result)
	require.Equal(t, "UnknownAction", payload.Kind)
	require.Equal(t, []string{"ping"}, payload.KnownActions)
}

func TestGatewayMissingActionError(t *testing.T) {
	dialer := newScriptedDialer()
	dialer.add("echo", echoWire())

	_, session := newTestGateway(t, testConfig("echo"), dialer)

	result := callProxy(t, session, "use_echo", map[string]any{})
	payload := decodeErrorPayload(t, result)
	require.Equal(t, "ProtocolError", payload.Kind)
	require.Contains(t, payload.Message, "action is required")
}

func TestGatewayConnectFailureError(t *testing.T) {
	// No scripted wire for "ghost", so dialing fails.
	_, session := newTestGateway(t, testConfig("ghost"), newScriptedDialer())

	result := callProxy(t, session, "use_ghost", map[string]any{"action": "anything"})
	payload := decodeErrorPayload(t, result)
	require.Equal(t, "ConnectionError", payload.Kind)
	require.Equal(t, "ghost", payload.Upstream)
}

func TestGatewayCrossUpstreamIsolation(t *testing.T) {
	alpha := newScriptedWire(`[{"name": "whoami"}]`)
	alpha.on("tools/call", func(json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(&mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "alpha"}},
		})
	})
	beta := newScriptedWire(`[{"name": "whoami"}]`)
	beta.on("tools/call", func(json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(&mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "beta"}},
		})
	})
	dialer := newScriptedDialer()
	dialer.add("alpha", alpha)
	dialer.add("beta", beta)

	_, session := newTestGateway(t, testConfig("alpha", "beta"), dialer)

	result := callProxy(t, session, "use_beta", map[string]any{"action": "whoami"})
	require.Equal(t, "beta", resultText(t, result))
	result = callProxy(t, session, "use_alpha", map[string]any{"action": "whoami"})
	require.Equal(t, "alpha", resultText(t, result))
}

func TestGatewayBootstrapUpdatesDescriptions(t *testing.T) {
	dialer := newScriptedDialer()
	dialer.add("echo", echoWire())

	g, session := newTestGateway(t, testConfig("echo"), dialer)
	g.bootstrap(context.Background(), g.connList())

	res, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)
	require.Contains(t, res.Tools[0].Description, "- ping: Returns the input unchanged.")
}

func TestGatewayReloadAddsRemovesAndReplaces(t *testing.T) {
	dialer := newScriptedDialer()
	dialer.add("echo", echoWire())
	dialer.add("git", newScriptedWire(`[{"name": "status"}]`))

	g, session := newTestGateway(t, testConfig("echo"), dialer)

	next := testConfig("git")
	g.Reload(context.Background(), next)

	res, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)
	require.Equal(t, "use_git", res.Tools[0].Name)

	states := g.States()
	require.Contains(t, states, "git")
	require.NotContains(t, states, "echo")

	// A spec change replaces the connection object.
	before, ok := g.router.Get("git")
	require.True(t, ok)
	changed := testConfig("git")
	spec := changed.Upstreams["git"]
	spec.Args = []string{"--bare"}
	changed.Upstreams["git"] = spec
	g.Reload(context.Background(), changed)
	after, ok := g.router.Get("git")
	require.True(t, ok)
	require.NotSame(t, before, after)

	// An identical reload is a no-op.
	g.Reload(context.Background(), changed)
	unchanged, ok := g.router.Get("git")
	require.True(t, ok)
	require.Same(t, after, unchanged)
}

func TestSpecEqual(t *testing.T) {
	base := domain.UpstreamSpec{
		Name:    "git",
		Command: "uvx",
		Args:    []string{"mcp-server-git"},
		Env:     map[string]string{"A": "1"},
	}
	require.True(t, specEqual(base, base))

	altered := base
	altered.Args = []string{"mcp-server-git", "-v"}
	require.False(t, specEqual(base, altered))

	altered = base
	altered.Env = map[string]string{"A": "2"}
	require.False(t, specEqual(base, altered))

	altered = base
	altered.AllowTools = []string{"status"}
	require.False(t, specEqual(base, altered))
}

func TestErrorResultCarriesKindAndContext(t *testing.T) {
	err := &domain.Error{
		Kind:           domain.KindUnknownUpstream,
		Op:             "route",
		Upstream:       "nope",
		Message:        "upstream is not configured",
		KnownUpstreams: []string{"echo", "git"},
	}
	payload := struct {
		Error errorPayload `json:"error"`
	}{}
	result := errorResult(err)
	require.True(t, result.IsError)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	require.Equal(t, "UnknownUpstream", payload.Error.Kind)
	require.Equal(t, []string{"echo", "git"}, payload.Error.KnownUpstreams)
	require.True(t, strings.Contains(payload.Error.Message, "upstream is not configured"))
}
