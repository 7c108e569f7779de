package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/router"
	"mcpgate/internal/infra/telemetry"
	"mcpgate/internal/infra/upstream"
)

const serverName = "mcpgate"

type Options struct {
	Logger  *zap.Logger
	Metrics domain.Metrics
	Dialer  domain.Dialer
	Version string
}

// Gateway is the process-wide front door: it owns one Connection per
// configured upstream and exposes exactly one use_<name> proxy tool each
// over the stdio transport.
type Gateway struct {
	logger  *zap.Logger
	metrics domain.Metrics
	dialer  domain.Dialer
	version string

	runtime domain.RuntimeConfig
	router  *router.Router
	server  *mcp.Server

	mu    sync.Mutex
	conns map[string]*upstream.Connection
}

func New(cfg domain.GatewayConfig, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := opts.Version
	if version == "" {
		version = "0.1.0"
	}

	g := &Gateway{
		logger:  logger.Named("gateway"),
		metrics: opts.Metrics,
		dialer:  opts.Dialer,
		version: version,
		runtime: cfg.Runtime,
		router: router.New(router.Options{
			Logger:       logger,
			Metrics:      opts.Metrics,
			RouteTimeout: time.Duration(cfg.Runtime.RouteTimeoutSeconds) * time.Second,
		}),
		conns: make(map[string]*upstream.Connection),
	}
	for name, spec := range cfg.Upstreams {
		g.addUpstreamLocked(name, spec)
	}
	return g
}

func (g *Gateway) newConnection(spec domain.UpstreamSpec) *upstream.Connection {
	return upstream.NewConnection(spec, g.dialer, upstream.Options{
		Logger:         g.logger,
		Metrics:        g.metrics,
		ConnectTimeout: time.Duration(g.runtime.ConnectTimeoutSeconds) * time.Second,
		Cooldown:       time.Duration(g.runtime.ReconnectCooldownSeconds) * time.Second,
		ClientVersion:  g.version,
	})
}

// addUpstreamLocked wires a new upstream into the router and, when the
// server is already up, registers its proxy tool. Callers hold g.mu or run
// before Run.
func (g *Gateway) addUpstreamLocked(name string, spec domain.UpstreamSpec) {
	conn := g.newConnection(spec)
	g.conns[name] = conn
	g.router.Register(name, conn)
	if g.server != nil {
		g.registerProxyTool(name, conn)
	}
}

// startServer builds the mcp.Server and registers every proxy tool on it.
// Returns the connection list for eager bootstrap.
func (g *Gateway) startServer() []*upstream.Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.server = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: g.version,
	}, &mcp.ServerOptions{
		HasTools: true,
	})
	for name, conn := range g.conns {
		g.registerProxyTool(name, conn)
	}
	return g.connList()
}

// Run serves the front door over stdio until ctx is done, then closes every
// upstream regardless of individual failures.
func (g *Gateway) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conns := g.startServer()
	if g.runtime.Startup == domain.StartupEager {
		g.bootstrap(runCtx, conns)
	}

	g.logger.Info("gateway starting (stdio transport)",
		zap.Int("upstreams", len(conns)),
		zap.String("startup", string(g.runtime.Startup)),
	)
	err := g.server.Run(runCtx, &mcp.StdioTransport{})

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	g.CloseAll(closeCtx)
	return err
}

// bootstrap connects upstreams ahead of the first call, a bounded number at
// a time. Failures are logged and left for the cooldown/reconnect path.
func (g *Gateway) bootstrap(ctx context.Context, conns []*upstream.Connection) {
	concurrency := g.runtime.BootstrapConcurrency
	if concurrency <= 0 {
		concurrency = domain.DefaultBootstrapConcurrency
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		sem <- struct{}{}
		go func(c *upstream.Connection) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.EnsureReady(ctx); err != nil {
				g.logger.Warn("eager connect failed",
					telemetry.UpstreamField(c.Spec().Name),
					zap.Error(err),
				)
				return
			}
			g.refreshProxyDescription(c)
		}(conn)
	}
	wg.Wait()
}

func (g *Gateway) connList() []*upstream.Connection {
	conns := make([]*upstream.Connection, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	return conns
}

func (g *Gateway) registerProxyTool(name string, conn *upstream.Connection) {
	g.server.AddTool(proxyTool(name, conn.Snapshot()), g.proxyHandler(name))
}

// refreshProxyDescription re-registers the proxy tool so its description
// carries the freshly discovered action preview. AddTool replaces by name.
func (g *Gateway) refreshProxyDescription(conn *upstream.Connection) {
	name := conn.Spec().Name
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server == nil {
		return
	}
	if _, ok := g.conns[name]; !ok {
		return
	}
	g.registerProxyTool(name, conn)
}

// proxyTool builds the outward tool for one upstream. The schema is kept
// advisory (no required, no type constraint on params) so the handler can
// report malformed input as a structured error instead of the transport
// rejecting it.
func proxyTool(name string, snap *domain.CatalogSnapshot) *mcp.Tool {
	return &mcp.Tool{
		Name:        domain.ProxyToolPrefix + name,
		Description: describeProxy(name, snap),
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"action": {
					Description: "Action to invoke on the upstream server, or \"list\" for its catalog.",
				},
				"params": {
					Description: "Arguments for the action, passed through to the upstream unvalidated.",
				},
			},
		},
	}
}

type proxyArgs struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

func (g *Gateway) proxyHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args proxyArgs
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(domain.E(domain.KindProtocol, "route", name, "malformed proxy arguments", err)), nil
			}
		}
		if args.Action == "" {
			return errorResult(domain.E(domain.KindProtocol, "route", name, "action is required", nil)), nil
		}

		result, err := g.router.Route(ctx, name, args.Action, args.Params)
		if err != nil {
			return errorResult(err), nil
		}
		if result.Listing != nil {
			return listingResult(result.Listing)
		}

		var out mcp.CallToolResult
		if err := json.Unmarshal(result.Raw, &out); err != nil {
			return errorResult(domain.E(domain.KindProtocol, "route", name, "malformed call result from upstream", err)), nil
		}
		return &out, nil
	}
}

// Reload applies a changed configuration: upstreams are added, removed, or
// replaced when their spec changed. Runtime tunables only take effect for
// connections created after the reload.
func (g *Gateway) Reload(ctx context.Context, cfg domain.GatewayConfig) {
	g.mu.Lock()

	var added, removed, replaced []string
	var toClose []*upstream.Connection
	var toConnect []*upstream.Connection

	for name, conn := range g.conns {
		if _, keep := cfg.Upstreams[name]; !keep {
			removed = append(removed, name)
			toClose = append(toClose, conn)
			g.router.Deregister(name)
			delete(g.conns, name)
			if g.server != nil {
				g.server.RemoveTools(domain.ProxyToolPrefix + name)
			}
		}
	}

	for name, spec := range cfg.Upstreams {
		existing, ok := g.conns[name]
		if ok && specEqual(existing.Spec(), spec) {
			continue
		}
		if ok {
			replaced = append(replaced, name)
			toClose = append(toClose, existing)
		} else {
			added = append(added, name)
		}
		g.addUpstreamLocked(name, spec)
		toConnect = append(toConnect, g.conns[name])
	}

	g.runtime = cfg.Runtime
	g.mu.Unlock()

	for _, conn := range toClose {
		if err := conn.Close(ctx); err != nil {
			g.logger.Warn("close replaced upstream failed",
				telemetry.UpstreamField(conn.Spec().Name),
				zap.Error(err),
			)
		}
	}

	if len(added)+len(removed)+len(replaced) == 0 {
		return
	}
	g.logger.Info("configuration reloaded",
		telemetry.EventField(telemetry.EventReloadApplied),
		zap.Strings("added", added),
		zap.Strings("removed", removed),
		zap.Strings("replaced", replaced),
	)

	if g.runtime.Startup == domain.StartupEager && len(toConnect) > 0 {
		go g.bootstrap(ctx, toConnect)
	}
}

func specEqual(a, b domain.UpstreamSpec) bool {
	if a.Name != b.Name || a.Command != b.Command || a.Cwd != b.Cwd {
		return false
	}
	if len(a.Args) != len(b.Args) || len(a.Env) != len(b.Env) || len(a.AllowTools) != len(b.AllowTools) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}
	for i := range a.AllowTools {
		if a.AllowTools[i] != b.AllowTools[i] {
			return false
		}
	}
	return true
}

// States reports the connection state per upstream, for /healthz.
func (g *Gateway) States() map[string]domain.ConnState {
	g.mu.Lock()
	defer g.mu.Unlock()
	states := make(map[string]domain.ConnState, len(g.conns))
	for name, conn := range g.conns {
		states[name] = conn.State()
	}
	return states
}

// CloseAll tears down every upstream, attempting all of them regardless of
// individual failures.
func (g *Gateway) CloseAll(ctx context.Context) {
	g.mu.Lock()
	conns := g.connList()
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *upstream.Connection) {
			defer wg.Done()
			if err := c.Close(ctx); err != nil {
				g.logger.Warn("upstream close failed",
					telemetry.UpstreamField(c.Spec().Name),
					zap.Error(err),
				)
			}
		}(conn)
	}
	wg.Wait()
}
