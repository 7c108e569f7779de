package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

const clientName = "mcpgate"

// Connection owns one subordinate server: its process handle (behind the
// dialer's wire), the handshake, and the discovered catalog. One Connection
// exists per configured upstream for the lifetime of the gateway; the wire
// behind it is replaced across reconnects.
type Connection struct {
	spec           domain.UpstreamSpec
	dialer         domain.Dialer
	logger         *zap.Logger
	metrics        domain.Metrics
	connectTimeout time.Duration
	cooldown       time.Duration
	clientVersion  string
	catalog        *Catalog

	// connectMu serializes connect attempts and catalog refreshes; it is
	// never held during Invoke, so in-flight calls proceed concurrently.
	connectMu sync.Mutex

	mu            sync.Mutex
	state         domain.ConnState
	wire          domain.Wire
	stop          domain.StopFn
	lastFailureAt time.Time
}

type Options struct {
	Logger         *zap.Logger
	Metrics        domain.Metrics
	ConnectTimeout time.Duration
	Cooldown       time.Duration
	ClientVersion  string
}

func NewConnection(spec domain.UpstreamSpec, dialer domain.Dialer, opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = time.Duration(domain.DefaultConnectTimeoutSeconds) * time.Second
	}
	cooldown := opts.Cooldown
	if cooldown < 0 {
		cooldown = 0
	}
	version := opts.ClientVersion
	if version == "" {
		version = "0.1.0"
	}
	return &Connection{
		spec:           spec,
		dialer:         dialer,
		logger:         logger.Named("upstream").With(telemetry.UpstreamField(spec.Name)),
		metrics:        opts.Metrics,
		connectTimeout: connectTimeout,
		cooldown:       cooldown,
		clientVersion:  version,
		catalog:        NewCatalog(spec.Name),
		state:          domain.ConnDisconnected,
	}
}

func (c *Connection) Spec() domain.UpstreamSpec {
	return c.spec
}

func (c *Connection) Catalog() *Catalog {
	return c.catalog
}

// Snapshot is shorthand for the current catalog snapshot.
func (c *Connection) Snapshot() *domain.CatalogSnapshot {
	return c.catalog.Snapshot()
}

func (c *Connection) State() domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnsureReady connects the upstream if it is not already Ready. A failed
// upstream is not redialed within the cooldown window; callers get
// UpstreamUnavailable instead, so a crashed subordinate cannot cause a
// reconnect storm.
func (c *Connection) EnsureReady(ctx context.Context) error {
	if c.State() == domain.ConnReady {
		return nil
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	state := c.state
	lastFailure := c.lastFailureAt
	c.mu.Unlock()

	if state == domain.ConnReady {
		return nil
	}
	if state == domain.ConnFailed && c.cooldown > 0 {
		if remaining := c.cooldown - time.Since(lastFailure); remaining > 0 {
			return domain.E(domain.KindUpstreamUnavailable, "connect", c.spec.Name,
				fmt.Sprintf("reconnect on cooldown for another %s", remaining.Round(time.Millisecond)), nil)
		}
	}

	return c.connectLocked(ctx)
}

// connectLocked dials, handshakes, and discovers the catalog. The deferred
// cleanup runs on every failure path, panics during the handshake included.
func (c *Connection) connectLocked(ctx context.Context) (retErr error) {
	started := time.Now()
	c.logger.Info("upstream connect attempt",
		telemetry.EventField(telemetry.EventConnectAttempt),
	)
	c.setState(domain.ConnHandshaking)

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	var (
		wire      domain.Wire
		stop      domain.StopFn
		connected bool
	)
	defer func() {
		if connected {
			return
		}
		if wire != nil {
			_ = wire.Close()
		}
		if stop != nil {
			_ = stop(context.Background())
		}
		c.recordFailure()
		if c.metrics != nil {
			c.metrics.ObserveConnect(c.spec.Name, time.Since(started), retErr)
		}
		c.logger.Warn("upstream connect failed",
			telemetry.EventField(telemetry.EventConnectFailure),
			telemetry.DurationField(time.Since(started)),
			zap.Error(retErr),
		)
	}()

	wire, stop, err := c.dialer.Dial(dialCtx, c.spec)
	if err != nil {
		return domain.E(domain.KindConnection, "connect", c.spec.Name, "", err)
	}

	if err := c.handshake(dialCtx, wire); err != nil {
		c.logger.Warn("upstream handshake failed",
			telemetry.EventField(telemetry.EventHandshakeFailure),
			zap.Error(err),
		)
		return err
	}

	if err := c.refreshCatalogOn(dialCtx, wire); err != nil {
		return err
	}

	c.mu.Lock()
	c.wire = wire
	c.stop = stop
	c.state = domain.ConnReady
	c.mu.Unlock()
	c.observeState(domain.ConnReady)
	connected = true

	go c.watchCrash(wire)

	if c.metrics != nil {
		c.metrics.ObserveConnect(c.spec.Name, time.Since(started), nil)
	}
	c.logger.Info("upstream connected",
		telemetry.EventField(telemetry.EventConnectSuccess),
		telemetry.DurationField(time.Since(started)),
		zap.Int("tools", c.catalog.Snapshot().Len()),
	)
	return nil
}

func (c *Connection) handshake(ctx context.Context, wire domain.Wire) error {
	params := &mcp.InitializeParams{
		ProtocolVersion: domain.DefaultProtocolVersion,
		ClientInfo: &mcp.Implementation{
			Name:    clientName,
			Version: c.clientVersion,
		},
		Capabilities: &mcp.ClientCapabilities{},
	}

	raw, err := c.roundTrip(ctx, wire, "initialize", params)
	if err != nil {
		return domain.E(domain.KindConnection, "initialize", c.spec.Name, "", err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.E(domain.KindConnection, "initialize", c.spec.Name, "malformed initialize result", err)
	}
	if result.ProtocolVersion == "" {
		return domain.E(domain.KindConnection, "initialize", c.spec.Name, "missing protocolVersion", nil)
	}
	if result.ServerInfo == nil || result.ServerInfo.Name == "" {
		return domain.E(domain.KindConnection, "initialize", c.spec.Name, "missing serverInfo", nil)
	}
	if result.Capabilities == nil {
		return domain.E(domain.KindConnection, "initialize", c.spec.Name, "missing capabilities", nil)
	}
	if result.ProtocolVersion != domain.DefaultProtocolVersion {
		c.logger.Debug("upstream negotiated different protocol version",
			zap.String("version", result.ProtocolVersion),
		)
	}

	if err := wire.Notify(ctx, "notifications/initialized", nil); err != nil {
		return domain.E(domain.KindConnection, "initialize", c.spec.Name, "send initialized notification", err)
	}
	return nil
}

// Invoke forwards one action call to the subordinate and returns its result
// payload verbatim (the raw tools/call result frame).
func (c *Connection) Invoke(ctx context.Context, action string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	wire := c.wire
	state := c.state
	c.mu.Unlock()
	if state != domain.ConnReady || wire == nil {
		return nil, domain.E(domain.KindConnection, "invoke", c.spec.Name, "connection is not ready", nil)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if params == nil {
		params = json.RawMessage(`{}`)
	}
	raw, err := c.roundTrip(callCtx, wire, "tools/call", &mcp.CallToolParams{
		Name:      action,
		Arguments: params,
	})
	if err != nil {
		return nil, c.mapInvokeError(ctx, wire, action, err)
	}
	return raw, nil
}

func (c *Connection) mapInvokeError(parent context.Context, wire domain.Wire, action string, err error) error {
	if kind, ok := domain.KindFrom(err); ok && kind == domain.KindUpstreamError {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		c.logger.Warn("invoke timed out",
			telemetry.EventField(telemetry.EventInvokeTimeout),
			telemetry.ActionField(action),
		)
		return domain.E(domain.KindInvokeTimeout, "invoke", c.spec.Name,
			fmt.Sprintf("no response for %q within deadline", action), err)
	}
	if wire.Err() != nil || errors.Is(err, domain.ErrConnectionClosed) {
		c.failWire(wire)
		return domain.E(domain.KindUpstreamCrashed, "invoke", c.spec.Name,
			fmt.Sprintf("upstream exited while %q was pending", action), err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.E(domain.KindProtocol, "invoke", c.spec.Name, "", err)
}

// roundTrip issues one request with a fresh id and returns the raw result.
// Structured error frames from the subordinate come back as UpstreamError.
func (c *Connection) roundTrip(ctx context.Context, wire domain.Wire, method string, params any) (json.RawMessage, error) {
	id, err := jsonrpc.MakeID(fmt.Sprintf("%s-%s", clientName, uuid.NewString()))
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}

	resp, err := wire.Call(ctx, &jsonrpc.Request{ID: id, Method: method, Params: rawParams})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, domain.E(domain.KindUpstreamError, method, c.spec.Name, "", resp.Error)
	}
	if len(resp.Result) == 0 {
		return nil, fmt.Errorf("%s response missing result", method)
	}
	return resp.Result, nil
}

// RefreshCatalog rebuilds the catalog on a Ready connection. It does not
// retry; retry policy belongs to the caller.
func (c *Connection) RefreshCatalog(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	wire := c.wire
	state := c.state
	c.mu.Unlock()
	if state != domain.ConnReady || wire == nil {
		return domain.E(domain.KindDiscovery, "refresh", c.spec.Name, "connection is not ready", nil)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	return c.refreshCatalogOn(refreshCtx, wire)
}

func (c *Connection) refreshCatalogOn(ctx context.Context, wire domain.Wire) error {
	started := time.Now()

	tools, err := c.listTools(ctx, wire)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ObserveDiscovery(c.spec.Name, 0, time.Since(started), err)
		}
		c.logger.Warn("catalog discovery failed",
			telemetry.EventField(telemetry.EventDiscoveryFailure),
			zap.Error(err),
		)
		if _, ok := domain.KindFrom(err); ok {
			return err
		}
		return domain.E(domain.KindDiscovery, "discover", c.spec.Name, "", err)
	}

	descriptors := make([]domain.ToolDescriptor, 0, len(tools))
	for _, tool := range tools {
		if tool == nil || tool.Name == "" {
			continue
		}
		if !c.spec.ToolAllowed(tool.Name) {
			continue
		}
		desc := domain.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
		}
		if tool.InputSchema != nil {
			if raw, err := json.Marshal(tool.InputSchema); err == nil {
				desc.InputSchema = raw
			}
		}
		descriptors = append(descriptors, desc)
	}

	snap := domain.NewCatalogSnapshot(c.spec.Name, descriptors, time.Now())
	c.catalog.replace(snap)
	if c.metrics != nil {
		c.metrics.ObserveDiscovery(c.spec.Name, snap.Len(), time.Since(started), nil)
	}
	c.logger.Info("catalog discovered",
		telemetry.EventField(telemetry.EventDiscoverySuccess),
		telemetry.DurationField(time.Since(started)),
		zap.Int("tools", snap.Len()),
	)
	return nil
}

func (c *Connection) listTools(ctx context.Context, wire domain.Wire) ([]*mcp.Tool, error) {
	var tools []*mcp.Tool
	cursor := ""
	for {
		raw, err := c.roundTrip(ctx, wire, "tools/list", &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var result mcp.ListToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode tools/list result: %w", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

// watchCrash transitions to Failed when the wire dies underneath us, e.g.
// the process exits between calls.
func (c *Connection) watchCrash(wire domain.Wire) {
	<-wire.Done()
	if errors.Is(wire.Err(), domain.ErrConnectionClosed) {
		// Closed by us.
		return
	}
	if c.failWire(wire) {
		c.logger.Warn("upstream crashed",
			telemetry.EventField(telemetry.EventUpstreamCrashed),
			zap.Error(wire.Err()),
		)
	}
}

// failWire marks the connection Failed if wire is still the current one.
// A reconnect that already replaced the wire is left untouched.
func (c *Connection) failWire(wire domain.Wire) bool {
	c.mu.Lock()
	if c.wire != wire {
		c.mu.Unlock()
		return false
	}
	c.wire = nil
	c.stop = nil
	c.state = domain.ConnFailed
	c.lastFailureAt = time.Now()
	c.mu.Unlock()
	c.observeState(domain.ConnFailed)
	_ = wire.Close()
	return true
}

// Close tears the connection down. Always attempted on shutdown regardless
// of state; safe to call repeatedly.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	wire := c.wire
	stop := c.stop
	c.wire = nil
	c.stop = nil
	c.state = domain.ConnDisconnected
	c.mu.Unlock()
	c.observeState(domain.ConnDisconnected)

	if wire == nil && stop == nil {
		return nil
	}
	if c.metrics != nil {
		c.metrics.ObserveClose(c.spec.Name)
	}

	var errs []error
	if wire != nil {
		if err := wire.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if stop != nil {
		if err := stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		c.logger.Warn("upstream close failed",
			telemetry.EventField(telemetry.EventStopFailure),
			zap.Errors("errors", errs),
		)
		return errs[0]
	}
	c.logger.Info("upstream closed",
		telemetry.EventField(telemetry.EventStopSuccess),
	)
	return nil
}

func (c *Connection) recordFailure() {
	c.mu.Lock()
	c.state = domain.ConnFailed
	c.lastFailureAt = time.Now()
	c.mu.Unlock()
	c.observeState(domain.ConnFailed)
}

func (c *Connection) setState(state domain.ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.observeState(state)
}

func (c *Connection) observeState(state domain.ConnState) {
	if c.metrics != nil {
		c.metrics.SetConnectionState(c.spec.Name, state)
	}
}
