package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

// Conn correlates JSON-RPC calls with responses over one mcp.Connection. A
// single reader goroutine drains the subordinate's output; writes are
// serialized so frames are never interleaved mid-write. Any number of Call
// invocations may be in flight concurrently.
type Conn struct {
	conn   mcp.Connection
	logger *zap.Logger
	notify domain.NotificationHandler

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan callResult

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	failure   error
}

type ConnOptions struct {
	Logger         *zap.Logger
	OnNotification domain.NotificationHandler
}

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

func NewConn(conn mcp.Connection, opts ConnOptions) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:    conn,
		logger:  logger,
		notify:  opts.OnNotification,
		pending: make(map[string]chan callResult),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

func (c *Conn) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req == nil || !req.ID.IsValid() {
		return nil, errors.New("request id is required")
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	key, err := idKey(req.ID)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan callResult, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, domain.ErrConnectionClosed
	}
	if _, exists := c.pending[key]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("request id already pending: %s", key)
	}
	c.pending[key] = resultCh
	c.mu.Unlock()

	if err := c.write(ctx, req); err != nil {
		c.removePending(key)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		return result.resp, nil
	case <-ctx.Done():
		// A response arriving for this id from now on is dropped by the
		// reader loop, never delivered to another waiter.
		c.removePending(key)
		return nil, ctx.Err()
	}
}

func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(method) == "" {
		return errors.New("method is required")
	}
	var rawParams json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		rawParams = raw
	}
	req := &jsonrpc.Request{
		Method: method,
		Params: rawParams,
	}
	if err := c.write(ctx, req); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (c *Conn) Close() error {
	return c.shutdown(domain.ErrConnectionClosed)
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection is unusable, or nil while it is live.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.failure
	default:
		return nil
	}
}

func (c *Conn) write(ctx context.Context, msg jsonrpc.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, msg)
}

func (c *Conn) shutdown(cause error) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.failure = cause
		c.mu.Unlock()
		close(c.done)
		c.cancel()
		closeErr = c.conn.Close()
		c.failPending(cause)
	})
	return closeErr
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			_ = c.shutdown(fmt.Errorf("read: %w", err))
			return
		}
		switch typed := msg.(type) {
		case *jsonrpc.Response:
			c.dispatchResponse(typed)
		case *jsonrpc.Request:
			if typed.ID.IsValid() {
				c.rejectServerCall(ctx, typed)
				continue
			}
			c.handleNotification(typed)
		}
	}
}

func (c *Conn) dispatchResponse(resp *jsonrpc.Response) {
	key, err := idKey(resp.ID)
	if err != nil {
		c.logger.Debug("drop response with invalid id", zap.Error(err))
		return
	}
	c.mu.Lock()
	ch := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("drop response with no pending call",
			telemetry.EventField(telemetry.EventLateResponse),
			telemetry.RequestIDField(key),
		)
		return
	}
	ch <- callResult{resp: resp}
}

// rejectServerCall answers server-to-client requests (sampling, elicitation)
// with method-not-found; the gateway proxies tools only.
func (c *Conn) rejectServerCall(ctx context.Context, req *jsonrpc.Request) {
	resp := newMethodNotFoundResponse(req.ID)
	if err := c.write(ctx, resp); err != nil {
		c.logger.Warn("respond to server call failed", zap.String("method", req.Method), zap.Error(err))
	}
}

func (c *Conn) handleNotification(req *jsonrpc.Request) {
	switch req.Method {
	case "notifications/tools/list_changed":
		// Catalogs refresh on reconnect or explicit refresh only; the
		// notification is surfaced to the handler for logging.
	}
	if c.notify != nil {
		c.notify(req.Method, req.Params)
	}
}

func (c *Conn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// removePending is idempotent: the reader loop and a timed-out caller may
// race on the same id.
func (c *Conn) removePending(key string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, key)
	}
	c.mu.Unlock()
}

func idKey(id jsonrpc.ID) (string, error) {
	if !id.IsValid() {
		return "", errors.New("missing request id")
	}
	raw := id.Raw()
	switch typed := raw.(type) {
	case string:
		return "s:" + typed, nil
	case float64:
		return fmt.Sprintf("n:%v", typed), nil
	case int:
		return fmt.Sprintf("n:%v", typed), nil
	case int64:
		return fmt.Sprintf("n:%v", typed), nil
	case json.Number:
		return "n:" + typed.String(), nil
	default:
		return "", fmt.Errorf("unsupported id type %T", raw)
	}
}

func newMethodNotFoundResponse(id jsonrpc.ID) *jsonrpc.Response {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      id.Raw(),
		"error": map[string]any{
			"code":    -32601,
			"message": "method not found",
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return &jsonrpc.Response{ID: id, Error: errors.New("method not found")}
	}
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return &jsonrpc.Response{ID: id, Error: errors.New("method not found")}
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return &jsonrpc.Response{ID: id, Error: errors.New("method not found")}
	}
	return resp
}

var _ domain.Wire = (*Conn)(nil)
