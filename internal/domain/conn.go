package domain

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// ConnState is the lifecycle state of an upstream connection. Transitions
// only move forward except Ready -> Failed (crash) and Failed -> Handshaking
// (reconnect after the cooldown window).
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnHandshaking  ConnState = "handshaking"
	ConnReady        ConnState = "ready"
	ConnFailed       ConnState = "failed"
)

// Wire is the framed request/response channel to a live subordinate process.
// Implementations run a single reader loop and correlate responses to calls
// by request id, so any number of calls may be in flight concurrently.
type Wire interface {
	// Call writes the request and suspends until the matching response
	// arrives, the context is done, or the connection fails. A response
	// arriving after the context is done is discarded, not delivered.
	Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)

	// Notify writes a notification (no id, no response expected).
	Notify(ctx context.Context, method string, params any) error

	Close() error

	// Done is closed when the wire is no longer usable; Err reports why.
	Done() <-chan struct{}
	Err() error
}

// StopFn tears down the subprocess behind a wire. Safe to call more than
// once.
type StopFn func(ctx context.Context) error

// Dialer spawns the subordinate process for a spec and returns its wire.
type Dialer interface {
	Dial(ctx context.Context, spec UpstreamSpec) (Wire, StopFn, error)
}

// NotificationHandler observes notifications pushed by a subordinate.
type NotificationHandler func(method string, params json.RawMessage)
