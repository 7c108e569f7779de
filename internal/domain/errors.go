package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the outward-facing failure taxonomy. Every failure returned
// through the front door carries exactly one kind plus a human-readable
// message.
type ErrorKind string

const (
	// KindConnection: the subprocess failed to start or the handshake
	// failed or timed out.
	KindConnection ErrorKind = "ConnectionError"

	// KindUpstreamCrashed: the process exited while a call was pending.
	KindUpstreamCrashed ErrorKind = "UpstreamCrashed"

	// KindInvokeTimeout: no response within the invoke deadline.
	KindInvokeTimeout ErrorKind = "InvokeTimeout"

	// KindProtocol: malformed or unmatched frame.
	KindProtocol ErrorKind = "ProtocolError"

	// KindUnknownUpstream: the upstream name is not configured.
	KindUnknownUpstream ErrorKind = "UnknownUpstream"

	// KindUpstreamUnavailable: a reconnect attempt already failed within
	// the cooldown window.
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"

	// KindUnknownAction: the action is absent from the upstream's catalog.
	KindUnknownAction ErrorKind = "UnknownAction"

	// KindDiscovery: the tools listing call failed.
	KindDiscovery ErrorKind = "DiscoveryError"

	// KindUpstreamError: the subordinate answered with a structured error
	// frame (as opposed to a malformed one).
	KindUpstreamError ErrorKind = "UpstreamError"
)

var ErrConnectionClosed = errors.New("connection closed")

// Error is the gateway's structured error. KnownUpstreams and KnownActions
// give the caller enough context to self-correct on validation failures.
type Error struct {
	Kind           ErrorKind
	Op             string
	Upstream       string
	Message        string
	Cause          error
	KnownUpstreams []string
	KnownActions   []string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	prefix := string(e.Kind)
	if e.Upstream != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Kind, e.Upstream)
	}
	if e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Op, prefix)
	}
	if msg == "" {
		return prefix
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// E builds an Error. An empty message falls back to the cause's message.
func E(kind ErrorKind, op, upstream, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Kind:     kind,
		Op:       op,
		Upstream: upstream,
		Message:  msg,
		Cause:    cause,
	}
}

// Wrap attaches a kind to err unless err already carries one.
func Wrap(kind ErrorKind, op, upstream string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return E(kind, op, upstream, "", err)
}

// KindFrom extracts the failure kind from any error in the chain.
func KindFrom(err error) (ErrorKind, bool) {
	if err == nil {
		return "", false
	}
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Kind != "" {
		return gwErr.Kind, true
	}
	return "", false
}

// AsError returns the structured error in the chain, if any.
func AsError(err error) (*Error, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}
