package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldUpstream   = "upstream"
	FieldAction     = "action"
	FieldState      = "state"
	FieldDurationMs = "duration_ms"
	FieldRequestID  = "request_id"
)

const (
	EventConnectAttempt   = "connect_attempt"
	EventConnectSuccess   = "connect_success"
	EventConnectFailure   = "connect_failure"
	EventHandshakeFailure = "handshake_failure"
	EventDiscoverySuccess = "discovery_success"
	EventDiscoveryFailure = "discovery_failure"
	EventRouteError       = "route_error"
	EventInvokeTimeout    = "invoke_timeout"
	EventLateResponse     = "late_response"
	EventUpstreamCrashed  = "upstream_crashed"
	EventStopSuccess      = "stop_success"
	EventStopFailure      = "stop_failure"
	EventReloadApplied    = "reload_applied"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func UpstreamField(upstream string) zap.Field {
	return zap.String(FieldUpstream, upstream)
}

func ActionField(action string) zap.Field {
	return zap.String(FieldAction, action)
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func RequestIDField(value string) zap.Field {
	return zap.String(FieldRequestID, value)
}
