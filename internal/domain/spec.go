package domain

// UpstreamSpec is the immutable description of one subordinate server.
// Constructed from configuration at load time and never mutated.
type UpstreamSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	// AllowTools restricts the discovered catalog to the listed action
	// names. Empty means every discovered action is exposed.
	AllowTools []string
}

// ToolAllowed reports whether the allowlist admits the action. Matching is
// exact and case-sensitive, like all action matching in the gateway.
func (s UpstreamSpec) ToolAllowed(action string) bool {
	if len(s.AllowTools) == 0 {
		return true
	}
	for _, allowed := range s.AllowTools {
		if allowed == action {
			return true
		}
	}
	return false
}

// StartupMode decides when upstream connections are established.
type StartupMode string

const (
	// StartupLazy connects an upstream on its first routed call.
	StartupLazy StartupMode = "lazy"

	// StartupEager connects every upstream at gateway start.
	StartupEager StartupMode = "eager"
)

// RuntimeConfig carries the gateway-wide tunables.
type RuntimeConfig struct {
	RouteTimeoutSeconds      int
	ConnectTimeoutSeconds    int
	ReconnectCooldownSeconds int
	Startup                  StartupMode
	BootstrapConcurrency     int
	Observability            ObservabilityConfig
}

// ObservabilityConfig configures the metrics/health endpoint. An empty
// listen address disables the endpoint.
type ObservabilityConfig struct {
	ListenAddress string
}

// GatewayConfig is the fully validated configuration: one spec per upstream
// name plus the runtime tunables.
type GatewayConfig struct {
	Upstreams map[string]UpstreamSpec
	Runtime   RuntimeConfig
}
