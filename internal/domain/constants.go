package domain

const (
	DefaultProtocolVersion = "2025-11-25"

	DefaultRouteTimeoutSeconds      = 30
	DefaultConnectTimeoutSeconds    = 15
	DefaultReconnectCooldownSeconds = 30
	DefaultBootstrapConcurrency     = 3
	DefaultStartupMode              = StartupLazy

	// ReservedListAction is the pseudo-action that returns an upstream's
	// catalog instead of being forwarded to the subordinate.
	ReservedListAction = "list"

	// ProxyToolPrefix is the naming convention for the outward proxy
	// operation of each upstream: use_<name>.
	ProxyToolPrefix = "use_"
)
