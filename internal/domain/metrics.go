package domain

import "time"

// Metrics receives gateway observations. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveRoute(upstream string, duration time.Duration, err error)
	ObserveConnect(upstream string, duration time.Duration, err error)
	ObserveClose(upstream string)
	ObserveDiscovery(upstream string, tools int, duration time.Duration, err error)
	SetConnectionState(upstream string, state ConnState)
}
