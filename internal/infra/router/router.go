package router

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

// Upstream is the slice of a connection the router needs: bring it up, call
// it, and read its discovered catalog.
type Upstream interface {
	EnsureReady(ctx context.Context) error
	Invoke(ctx context.Context, action string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	RefreshCatalog(ctx context.Context) error
	Snapshot() *domain.CatalogSnapshot
}

// Result is the outcome of one routed call. Exactly one of the two fields is
// set: Raw carries the subordinate's call result verbatim, Listing carries
// the catalog answered locally for the reserved list action.
type Result struct {
	Raw     json.RawMessage
	Listing *domain.CatalogSnapshot
}

type Options struct {
	Logger       *zap.Logger
	Metrics      domain.Metrics
	RouteTimeout time.Duration
}

// Router maps (upstreamName, action, params) onto the right connection. The
// upstream set is mutable so config reloads can add and remove entries while
// calls are in flight.
type Router struct {
	logger       *zap.Logger
	metrics      domain.Metrics
	routeTimeout time.Duration

	mu        sync.RWMutex
	upstreams map[string]Upstream
}

func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RouteTimeout
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultRouteTimeoutSeconds) * time.Second
	}
	return &Router{
		logger:       logger.Named("router"),
		metrics:      opts.Metrics,
		routeTimeout: timeout,
		upstreams:    make(map[string]Upstream),
	}
}

func (r *Router) Register(name string, up Upstream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreams[name] = up
}

func (r *Router) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.upstreams, name)
}

func (r *Router) Get(name string) (Upstream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	up, ok := r.upstreams[name]
	return up, ok
}

// Names returns the registered upstream names, sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.upstreams))
	for name := range r.upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// listParams is the only params shape the gateway itself interprets. All
// other params flow through opaquely.
type listParams struct {
	Refresh bool `json:"refresh"`
}

// Route is the single dispatch entry point. The reserved list action is
// answered from the catalog without touching the subordinate, unless a
// forced refresh is requested.
func (r *Router) Route(ctx context.Context, upstreamName, action string, params json.RawMessage) (Result, error) {
	started := time.Now()
	result, err := r.route(ctx, upstreamName, action, params)
	if r.metrics != nil {
		r.metrics.ObserveRoute(upstreamName, time.Since(started), err)
	}
	if err != nil {
		r.logger.Warn("route failed",
			telemetry.EventField(telemetry.EventRouteError),
			telemetry.UpstreamField(upstreamName),
			telemetry.ActionField(action),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
	}
	return result, err
}

func (r *Router) route(ctx context.Context, upstreamName, action string, params json.RawMessage) (Result, error) {
	up, ok := r.Get(upstreamName)
	if !ok {
		return Result{}, &domain.Error{
			Kind:           domain.KindUnknownUpstream,
			Op:             "route",
			Upstream:       upstreamName,
			Message:        "upstream is not configured",
			KnownUpstreams: r.Names(),
		}
	}

	if action == domain.ReservedListAction {
		return r.list(ctx, upstreamName, up, params)
	}

	if err := up.EnsureReady(ctx); err != nil {
		return Result{}, err
	}

	snap := up.Snapshot()
	if _, ok := snap.Lookup(action); !ok {
		return Result{}, &domain.Error{
			Kind:         domain.KindUnknownAction,
			Op:           "route",
			Upstream:     upstreamName,
			Message:      "action is not in the upstream's catalog",
			KnownActions: snap.Actions(),
		}
	}

	raw, err := up.Invoke(ctx, action, params, r.routeTimeout)
	if err != nil {
		return Result{}, err
	}
	return Result{Raw: raw}, nil
}

func (r *Router) list(ctx context.Context, upstreamName string, up Upstream, params json.RawMessage) (Result, error) {
	if err := up.EnsureReady(ctx); err != nil {
		return Result{}, err
	}

	var p listParams
	if len(params) > 0 {
		// Unknown fields are ignored, matching the opaque-params policy.
		if err := json.Unmarshal(params, &p); err != nil {
			return Result{}, domain.E(domain.KindProtocol, "list", upstreamName, "malformed list params", err)
		}
	}
	if p.Refresh {
		if err := up.RefreshCatalog(ctx); err != nil {
			return Result{}, err
		}
	}
	return Result{Listing: up.Snapshot()}, nil
}
