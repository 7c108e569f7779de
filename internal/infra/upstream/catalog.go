package upstream

import (
	"sync/atomic"
	"time"

	"mcpgate/internal/domain"
)

// Catalog holds the current discovered action set of one upstream. The
// snapshot is replaced atomically on refresh, so readers never block on a
// rebuild in progress; refresh serialization is the connection's job.
type Catalog struct {
	upstream string
	snap     atomic.Pointer[domain.CatalogSnapshot]
}

func NewCatalog(upstream string) *Catalog {
	c := &Catalog{upstream: upstream}
	c.snap.Store(domain.NewCatalogSnapshot(upstream, nil, time.Time{}))
	return c
}

func (c *Catalog) Snapshot() *domain.CatalogSnapshot {
	return c.snap.Load()
}

func (c *Catalog) Lookup(action string) (domain.ToolDescriptor, bool) {
	return c.snap.Load().Lookup(action)
}

// Populated reports whether discovery has succeeded at least once.
func (c *Catalog) Populated() bool {
	return !c.snap.Load().FetchedAt.IsZero()
}

func (c *Catalog) replace(snap *domain.CatalogSnapshot) {
	c.snap.Store(snap)
}
