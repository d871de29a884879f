package mcp

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCatalogTTL is how long a server's tool listing is cached before a
// Get triggers a refresh (spec §4.8).
const DefaultCatalogTTL = 5 * time.Minute

type catalogEntry struct {
	tools     []ToolDescriptor
	fetchedAt time.Time
}

// Catalog caches each server's tools/list result for a bounded TTL, so
// repeated lookups (e.g. building a combined tool list for every incoming
// request) don't re-issue tools/list on every call. Concurrent refreshes of
// the same server id are coalesced into a single in-flight request (spec
// §4.8).
type Catalog struct {
	registry *Registry
	ttl      time.Duration
	clock    Clock

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]catalogEntry
}

// CatalogOption configures a Catalog at construction time.
type CatalogOption func(*Catalog)

// WithCatalogTTL overrides DefaultCatalogTTL.
func WithCatalogTTL(ttl time.Duration) CatalogOption {
	return func(c *Catalog) { c.ttl = ttl }
}

// WithCatalogClock overrides the default system clock -- the seam tests use
// to control TTL expiry deterministically.
func WithCatalogClock(clock Clock) CatalogOption {
	return func(c *Catalog) { c.clock = clock }
}

// NewCatalog returns a Catalog backed by registry.
func NewCatalog(registry *Registry, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		registry: registry,
		ttl:      DefaultCatalogTTL,
		clock:    SystemClock,
		entries:  make(map[string]catalogEntry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns serverID's cached tool list, refreshing it first if the entry
// is missing or older than the configured TTL. Concurrent Get calls for the
// same serverID during a refresh share the single underlying tools/list
// call rather than each issuing their own.
func (c *Catalog) Get(ctx context.Context, serverID string) ([]ToolDescriptor, error) {
	c.mu.Lock()
	entry, ok := c.entries[serverID]
	fresh := ok && c.clock.Now().Sub(entry.fetchedAt) < c.ttl
	c.mu.Unlock()

	if fresh {
		return entry.tools, nil
	}

	result, err, _ := c.group.Do(serverID, func() (any, error) {
		conn, err := c.registry.Get(serverID)
		if err != nil {
			return nil, err
		}
		tools, err := conn.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[serverID] = catalogEntry{tools: tools, fetchedAt: c.clock.Now()}
		c.mu.Unlock()
		return tools, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]ToolDescriptor), nil
}

// Invalidate discards the cached entry for serverID, forcing the next Get
// to refresh regardless of TTL.
func (c *Catalog) Invalidate(serverID string) {
	c.mu.Lock()
	delete(c.entries, serverID)
	c.mu.Unlock()
}

// InvalidateAll discards every cached entry.
func (c *Catalog) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]catalogEntry)
	c.mu.Unlock()
}
