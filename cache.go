package trellis

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// GraphProvider supplies the raw metadata graph, typically from a store.
// The provider returns a fully linked and validated Graph; trellis never
// parses metadata storage formats itself.
type GraphProvider interface {
	LoadGraph(ctx context.Context) (*Graph, error)
}

// GraphProviderFunc adapts a function to the GraphProvider interface.
type GraphProviderFunc func(ctx context.Context) (*Graph, error)

// LoadGraph calls f.
func (f GraphProviderFunc) LoadGraph(ctx context.Context) (*Graph, error) { return f(ctx) }

// graphSnapshot pairs an immutable graph with its rebuild deadline.
type graphSnapshot struct {
	graph     *Graph
	expiresAt time.Time // zero means never
}

// GraphCache caches the entity graph with a short TTL and lazy rebuild.
// Readers always observe a complete, immutable snapshot through an atomic
// pointer; rebuilds happen behind a single writer lock, and the old graph
// stays valid for requests that started before the swap.
type GraphCache struct {
	provider GraphProvider
	ttl      time.Duration // 0 means no expiry

	mu      sync.Mutex // guards rebuilds only, never readers
	current atomic.Pointer[graphSnapshot]
}

// GraphCacheOption configures a GraphCache.
type GraphCacheOption func(*GraphCache)

// WithGraphTTL sets the time-to-live for the cached graph. After the TTL
// elapses the next Graph call rebuilds; in-flight requests keep the graph
// they already hold. A TTL of 0 (default) never expires.
func WithGraphTTL(ttl time.Duration) GraphCacheOption {
	return func(c *GraphCache) {
		c.ttl = ttl
	}
}

// NewGraphCache creates a graph cache over the provider. The graph is not
// loaded until first use.
func NewGraphCache(p GraphProvider, opts ...GraphCacheOption) *GraphCache {
	c := &GraphCache{provider: p}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Graph returns the cached graph, loading or rebuilding it if needed.
// Concurrent callers during a rebuild block on the writer lock and then
// reuse the snapshot the winner installed.
func (c *GraphCache) Graph(ctx context.Context) (*Graph, error) {
	if snap := c.current.Load(); snap != nil && !snap.expired() {
		return snap.graph, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check: another caller may have rebuilt while we waited.
	if snap := c.current.Load(); snap != nil && !snap.expired() {
		return snap.graph, nil
	}

	g, err := c.provider.LoadGraph(ctx)
	if err != nil {
		// Keep serving the stale snapshot if one exists rather than taking
		// every request down with the metadata store.
		if snap := c.current.Load(); snap != nil {
			return snap.graph, nil
		}
		return nil, err
	}

	snap := &graphSnapshot{graph: g}
	if c.ttl > 0 {
		snap.expiresAt = time.Now().Add(c.ttl)
	}
	c.current.Store(snap)
	return g, nil
}

// Invalidate discards the cached snapshot; the next Graph call rebuilds.
func (c *GraphCache) Invalidate() {
	c.current.Store(nil)
}

func (s *graphSnapshot) expired() bool {
	return !s.expiresAt.IsZero() && time.Now().After(s.expiresAt)
}
