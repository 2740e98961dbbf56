package templating

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/Kocoro-lab/comfyflow/internal/metrics"
	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// DefaultCacheSize bounds the processing cache when no size is configured.
const DefaultCacheSize = 256

type cacheEntry struct {
	key     string
	done    chan struct{}
	graph   *workflow.Graph
	ledger  *Ledger
	settled bool
	elem    *list.Element
}

// Cache memoizes processing results keyed by template and parameter
// fingerprint. Concurrent callers for the same key share one computation.
// Eviction drops the oldest settled entry; entries still being computed are
// never evicted, so the cache may briefly exceed its capacity.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*cacheEntry
	order    *list.List
}

// NewCache returns a cache holding at most capacity settled results.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*cacheEntry),
		order:    list.New(),
	}
}

// CacheKey derives the cache key for a template and parameter set.
func CacheKey(g *workflow.Graph, p params.Parameters) (string, error) {
	body, err := workflow.Encode(g)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]) + ":" + p.Fingerprint(), nil
}

// Do returns the cached result for key, computing it with fn on a miss. The
// returned graph and ledger are private copies. hit reports whether fn was
// skipped.
func (c *Cache) Do(key string, fn func() (*workflow.Graph, *Ledger)) (*workflow.Graph, *Ledger, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		<-e.done
		if e.graph != nil {
			metrics.ProcessingCacheEvents.WithLabelValues("hit").Inc()
			return e.graph.Clone(), e.ledger.Clone(), true
		}
		// the owning computation panicked; compute without caching
		g, l := fn()
		return g, l, false
	}
	e := &cacheEntry{key: key, done: make(chan struct{})}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
	c.evictLocked()
	c.mu.Unlock()
	metrics.ProcessingCacheEvents.WithLabelValues("miss").Inc()

	defer func() {
		if e.settled {
			return
		}
		c.mu.Lock()
		c.removeLocked(e)
		c.mu.Unlock()
		close(e.done)
	}()

	g, l := fn()

	c.mu.Lock()
	e.graph, e.ledger = g.Clone(), l.Clone()
	e.settled = true
	c.evictLocked()
	c.mu.Unlock()
	close(e.done)

	return g, l, false
}

// Len reports the number of entries, including in-flight ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether key has an entry.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Purge drops every settled entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.settled {
			c.removeLocked(e)
		}
	}
}

func (c *Cache) evictLocked() {
	for el := c.order.Front(); el != nil && len(c.entries) > c.capacity; {
		next := el.Next()
		e := el.Value.(*cacheEntry)
		if e.settled {
			c.removeLocked(e)
			metrics.ProcessingCacheEvents.WithLabelValues("evict").Inc()
		}
		el = next
	}
}

func (c *Cache) removeLocked(e *cacheEntry) {
	if cur, ok := c.entries[e.key]; ok && cur == e {
		delete(c.entries, e.key)
	}
	if e.elem != nil {
		c.order.Remove(e.elem)
		e.elem = nil
	}
}
