package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Key namespaces shared by the engine.
const (
	NamespaceTx     = "tx:"
	NamespaceLLM    = "llm:"
	NamespacePrice  = "price:"
	NamespaceAddrTx = "addrtx:"
)

// Cloner lets cached values hand out copies instead of shared references.
type Cloner interface {
	Clone() any
}

// ResultCache is a process-wide key/value store with per-entry expiry. Expired entries
// read as absent; the janitor only reclaims memory.
type ResultCache struct {
	store *gocache.Cache
}

// New builds a cache whose janitor sweeps expired entries every cleanupInterval
// (disabled when <= 0).
func New(cleanupInterval time.Duration) *ResultCache {
	if cleanupInterval < 0 {
		cleanupInterval = 0
	}
	return &ResultCache{store: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Get returns the value stored under key when present and unexpired.
func (c *ResultCache) Get(key string) (any, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	return copyOf(v), true
}

// Set stores value under key. ttl <= 0 keeps the entry for the process lifetime.
func (c *ResultCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	c.store.Set(key, copyOf(value), ttl)
}

// Delete drops key.
func (c *ResultCache) Delete(key string) {
	c.store.Delete(key)
}

// Len reports the number of stored entries, expired ones included until swept.
func (c *ResultCache) Len() int {
	return c.store.ItemCount()
}

func copyOf(v any) any {
	switch typed := v.(type) {
	case Cloner:
		return typed.Clone()
	case []byte:
		out := make([]byte, len(typed))
		copy(out, typed)
		return out
	default:
		return v
	}
}

// Lookup is a typed Get; a value of another type reads as absent.
func Lookup[T any](c *ResultCache, key string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
