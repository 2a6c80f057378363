// Package cache implements the L1 response cache (§4.5): a bounded,
// in-process fingerprint-to-response map backed by otter's W-TinyLFU
// eviction.
package cache

import (
	"fmt"

	"github.com/maypok86/otter/v2"

	gateway "github.com/relaygate/gateway/internal"
)

// ResponseCache is the bounded L1 response cache (§4.5): a fixed-size,
// W-TinyLFU-evicted map from request-body-hash fingerprint to the
// materialized cached response. No TTL -- eviction is purely size-driven,
// since a RequestLog row never becomes stale on its own.
type ResponseCache struct {
	cache *otter.Cache[string, gateway.CachedResponse]
}

// NewResponseCache creates an L1 response cache bounded at maxSize entries.
func NewResponseCache(maxSize int) (*ResponseCache, error) {
	c, err := otter.New[string, gateway.CachedResponse](&otter.Options[string, gateway.CachedResponse]{
		MaximumSize: maxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	return &ResponseCache{cache: c}, nil
}

// Get returns the cached response for fingerprint, if present.
func (r *ResponseCache) Get(fingerprint string) (gateway.CachedResponse, bool) {
	return r.cache.GetIfPresent(fingerprint)
}

// Set inserts or replaces the cached response for fingerprint.
func (r *ResponseCache) Set(fingerprint string, resp gateway.CachedResponse) {
	r.cache.Set(fingerprint, resp)
}
