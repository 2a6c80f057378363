// Package auth implements gateway-key authentication for the inference
// gateway. Keys are validated against the store and cached in a W-TinyLFU
// cache, matching the teacher's otter-cached API-key auth pattern.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/relaygate/gateway/internal"
	"github.com/relaygate/gateway/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second
	cacheMaxLen = 10_000
)

// GatewayKeyAuth authenticates requests against gateway_keys. It caches
// resolved keys in an otter W-TinyLFU cache keyed by the raw secret value.
type GatewayKeyAuth struct {
	store storage.GatewayKeyStore
	cache *otter.Cache[string, *gateway.GatewayKey]
}

func NewGatewayKeyAuth(store storage.GatewayKeyStore) (*GatewayKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.GatewayKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.GatewayKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &GatewayKeyAuth{store: store, cache: c}, nil
}

// ExtractKey returns the raw key from "Authorization: Bearer <key>"
// (preferred) or the "x-api-key" header, per §4.2.
func ExtractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if trimmed, ok := strings.CutPrefix(auth, "Bearer "); ok && trimmed != "" {
			return trimmed
		}
	}
	return r.Header.Get("x-api-key")
}

// Authenticate resolves raw against gateway_keys where key=? and enabled.
func (a *GatewayKeyAuth) Authenticate(ctx context.Context, raw string) (*gateway.GatewayKey, error) {
	if raw == "" {
		return nil, gateway.ErrUnauthorized
	}

	if key, ok := a.cache.GetIfPresent(raw); ok {
		if !key.Enabled {
			a.cache.Invalidate(raw)
			return nil, gateway.ErrUnauthorized
		}
		return key, nil
	}

	key, err := a.store.GetGatewayKeyByValue(ctx, raw)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}
	a.cache.Set(raw, key)
	return key, nil
}

// Invalidate evicts a cached key (e.g. after an admin disables it).
func (a *GatewayKeyAuth) Invalidate(raw string) {
	a.cache.Invalidate(raw)
}
