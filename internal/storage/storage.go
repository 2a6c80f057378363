// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/relaygate/gateway/internal"
)

// ProviderStore manages provider, endpoint, and provider-key persistence.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.Provider) error
	GetProvider(ctx context.Context, id string) (*gateway.Provider, error)
	GetProviderByBrief(ctx context.Context, brief string) (*gateway.Provider, error)
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	UpdateProvider(ctx context.Context, p *gateway.Provider) error
	DeleteProvider(ctx context.Context, id string) error
	IncrementProviderUsage(ctx context.Context, id string) error

	CreateEndpoint(ctx context.Context, e *gateway.ProviderEndpoint) error
	GetEndpoint(ctx context.Context, id string) (*gateway.ProviderEndpoint, error)
	ListEndpoints(ctx context.Context, providerID string) ([]*gateway.ProviderEndpoint, error)
	FindEndpoint(ctx context.Context, providerID string, apiType gateway.ApiType) (*gateway.ProviderEndpoint, error)
	UpdateEndpoint(ctx context.Context, e *gateway.ProviderEndpoint) error
	DeleteEndpoint(ctx context.Context, id string) error

	CreateProviderKey(ctx context.Context, k *gateway.ProviderKey) error
	GetProviderKey(ctx context.Context, id string) (*gateway.ProviderKey, error)
	ListProviderKeys(ctx context.Context, providerID string) ([]*gateway.ProviderKey, error)
	ListEligibleProviderKeys(ctx context.Context, providerID string, now time.Time) ([]*gateway.ProviderKey, error)
	UpdateProviderKey(ctx context.Context, k *gateway.ProviderKey) error
	DeleteProviderKey(ctx context.Context, id string) error
	IncrementProviderKeyUsage(ctx context.Context, id string) error
	DisableProviderKey(ctx context.Context, id string) error
	OpenCircuit(ctx context.Context, id string, until time.Time) error
}

// RouteStore manages alias and alias-target persistence and resolution.
type RouteStore interface {
	CreateAlias(ctx context.Context, a *gateway.Alias) error
	GetAlias(ctx context.Context, id string) (*gateway.Alias, error)
	GetAliasByName(ctx context.Context, name string) (*gateway.Alias, error)
	ListAliases(ctx context.Context) ([]*gateway.Alias, error)
	UpdateAlias(ctx context.Context, a *gateway.Alias) error
	DeleteAlias(ctx context.Context, id string) error

	CreateAliasTarget(ctx context.Context, t *gateway.AliasTarget) error
	GetAliasTarget(ctx context.Context, id string) (*gateway.AliasTarget, error)
	ListAliasTargets(ctx context.Context, aliasID string) ([]*gateway.AliasTarget, error)
	UpdateAliasTarget(ctx context.Context, t *gateway.AliasTarget) error
	DeleteAliasTarget(ctx context.Context, id string) error
	IncrementAliasTargetUsage(ctx context.Context, id string) error

	// ResolveAlias returns the routing candidates for an alias name and
	// api type, joined with provider/endpoint and ordered by ascending
	// provider.usage_count then provider.id, matching the load-balancing
	// policy used by the router.
	ResolveAlias(ctx context.Context, aliasName string, apiType gateway.ApiType) ([]*ResolvedAliasRow, error)
}

// ResolvedAliasRow is one candidate routing target returned by ResolveAlias.
type ResolvedAliasRow struct {
	AliasTargetID string
	ProviderID    string
	ProviderName  string
	EndpointURL   string
	EndpointAuth  gateway.AuthMode
	AWSRegion     string
	AWSService    string
	UpstreamModel string
	ExtraFields   []byte
}

// GatewayKeyStore manages client-facing gateway key persistence.
type GatewayKeyStore interface {
	CreateGatewayKey(ctx context.Context, k *gateway.GatewayKey) error
	GetGatewayKeyByValue(ctx context.Context, key string) (*gateway.GatewayKey, error)
	GetGatewayKey(ctx context.Context, id string) (*gateway.GatewayKey, error)
	ListGatewayKeys(ctx context.Context) ([]*gateway.GatewayKey, error)
	UpdateGatewayKey(ctx context.Context, k *gateway.GatewayKey) error
	DeleteGatewayKey(ctx context.Context, id string) error

	ListGatewayKeyModels(ctx context.Context, gatewayKeyID string) ([]string, error)
	AddGatewayKeyModel(ctx context.Context, gatewayKeyID, model string) error
	RemoveGatewayKeyModel(ctx context.Context, gatewayKeyID, model string) error
}

// TelemetryStore manages append-only request/cache telemetry and cache reads.
type TelemetryStore interface {
	InsertRequestLog(ctx context.Context, l *gateway.RequestLog) error
	InsertCacheLog(ctx context.Context, l *gateway.CacheLog) error
	FindCachedResponse(ctx context.Context, bodyHash string) (*gateway.CachedResponse, error)
	ListRequestLogs(ctx context.Context, offset, limit int) ([]*gateway.RequestLog, error)
	GetRequestLog(ctx context.Context, requestID string) (*gateway.RequestLog, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Stats is the aggregate counts and token sums surfaced by the admin stats endpoint.
type Stats struct {
	TotalRequests   int64
	TotalErrors     int64
	TotalTokens     int64
	ByProvider      map[string]int64
	ByModel         map[string]int64
}

// UserStore manages operator account persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUserByEmail(ctx context.Context, email string) (*gateway.User, error)
	GetUser(ctx context.Context, id string) (*gateway.User, error)
}

// Store combines all storage interfaces backing the gateway.
type Store interface {
	ProviderStore
	RouteStore
	GatewayKeyStore
	TelemetryStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}
