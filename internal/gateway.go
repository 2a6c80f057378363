// Package gateway defines domain types and interfaces for the inference gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// ApiType identifies the wire protocol family an endpoint speaks.
type ApiType string

const (
	OpenAIChatCompletions ApiType = "openai_chat_completions"
	OpenAIEmbeddings      ApiType = "openai_embeddings"
	OpenAIResponses       ApiType = "openai_responses"
	OpenAIModels          ApiType = "openai_models"
	AnthropicMessages     ApiType = "anthropic_messages"
)

// AuthMode selects how a ProviderEndpoint's key material is presented to
// the upstream transport.
type AuthMode string

const (
	AuthModeAPIKey   AuthMode = "api_key"
	AuthModeGCPOAuth AuthMode = "gcp_oauth"
	AuthModeAWSSigV4 AuthMode = "aws_sigv4"
)

// --- Core data model (see data model spec) ---

// Provider is a configured upstream LLM vendor.
type Provider struct {
	ID         string
	Name       string
	Brief      string // optional short token for "brief:real_model" shortcut routing
	Enabled    bool
	UsageCount int64
}

// ProviderEndpoint is one API surface exposed by a Provider.
type ProviderEndpoint struct {
	ID         string
	ProviderID string
	ApiType    ApiType
	URL        string
	TimeoutMs  int
	Enabled    bool
	UsageCount int64
	AuthMode   AuthMode
	AWSRegion  string
	AWSService string
}

// ProviderKey is a credential usable against a Provider's endpoints.
type ProviderKey struct {
	ID              string
	ProviderID      string
	Name            string
	Key             string
	Weight          int
	UsageCount      int64
	Enabled         bool
	FailCount       int
	CircuitOpenUntil *time.Time
	LastFailAt      *time.Time
}

// Eligible reports whether the key may currently be selected: enabled and
// with no open circuit (a circuit_open_until in the past is equivalent to absent).
func (k *ProviderKey) Eligible(now time.Time) bool {
	if !k.Enabled {
		return false
	}
	return k.CircuitOpenUntil == nil || !k.CircuitOpenUntil.After(now)
}

// Alias is a public virtual model name.
type Alias struct {
	ID      string
	Name    string
	Enabled bool
}

// AliasTarget routes an Alias to a concrete provider/model pair.
type AliasTarget struct {
	ID         string
	AliasID    string
	ProviderID string
	ModelID    string // upstream model id string
	Enabled    bool
	ExtraFields json.RawMessage // JSON object, merged onto the outgoing payload
}

// GatewayKey is the client-facing secret credential authenticated at the edge.
type GatewayKey struct {
	ID            string
	Name          string
	Key           string
	Enabled       bool
	RateLimitRPS  *int64
	RateLimitRPM  *int64
}

// GatewayKeyModel is a model-whitelist entry for a GatewayKey.
type GatewayKeyModel struct {
	GatewayKeyID string
	Model        string
}

// RequestLog is an append-only record of a single handled request.
type RequestLog struct {
	RequestID         string
	GatewayKeyID      string
	ApiType           ApiType
	Model             string
	Alias             string
	Provider          string
	Endpoint          string
	StatusCode        *int
	LatencyMs         *int64
	ClientIP          string
	UserAgent         string
	RequestBody       []byte
	RequestBodyHash   string
	ResponseBody      []byte
	RequestContentType  string
	ResponseContentType string
	PromptTokens      *int64
	CompletionTokens  *int64
	TotalTokens       *int64
	CreatedAt         time.Time
}

// Cacheable reports whether this log row can serve future cache reads.
func (l *RequestLog) Cacheable() bool {
	return l.StatusCode != nil && *l.StatusCode >= 200 && *l.StatusCode <= 299 && len(l.ResponseBody) > 0
}

// CacheLog is an append-only record of a cache hit.
type CacheLog struct {
	RequestID          string
	SourceRequestLogID string
	GatewayKeyID       string
	CacheLayer         string // "moka" or "database"
	LatencyMs          int64
	ClientIP           string
	UserAgent          string
	CreatedAt          time.Time
}

const (
	CacheLayerMemory   = "moka"
	CacheLayerDatabase = "database"
)

// CachedResponse is a materialized cache entry, derived from a RequestLog row.
type CachedResponse struct {
	SourceRequestLogID  string
	StatusCode          int
	ResponseBody        []byte
	ResponseContentType string
}

// User is an operator account authenticated via the admin login surface.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Route is the fully resolved target of an inference request.
type Route struct {
	ProviderID       string
	ProviderName     string
	EndpointURL      string
	EndpointAuthMode AuthMode
	AWSRegion        string
	AWSService       string
	UpstreamModelID  string
	ProviderKey      *ProviderKey
	AliasName        string
	IsAliasMatch     bool
	AliasTargetID    string
	ExtraFields      json.RawMessage
	ApiType          ApiType
}

// --- Context values ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// GatewayKeyID is set later by the authenticate middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID    string
	GatewayKeyID string
	ClientIP     string
	UserAgent    string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithGatewayKeyID stores the authenticated gateway key id in the
// existing requestMeta if present, avoiding a new context.WithValue allocation.
func ContextWithGatewayKeyID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.GatewayKeyID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{GatewayKeyID: id})
}

// GatewayKeyIDFromContext extracts the authenticated gateway key id from context.
func GatewayKeyIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.GatewayKeyID
	}
	return ""
}

// ContextWithClientInfo stores the client IP and user agent in the existing
// requestMeta if present.
func ContextWithClientInfo(ctx context.Context, ip, userAgent string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.ClientIP = ip
		m.UserAgent = userAgent
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{ClientIP: ip, UserAgent: userAgent})
}

// ClientInfoFromContext extracts the client IP and user agent from context.
func ClientInfoFromContext(ctx context.Context) (ip, userAgent string) {
	if m := metaFromContext(ctx); m != nil {
		return m.ClientIP, m.UserAgent
	}
	return "", ""
}
