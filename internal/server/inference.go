package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/relaygate/gateway/internal"
	"github.com/relaygate/gateway/internal/app"
	"github.com/relaygate/gateway/internal/background"
	"github.com/relaygate/gateway/internal/bodyhash"
	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/tokencount"
)

// InferenceDeps bundles the components the client-facing dispatch routes
// (§6) need once they are constructed by cmd/gandalf: route resolution,
// upstream dispatch, the L1 response cache, and the task host the cache
// middleware schedules CacheLog writes through.
type InferenceDeps struct {
	Router       *app.RouterService
	Dispatcher   *app.Dispatcher
	Cache        *cache.ResponseCache // nil = no response caching
	Tasks        *background.Host
	TokenCounter *tokencount.Counter // nil = no estimated-tokens gauge (§10.7)
}

// inferenceRoutes maps each dispatch path to the api_type it speaks (§6).
var inferenceRoutes = map[string]gateway.ApiType{
	"/v1/chat/completions": gateway.OpenAIChatCompletions,
	"/v1/embeddings":       gateway.OpenAIEmbeddings,
	"/v1/responses":        gateway.OpenAIResponses,
	"/v1/messages":         gateway.AnthropicMessages,
}

// MountInference attaches the client-facing dispatch routes under the
// gateway-key-authenticated, rate-limited, cache-probing middleware chain.
func (s *server) MountInference(deps InferenceDeps) {
	s.inference = deps
	s.Mount("/", func(r chi.Router) {
		r.Use(s.AuthGroup())
		r.Use(s.cacheMiddleware)
		for path, apiType := range inferenceRoutes {
			r.Post(path, s.handleInference(apiType))
		}
	})
}

// cacheMiddleware implements the §4.5 cache-probe protocol: pass through
// anything that isn't a cacheable JSON POST, else probe L1 then L2,
// promoting an L2 hit into L1 and logging every hit asynchronously. A miss
// re-injects the consumed body and falls through to the dispatch handler.
func (s *server) cacheMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.inference.Cache == nil {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := inferenceRoutes[r.URL.Path]; !ok {
			next.ServeHTTP(w, r)
			return
		}
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			next.ServeHTTP(w, r)
			return
		}

		maxBytes := s.deps.MaxRequestBodyBytes
		if maxBytes <= 0 {
			maxBytes = defaultMaxRequestBodyBytes
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("failed to read request body"))
			return
		}
		if int64(len(body)) > maxBytes {
			writeJSON(w, http.StatusBadRequest, errorResponse("request body too large"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if len(body) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		_, fingerprint := bodyhash.Hash(body)

		if resp, ok := s.inference.Cache.Get(fingerprint); ok {
			s.serveCached(w, r, resp, gateway.CacheLayerMemory, start)
			return
		}

		if s.deps.Store != nil {
			if cached, err := s.deps.Store.FindCachedResponse(r.Context(), fingerprint); err == nil && cached != nil {
				s.inference.Cache.Set(fingerprint, *cached)
				s.serveCached(w, r, *cached, gateway.CacheLayerDatabase, start)
				return
			}
		}

		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
		next.ServeHTTP(w, r)
	})
}

// serveCached writes a hit straight from CachedResponse and schedules the
// async CacheLog insert; it never touches the router or dispatcher.
func (s *server) serveCached(w http.ResponseWriter, r *http.Request, resp gateway.CachedResponse, layer string, start time.Time) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.CacheHits.Inc()
	}
	w.Header().Set("Content-Type", resp.ResponseContentType)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.ResponseBody)

	if s.inference.Tasks == nil || s.deps.Store == nil {
		return
	}
	ip, ua := gateway.ClientInfoFromContext(r.Context())
	keyID := gateway.GatewayKeyIDFromContext(r.Context())
	latencyMs := time.Since(start).Milliseconds()
	s.inference.Tasks.Spawn("insert-cache-log", func(ctx context.Context) {
		log := &gateway.CacheLog{
			RequestID:          uuid.Must(uuid.NewV7()).String(),
			SourceRequestLogID: resp.SourceRequestLogID,
			GatewayKeyID:       keyID,
			CacheLayer:         layer,
			LatencyMs:          latencyMs,
			ClientIP:           ip,
			UserAgent:          ua,
			CreatedAt:          time.Now(),
		}
		if err := s.deps.Store.InsertCacheLog(ctx, log); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "insert cache log failed", slog.Any("error", err))
		}
	})
}

// handleInference implements §4.6/§4.7 end to end for one api_type: peek the
// model field, resolve a Route, and hand off to the Dispatcher, which writes
// the response and its own error cases.
func (s *server) handleInference(apiType gateway.ApiType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.inference.Router == nil || s.inference.Dispatcher == nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse("inference routes not configured"))
			return
		}

		maxBytes := s.deps.MaxRequestBodyBytes
		if maxBytes <= 0 {
			maxBytes = defaultMaxRequestBodyBytes
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("failed to read request body"))
			return
		}
		if int64(len(body)) > maxBytes {
			writeJSON(w, http.StatusBadRequest, errorResponse("request body too large"))
			return
		}
		if !gjson.ValidBytes(body) {
			writeJSON(w, http.StatusBadRequest, errorResponse("malformed JSON body"))
			return
		}
		model := gjson.GetBytes(body, "model")
		if model.Type != gjson.String || model.Str == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse("missing model field"))
			return
		}

		if s.inference.TokenCounter != nil && s.deps.Metrics != nil {
			s.deps.Metrics.EstimatedPromptTokens.Set(float64(s.inference.TokenCounter.Estimate(body)))
		}

		route, aerr := s.inference.Router.Resolve(r.Context(), model.Str, apiType)
		if aerr != nil {
			writeAppError(w, r.Context(), aerr)
			return
		}

		_, hash := bodyhash.Hash(body)
		ip, ua := gateway.ClientInfoFromContext(r.Context())
		meta := app.RequestMeta{
			RequestID:          gateway.RequestIDFromContext(r.Context()),
			GatewayKeyID:       gateway.GatewayKeyIDFromContext(r.Context()),
			ClientIP:           ip,
			UserAgent:          ua,
			Model:              model.Str,
			RequestBody:        body,
			RequestBodyHash:    hash,
			RequestContentType: r.Header.Get("Content-Type"),
		}

		s.inference.Dispatcher.Dispatch(r.Context(), w, r, route, body, meta)
	}
}
