package server

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/relaygate/gateway/internal"
	"github.com/relaygate/gateway/internal/ratelimit"
)

// Pre-allocated header key strings in canonical MIME form.
const (
	hdrRetryAfter   = "Retry-After"
	maxRequestIDLen = 128
)

// Pre-allocated header value slices for security headers.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	nosniffVal = []string{"nosniff"}
	denyVal    = []string{"DENY"}
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{status: http.StatusOK} },
}

// securityHeaders sets defense-in-depth response headers on every request.
func (s *server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h["X-Content-Type-Options"] = nosniffVal
		h["X-Frame-Options"] = denyVal
		next.ServeHTTP(w, r)
	})
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey,
// saving 2 allocs/req that Header.Get/Set would otherwise spend on canonicalization.
const requestIDHeader = "X-Request-Id"

// requestID adds a UUID v7 request ID to the context and response header.
// Client-provided IDs are validated: max 128 chars, [a-zA-Z0-9._-] only.
// Invalid or missing IDs are replaced with a fresh UUID v7.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 && isValidRequestID(vals[0]) {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isValidToken checks that s is non-empty, at most maxLen chars, and contains
// only [a-zA-Z0-9._-].
func isValidToken(s string, maxLen int) bool {
	if len(s) == 0 || len(s) > maxLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-') {
			return false
		}
	}
	return true
}

// isValidRequestID checks that s is a valid request ID (max 128 chars, [a-zA-Z0-9._-]).
func isValidRequestID(s string) bool { return isValidToken(s, maxRequestIDLen) }

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// clientInfo records the caller's IP and user agent into context ahead of
// authenticate, so a failed auth attempt can still be charged to loginprotect
// and logged with the IP that made it.
func (s *server) clientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ctx := gateway.ContextWithClientInfo(r.Context(), ip, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP prefers the first hop of X-Forwarded-For, falling back to
// RemoteAddr. The gateway is assumed to sit behind a trusted reverse proxy
// that sets or strips this header; it is not re-verified here.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := bytes.IndexByte([]byte(xff), ','); i >= 0 {
			return xff[:i]
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate extracts and resolves the gateway key, enforces the per-IP
// login-abuse gate, and -- when the key carries a model whitelist -- reads
// and re-injects the request body to check the top-level "model" field.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _ := gateway.ClientInfoFromContext(r.Context())

		if s.deps.LoginProtect != nil && s.deps.LoginProtect.IsBanned(ip) {
			writeJSON(w, http.StatusForbidden, errorResponse("forbidden"))
			return
		}

		raw := extractGatewayKey(r)
		key, err := s.deps.Auth.Authenticate(r.Context(), raw)
		if err != nil {
			if s.deps.LoginProtect != nil {
				s.deps.LoginProtect.RecordFailure(ip)
			}
			writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
			return
		}

		ctx := gateway.ContextWithGatewayKeyID(r.Context(), key.ID)

		if s.deps.Store != nil {
			models, err := s.deps.Store.ListGatewayKeyModels(ctx, key.ID)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
				return
			}
			if len(models) > 0 {
				model, body, aerr := peekRequestModel(r, s.deps.MaxRequestBodyBytes)
				if aerr != nil {
					writeJSON(w, aerr.Status(), errorResponse(aerr.Message))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				if !containsString(models, model) {
					writeJSON(w, http.StatusForbidden, errorResponse("model not in whitelist"))
					return
				}
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractGatewayKey reads "Authorization: Bearer <key>" (preferred) or
// "x-api-key".
func extractGatewayKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return r.Header.Get("x-api-key")
}

// peekRequestModel reads the body (bounded by maxBytes), extracts the
// top-level "model" string with gjson without a full unmarshal, and returns
// the body bytes for re-injection. A non-JSON body or a missing/non-string
// "model" field is a 400 per §4.2.
func peekRequestModel(r *http.Request, maxBytes int64) (string, []byte, *gateway.AppError) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return "", nil, gateway.NewBadRequest("failed to read request body")
	}
	if int64(len(body)) > maxBytes {
		return "", nil, gateway.NewBadRequest("request body too large")
	}
	if !gjson.ValidBytes(body) {
		return "", nil, gateway.NewBadRequest("malformed JSON body")
	}
	model := gjson.GetBytes(body, "model")
	if model.Type != gjson.String || model.Str == "" {
		return "", nil, gateway.NewBadRequest("missing model field")
	}
	return model.Str, body, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

const defaultMaxRequestBodyBytes = 100 << 20

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements http.Flusher.
// This ensures SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// and similar utilities to find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// rateLimit enforces the dual RPS+RPM token-bucket limits configured on the
// authenticated gateway key (§4.3). A key with both limits nil is unlimited.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyID := gateway.GatewayKeyIDFromContext(r.Context())
		if keyID == "" || s.deps.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		limits := s.deps.RateLimitsForKey(keyID)
		result := s.deps.RateLimiter.CheckAndConsume(keyID, limits)

		if !result.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.WithLabelValues("gateway_key").Inc()
			}
			writeRateLimitError(w, result)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeRateLimitError(w http.ResponseWriter, r ratelimit.Result) {
	if r.RetryAfterSeconds > 0 {
		w.Header()[hdrRetryAfter] = []string{strconv.Itoa(int(r.RetryAfterSeconds) + 1)}
	}
	writeJSON(w, http.StatusTooManyRequests, errorResponse("rate limit exceeded"))
}

// tracingMiddleware creates a span for each HTTP request.
func tracingMiddleware(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.url", r.URL.Path),
					attribute.String("http.request_id", gateway.RequestIDFromContext(r.Context())),
				),
			)
			defer span.End()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false

			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", sw.status))
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)
		})
	}
}
