package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	gateway "github.com/relaygate/gateway/internal"
	"github.com/relaygate/gateway/internal/background"
	"github.com/relaygate/gateway/internal/circuitbreaker"
	"github.com/relaygate/gateway/internal/cloudauth"
	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/internal/usage"
)

// maxDispatchResponseBody caps buffered (non-streaming) response capture,
// the same bound the teacher's raw passthrough proxy applied to bulk copies.
const maxDispatchResponseBody = 32 << 20

// writeAppError renders an AppError as the standard error envelope. A small
// local copy of internal/server's helper of the same name: app does not
// import server (server imports app for the inference routes), so the
// rendering logic is duplicated here rather than introducing a cycle.
func writeAppError(w http.ResponseWriter, ctx context.Context, err error) {
	ae := gateway.AsAppError(err)
	slog.LogAttrs(ctx, slog.LevelError, "dispatch error",
		slog.Int("status", ae.Status()),
		slog.String("error", ae.Error()),
	)
	body, _ := json.Marshal(map[string]any{"error": map[string]string{"message": ae.Message, "type": "invalid_request_error"}})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status())
	w.Write(body)
}

// hopByHopHeaders must not be forwarded in either direction. Kept local
// rather than exported from internal/provider, since Dispatcher does not
// otherwise depend on that package (it only uses provider.NewTransport,
// wired once at startup by cmd/gandalf).
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// RequestMeta carries the per-request values Dispatch needs for telemetry
// but has no bearing on routing or upstream auth.
type RequestMeta struct {
	RequestID          string
	GatewayKeyID       string
	ClientIP           string
	UserAgent          string
	Model              string // client-supplied alias or brief:real_model string
	RequestBody        []byte
	RequestBodyHash    string
	RequestContentType string
}

// Dispatcher implements §4.7: single-target raw JSON passthrough with model
// substitution and extra_fields merge, protocol-specific auth, streaming or
// buffered response relay, and async telemetry. Grounded on the teacher's
// raw passthrough proxy (the header-copy/streaming-relay technique, adapted
// into relay below with a capture tee for usage extraction) but replaces its
// typed-client failover caller (internal/app/proxy.go, the ProxyService this
// file supersedes) with single-shot dispatch: the spec has no per-request
// failover, since a Route names exactly one target.
type Dispatcher struct {
	client    *http.Client
	providers storage.ProviderStore
	telemetry storage.TelemetryStore
	breakers  *circuitbreaker.Registry
	tasks     *background.Host

	// gcpTransport, when non-nil, is shared across all gcp_oauth routes: ADC
	// tokens are account-wide, not per-route, so one cached token source
	// suffices. awsCreds is likewise shared; region/service come from the
	// Route and are applied per dispatch.
	gcpTransport http.RoundTripper
	awsCreds     aws.CredentialsProvider
}

// NewDispatcher builds a Dispatcher. gcpTransport and awsCreds may be nil if
// no configured provider endpoint uses that auth mode.
func NewDispatcher(client *http.Client, providers storage.ProviderStore, telemetry storage.TelemetryStore,
	breakers *circuitbreaker.Registry, tasks *background.Host, gcpTransport http.RoundTripper, awsCreds aws.CredentialsProvider) *Dispatcher {
	return &Dispatcher{
		client:       client,
		providers:    providers,
		telemetry:    telemetry,
		breakers:     breakers,
		tasks:        tasks,
		gcpTransport: gcpTransport,
		awsCreds:     awsCreds,
	}
}

// Dispatch forwards body to route's upstream, writes the upstream response
// to w, and schedules async telemetry. It writes an error response itself on
// failure -- callers do not need to inspect a return value.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, route *gateway.Route, body []byte, meta RequestMeta) {
	start := time.Now()

	if breaker := d.breakerFor(route); breaker != nil && !breaker.Allow() {
		writeAppError(w, ctx, gateway.NewInternal("provider circuit open", nil))
		return
	}

	targetBody := body
	if len(body) > 0 {
		rewritten, err := rewritePayload(body, route)
		if err != nil {
			writeAppError(w, ctx, gateway.NewBadRequest("malformed request payload"))
			return
		}
		targetBody = rewritten
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, route.EndpointURL, bytes.NewReader(targetBody))
	if err != nil {
		writeAppError(w, ctx, gateway.NewInternal("build upstream request", err))
		return
	}
	copyForwardableHeaders(outReq.Header, r.Header)
	outReq.Header.Set("Content-Type", "application/json")
	outReq.ContentLength = int64(len(targetBody))
	applyProtocolAuth(outReq.Header, route)

	client := *d.client
	client.Transport = d.authTransport(route)

	resp, err := client.Do(outReq)
	if err != nil {
		d.recordBreaker(route, 0, err)
		d.logAsync(meta, route, time.Since(start).Milliseconds(), nil, nil, "")
		writeAppError(w, ctx, gateway.NewInternal("dispatch upstream request", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && route.ProviderKey != nil {
		d.tasks.Spawn("disable-provider-key", func(ctx context.Context) {
			if err := d.providers.DisableProviderKey(ctx, route.ProviderKey.ID); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "disable provider key failed",
					slog.String("provider_key_id", route.ProviderKey.ID), slog.Any("error", err))
			}
		})
	}
	d.recordBreaker(route, resp.StatusCode, nil)

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	status := resp.StatusCode
	ct := resp.Header.Get("Content-Type")

	// §4.7: latency is measured to completion of the synchronous portion --
	// stream start for a streaming response, full buffer for a buffered one
	// -- not to the end of the stream, which relay's streaming branch can
	// block on for as long as the upstream keeps sending chunks. onSyncDone
	// fires at exactly that boundary inside relay.
	var latencyMs int64
	captured := d.relay(w, resp.Body, ct, func() {
		latencyMs = time.Since(start).Milliseconds()
	})

	d.logAsync(meta, route, latencyMs, &status, captured, ct)
}

// relay streams resp.Body to w, flushing per-read for SSE/NDJSON content
// types and bulk-copying (capped) otherwise, while also capturing the bytes
// written for async usage extraction. Grounded on the teacher's raw
// passthrough proxy's flush-on-read loop, adapted to tee into a capture
// buffer instead of writing straight through. onSyncDone is invoked exactly
// once, at stream start for the streaming branch or after the full buffered
// copy otherwise, so the caller can timestamp the synchronous portion §4.7
// defines latency over.
func (d *Dispatcher) relay(w http.ResponseWriter, body io.Reader, contentType string, onSyncDone func()) []byte {
	var captured bytes.Buffer

	flusher, canFlush := w.(http.Flusher)
	streaming := canFlush && isStreamingContentType(contentType)

	if streaming {
		onSyncDone()
		buf := make([]byte, 32*1024)
		for {
			n, readErr := body.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
				captured.Write(buf[:n])
				flusher.Flush()
			}
			if readErr != nil {
				break
			}
		}
		return captured.Bytes()
	}

	io.Copy(io.MultiWriter(w, &captured), io.LimitReader(body, maxDispatchResponseBody))
	onSyncDone()
	return captured.Bytes()
}

func isStreamingContentType(ct string) bool {
	return strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json")
}

// copyForwardableHeaders copies src into dst, dropping hop-by-hop headers and
// any existing auth headers (applyProtocolAuth sets the correct ones).
func copyForwardableHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		lower := strings.ToLower(key)
		if lower == "authorization" || lower == "x-api-key" || lower == "content-type" || lower == "content-length" {
			continue
		}
		dst[key] = vals
	}
}

// applyProtocolAuth sets the wire-protocol-appropriate auth header from the
// route's provider key. Anthropic's Messages API authenticates via
// x-api-key + a pinned anthropic-version header; every other protocol this
// gateway speaks uses a bearer token. This still runs under gcp_oauth/
// aws_sigv4 auth modes, but the RoundTripper in authTransport then sets
// Authorization itself (the ADC bearer token or the SigV4 signature),
// replacing any bearer header set here; x-api-key is left in place.
func applyProtocolAuth(h http.Header, route *gateway.Route) {
	if route.ProviderKey == nil || route.ProviderKey.Key == "" {
		return
	}
	key := route.ProviderKey.Key
	if route.ApiType == gateway.AnthropicMessages {
		h.Set("x-api-key", key)
		h.Set("anthropic-version", "2023-06-01")
		return
	}
	h.Set("Authorization", "Bearer "+key)
}

// authTransport layers cloud-specific signing beneath d.client's base
// transport when the route's endpoint demands it.
func (d *Dispatcher) authTransport(route *gateway.Route) http.RoundTripper {
	base := d.client.Transport
	switch route.EndpointAuthMode {
	case gateway.AuthModeGCPOAuth:
		if d.gcpTransport != nil {
			return d.gcpTransport
		}
	case gateway.AuthModeAWSSigV4:
		if d.awsCreds != nil {
			return cloudauth.NewAWSSigV4Transport(base, d.awsCreds, route.AWSRegion, route.AWSService)
		}
	}
	return base
}

// rewritePayload implements §4.7's payload transform: the client-facing
// "model" field is replaced with the route's upstream model id, then
// route.ExtraFields is shallow-merged on top (extra_fields wins on key
// collision).
func rewritePayload(body []byte, route *gateway.Route) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("dispatch: decode request payload: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["model"] = route.UpstreamModelID

	if len(route.ExtraFields) > 0 && !bytes.Equal(bytes.TrimSpace(route.ExtraFields), []byte("{}")) {
		var extra map[string]any
		if err := json.Unmarshal(route.ExtraFields, &extra); err != nil {
			return nil, fmt.Errorf("dispatch: decode extra_fields: %w", err)
		}
		for k, v := range extra {
			payload[k] = v
		}
	}

	return json.Marshal(payload)
}

func (d *Dispatcher) breakerFor(route *gateway.Route) *circuitbreaker.Breaker {
	if d.breakers == nil || route.ProviderKey == nil {
		return nil
	}
	return d.breakers.Get(route.ProviderKey.ID)
}

// recordBreaker feeds the outcome of one dispatch into the local breaker, an
// additive fast-reject layer over the persisted ProviderStore.OpenCircuit
// (§10.6): the breaker trips on a local sliding window well before the
// async-persisted circuit would be consulted again by the router.
func (d *Dispatcher) recordBreaker(route *gateway.Route, statusCode int, transportErr error) {
	if d.breakers == nil || route.ProviderKey == nil {
		return
	}
	breaker := d.breakers.GetOrCreate(route.ProviderKey.ID)
	var weight float64
	if transportErr != nil {
		weight = circuitbreaker.ClassifyError(transportErr)
	} else {
		weight = circuitbreaker.ClassifyError(httpStatusErr(statusCode))
	}
	if weight > 0 {
		breaker.RecordError(weight)
		if breaker.State() == circuitbreaker.StateOpen && route.ProviderKey != nil {
			d.tasks.Spawn("open-circuit", func(ctx context.Context) {
				if err := d.providers.OpenCircuit(ctx, route.ProviderKey.ID, time.Now().Add(30*time.Second)); err != nil {
					slog.LogAttrs(ctx, slog.LevelError, "persist open circuit failed",
						slog.String("provider_key_id", route.ProviderKey.ID), slog.Any("error", err))
				}
			})
		}
		return
	}
	breaker.RecordSuccess()
}

// httpStatusErr adapts a raw status code into the httpStatusError shape
// circuitbreaker.ClassifyError expects, without introducing a dependency
// cycle on internal/provider's error types.
type httpStatusErr int

func (e httpStatusErr) Error() string   { return fmt.Sprintf("upstream status %d", int(e)) }
func (e httpStatusErr) HTTPStatus() int { return int(e) }

func (d *Dispatcher) logAsync(meta RequestMeta, route *gateway.Route, latencyMs int64, status *int, respBody []byte, respCT string) {
	d.tasks.Spawn("insert-request-log", func(ctx context.Context) {
		tokens := usage.Tokens{}
		if len(respBody) > 0 {
			tokens = usage.Extract(respBody, route.ApiType)
		}
		log := &gateway.RequestLog{
			RequestID:           meta.RequestID,
			GatewayKeyID:        meta.GatewayKeyID,
			ApiType:             route.ApiType,
			Model:               meta.Model,
			Alias:               route.AliasName,
			Provider:            route.ProviderName,
			Endpoint:            route.EndpointURL,
			StatusCode:          status,
			LatencyMs:           &latencyMs,
			ClientIP:            meta.ClientIP,
			UserAgent:           meta.UserAgent,
			RequestBody:         meta.RequestBody,
			RequestBodyHash:     meta.RequestBodyHash,
			ResponseBody:        respBody,
			RequestContentType:  meta.RequestContentType,
			ResponseContentType: respCT,
			PromptTokens:        tokens.Prompt,
			CompletionTokens:    tokens.Completion,
			TotalTokens:         tokens.Total,
			CreatedAt:           time.Now(),
		}
		if err := d.telemetry.InsertRequestLog(ctx, log); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "insert request log failed",
				slog.String("request_id", meta.RequestID), slog.Any("error", err))
		}
	})
}
