package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/relaygate/gateway/internal"
	"github.com/relaygate/gateway/internal/background"
	"github.com/relaygate/gateway/internal/storage"
)

type fakeTelemetryStore struct {
	storage.TelemetryStore
	mu   sync.Mutex
	logs []*gateway.RequestLog
}

func (f *fakeTelemetryStore) InsertRequestLog(_ context.Context, l *gateway.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return nil
}

func (f *fakeTelemetryStore) firstLog() *gateway.RequestLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.logs) == 0 {
		return nil
	}
	return f.logs[0]
}

type fakeProviderKeyStore struct {
	storage.ProviderStore
	mu       sync.Mutex
	disabled []string
}

func (f *fakeProviderKeyStore) DisableProviderKey(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = append(f.disabled, id)
	return nil
}

func (f *fakeProviderKeyStore) OpenCircuit(_ context.Context, id string, until time.Time) error {
	return nil
}

func newTestDispatcher(providers *fakeProviderKeyStore, telemetry *fakeTelemetryStore, tasks *background.Host) *Dispatcher {
	return NewDispatcher(http.DefaultClient, providers, telemetry, nil, tasks, nil, nil)
}

func TestDispatch_RewritesModelAndMergesExtraFields(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`))
	}))
	defer upstream.Close()

	route := &gateway.Route{
		ProviderID:      "acme",
		ProviderName:    "acme",
		EndpointURL:     upstream.URL,
		UpstreamModelID: "acme-large-2",
		ProviderKey:     &gateway.ProviderKey{ID: "k1", Key: "sk-A", Enabled: true},
		ExtraFields:     json.RawMessage(`{"temperature":0.5}`),
		ApiType:         gateway.OpenAIChatCompletions,
	}

	providers := &fakeProviderKeyStore{}
	telemetry := &fakeTelemetryStore{}
	tasks := background.New()
	d := newTestDispatcher(providers, telemetry, tasks)

	reqBody := []byte(`{"model":"gpt-big","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(reqBody)))
	w := httptest.NewRecorder()

	d.Dispatch(context.Background(), w, req, route, reqBody, RequestMeta{
		RequestID: "req-1", GatewayKeyID: "gk-1", Model: "gpt-big",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotBody["model"] != "acme-large-2" {
		t.Errorf("upstream model = %v, want acme-large-2", gotBody["model"])
	}
	if gotBody["temperature"] != 0.5 {
		t.Errorf("upstream temperature = %v, want 0.5 (from extra_fields)", gotBody["temperature"])
	}
	if gotAuth != "Bearer sk-A" {
		t.Errorf("Authorization = %q, want Bearer sk-A", gotAuth)
	}

	tasks.Wait(time.Second)
	tasks.BeginShutdown()
	log := telemetry.firstLog()
	if log == nil {
		t.Fatal("expected a request log to be recorded")
	}
	if log.TotalTokens == nil || *log.TotalTokens != 3 {
		t.Errorf("TotalTokens = %v, want 3", log.TotalTokens)
	}
	if log.StatusCode == nil || *log.StatusCode != 200 {
		t.Errorf("StatusCode = %v, want 200", log.StatusCode)
	}
}

func TestDispatch_AnthropicAuthHeaders(t *testing.T) {
	t.Parallel()

	var gotAPIKey, gotVersion string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	route := &gateway.Route{
		ProviderID:      "anthropic",
		EndpointURL:     upstream.URL,
		UpstreamModelID: "claude-3",
		ProviderKey:     &gateway.ProviderKey{ID: "k1", Key: "sk-ant-1", Enabled: true},
		ExtraFields:     json.RawMessage(`{}`),
		ApiType:         gateway.AnthropicMessages,
	}

	providers := &fakeProviderKeyStore{}
	telemetry := &fakeTelemetryStore{}
	tasks := background.New()
	d := newTestDispatcher(providers, telemetry, tasks)

	reqBody := []byte(`{"model":"claude-alias","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(string(reqBody)))
	w := httptest.NewRecorder()
	d.Dispatch(context.Background(), w, req, route, reqBody, RequestMeta{RequestID: "req-2"})

	if gotAPIKey != "sk-ant-1" {
		t.Errorf("x-api-key = %q, want sk-ant-1", gotAPIKey)
	}
	if gotVersion != "2023-06-01" {
		t.Errorf("anthropic-version = %q, want 2023-06-01", gotVersion)
	}

	tasks.BeginShutdown()
	tasks.Wait(time.Second)
}

func TestDispatch_401DisablesProviderKeyAsync(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid key"}`))
	}))
	defer upstream.Close()

	route := &gateway.Route{
		ProviderID:      "acme",
		EndpointURL:     upstream.URL,
		UpstreamModelID: "acme-large-2",
		ProviderKey:     &gateway.ProviderKey{ID: "k1", Key: "sk-bad", Enabled: true},
		ExtraFields:     json.RawMessage(`{}`),
		ApiType:         gateway.OpenAIChatCompletions,
	}

	providers := &fakeProviderKeyStore{}
	telemetry := &fakeTelemetryStore{}
	tasks := background.New()
	d := newTestDispatcher(providers, telemetry, tasks)

	reqBody := []byte(`{"model":"gpt-big"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(reqBody)))
	w := httptest.NewRecorder()
	d.Dispatch(context.Background(), w, req, route, reqBody, RequestMeta{RequestID: "req-3"})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 (returned verbatim)", w.Code)
	}

	tasks.Wait(time.Second)
	tasks.BeginShutdown()

	providers.mu.Lock()
	defer providers.mu.Unlock()
	if len(providers.disabled) != 1 || providers.disabled[0] != "k1" {
		t.Errorf("disabled = %v, want [k1]", providers.disabled)
	}
}

func TestDispatch_TransportErrorReturns500(t *testing.T) {
	t.Parallel()

	route := &gateway.Route{
		ProviderID:      "acme",
		EndpointURL:     "http://127.0.0.1:1", // connection refused
		UpstreamModelID: "acme-large-2",
		ProviderKey:     &gateway.ProviderKey{ID: "k1", Key: "sk-A", Enabled: true},
		ExtraFields:     json.RawMessage(`{}`),
		ApiType:         gateway.OpenAIChatCompletions,
	}

	providers := &fakeProviderKeyStore{}
	telemetry := &fakeTelemetryStore{}
	tasks := background.New()
	d := newTestDispatcher(providers, telemetry, tasks)

	reqBody := []byte(`{"model":"gpt-big"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(reqBody)))
	w := httptest.NewRecorder()
	d.Dispatch(context.Background(), w, req, route, reqBody, RequestMeta{RequestID: "req-4"})

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}

	tasks.Wait(time.Second)
	tasks.BeginShutdown()
	log := telemetry.firstLog()
	if log == nil {
		t.Fatal("expected a request log even on transport error")
	}
	if log.StatusCode != nil {
		t.Errorf("StatusCode = %v, want nil on transport error", log.StatusCode)
	}
}

func TestDispatch_StreamingRelayFlushesAndCaptures(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"choices\":[]}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: {\"usage\":{\"total_tokens\":9}}\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	route := &gateway.Route{
		ProviderID:      "acme",
		EndpointURL:     upstream.URL,
		UpstreamModelID: "acme-large-2",
		ProviderKey:     &gateway.ProviderKey{ID: "k1", Key: "sk-A", Enabled: true},
		ExtraFields:     json.RawMessage(`{}`),
		ApiType:         gateway.OpenAIChatCompletions,
	}

	providers := &fakeProviderKeyStore{}
	telemetry := &fakeTelemetryStore{}
	tasks := background.New()
	d := newTestDispatcher(providers, telemetry, tasks)

	reqBody := []byte(`{"model":"gpt-big","stream":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(reqBody)))
	w := httptest.NewRecorder()
	d.Dispatch(context.Background(), w, req, route, reqBody, RequestMeta{RequestID: "req-5"})

	if !strings.Contains(w.Body.String(), "total_tokens") {
		t.Fatalf("client body missing streamed content: %s", w.Body.String())
	}

	tasks.Wait(time.Second)
	tasks.BeginShutdown()
	log := telemetry.firstLog()
	if log == nil {
		t.Fatal("expected a request log")
	}
	if log.TotalTokens == nil || *log.TotalTokens != 9 {
		t.Errorf("TotalTokens = %v, want 9 (extracted from captured SSE stream)", log.TotalTokens)
	}
}
