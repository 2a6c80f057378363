package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/relaygate/gateway/internal"
)

type fakeGatewayKeyStore struct {
	byValue map[string]*gateway.GatewayKey
	calls   int
}

func newFakeGatewayKeyStore() *fakeGatewayKeyStore {
	return &fakeGatewayKeyStore{byValue: make(map[string]*gateway.GatewayKey)}
}

func (f *fakeGatewayKeyStore) CreateGatewayKey(context.Context, *gateway.GatewayKey) error {
	return nil
}

func (f *fakeGatewayKeyStore) GetGatewayKeyByValue(_ context.Context, key string) (*gateway.GatewayKey, error) {
	f.calls++
	k, ok := f.byValue[key]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}

func (f *fakeGatewayKeyStore) GetGatewayKey(context.Context, string) (*gateway.GatewayKey, error) {
	return nil, gateway.ErrNotFound
}
func (f *fakeGatewayKeyStore) ListGatewayKeys(context.Context) ([]*gateway.GatewayKey, error) {
	return nil, nil
}
func (f *fakeGatewayKeyStore) UpdateGatewayKey(context.Context, *gateway.GatewayKey) error {
	return nil
}
func (f *fakeGatewayKeyStore) DeleteGatewayKey(context.Context, string) error { return nil }
func (f *fakeGatewayKeyStore) ListGatewayKeyModels(context.Context, string) ([]string, error) {
	return nil, nil
}
func (f *fakeGatewayKeyStore) AddGatewayKeyModel(context.Context, string, string) error { return nil }
func (f *fakeGatewayKeyStore) RemoveGatewayKeyModel(context.Context, string, string) error {
	return nil
}

func TestExtractKey_BearerPreferred(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Bearer sk-abc")
	r.Header.Set("x-api-key", "sk-xyz")
	if got := ExtractKey(r); got != "sk-abc" {
		t.Errorf("ExtractKey = %q, want sk-abc", got)
	}
}

func TestExtractKey_FallsBackToAPIKeyHeader(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("x-api-key", "sk-xyz")
	if got := ExtractKey(r); got != "sk-xyz" {
		t.Errorf("ExtractKey = %q, want sk-xyz", got)
	}
}

func TestExtractKey_Missing(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	if got := ExtractKey(r); got != "" {
		t.Errorf("ExtractKey = %q, want empty", got)
	}
}

func TestAuthenticate_ValidKey(t *testing.T) {
	t.Parallel()
	store := newFakeGatewayKeyStore()
	store.byValue["sk-good"] = &gateway.GatewayKey{ID: "gk1", Key: "sk-good", Enabled: true}
	a, err := NewGatewayKeyAuth(store)
	if err != nil {
		t.Fatalf("NewGatewayKeyAuth: %v", err)
	}
	k, err := a.Authenticate(context.Background(), "sk-good")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if k.ID != "gk1" {
		t.Errorf("resolved key ID = %q, want gk1", k.ID)
	}
}

func TestAuthenticate_UnknownKey(t *testing.T) {
	t.Parallel()
	store := newFakeGatewayKeyStore()
	a, err := NewGatewayKeyAuth(store)
	if err != nil {
		t.Fatalf("NewGatewayKeyAuth: %v", err)
	}
	if _, err := a.Authenticate(context.Background(), "sk-missing"); err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_EmptyKey(t *testing.T) {
	t.Parallel()
	store := newFakeGatewayKeyStore()
	a, err := NewGatewayKeyAuth(store)
	if err != nil {
		t.Fatalf("NewGatewayKeyAuth: %v", err)
	}
	if _, err := a.Authenticate(context.Background(), ""); err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_CachesAfterFirstLookup(t *testing.T) {
	t.Parallel()
	store := newFakeGatewayKeyStore()
	store.byValue["sk-good"] = &gateway.GatewayKey{ID: "gk1", Key: "sk-good", Enabled: true}
	a, err := NewGatewayKeyAuth(store)
	if err != nil {
		t.Fatalf("NewGatewayKeyAuth: %v", err)
	}
	ctx := context.Background()
	if _, err := a.Authenticate(ctx, "sk-good"); err != nil {
		t.Fatalf("first Authenticate: %v", err)
	}
	if _, err := a.Authenticate(ctx, "sk-good"); err != nil {
		t.Fatalf("second Authenticate: %v", err)
	}
	if store.calls != 1 {
		t.Errorf("store.calls = %d, want 1 (second lookup should hit cache)", store.calls)
	}
}

func TestAuthenticate_DisabledCachedKeyRejected(t *testing.T) {
	t.Parallel()
	store := newFakeGatewayKeyStore()
	store.byValue["sk-good"] = &gateway.GatewayKey{ID: "gk1", Key: "sk-good", Enabled: true}
	a, err := NewGatewayKeyAuth(store)
	if err != nil {
		t.Fatalf("NewGatewayKeyAuth: %v", err)
	}
	ctx := context.Background()
	if _, err := a.Authenticate(ctx, "sk-good"); err != nil {
		t.Fatalf("first Authenticate: %v", err)
	}
	store.byValue["sk-good"].Enabled = false
	if _, err := a.Authenticate(ctx, "sk-good"); err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized once cached key observed disabled", err)
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	store := newFakeGatewayKeyStore()
	store.byValue["sk-good"] = &gateway.GatewayKey{ID: "gk1", Key: "sk-good", Enabled: true}
	a, err := NewGatewayKeyAuth(store)
	if err != nil {
		t.Fatalf("NewGatewayKeyAuth: %v", err)
	}
	ctx := context.Background()
	if _, err := a.Authenticate(ctx, "sk-good"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	a.Invalidate("sk-good")
	if _, err := a.Authenticate(ctx, "sk-good"); err != nil {
		t.Fatalf("Authenticate after invalidate: %v", err)
	}
	if store.calls != 2 {
		t.Errorf("store.calls = %d, want 2 (invalidate should force re-lookup)", store.calls)
	}
}
