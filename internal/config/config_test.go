package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
jwt_secret: test-secret
server:
  host: "0.0.0.0"
  port: 9090
  read_timeout: 10s
database:
  url: ":memory:"
  max_connections: 5
telemetry:
  metrics:
    enabled: true
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr(), "0.0.0.0:9090")
	}
	if cfg.Database.URL != ":memory:" {
		t.Errorf("url = %q, want %q", cfg.Database.URL, ":memory:")
	}
	if cfg.Database.MaxConnections != 5 {
		t.Errorf("max_connections = %d, want 5", cfg.Database.MaxConnections)
	}
	if !cfg.Telemetry.Metrics.Enabled {
		t.Error("metrics.enabled = false, want true")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("key: ${TEST_API_KEY}"))
	if string(result) != "key: sk-secret-123" {
		t.Errorf("expandEnv = %q, want %q", string(result), "key: sk-secret-123")
	}
}

func TestExpandEnvMissingVarLeftAsIs(t *testing.T) {
	t.Parallel()
	result := expandEnv([]byte("key: ${DEFINITELY_UNSET_VAR}"))
	if string(result) != "key: ${DEFINITELY_UNSET_VAR}" {
		t.Errorf("expandEnv = %q, want unchanged", string(result))
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	yaml := `jwt_secret: test-secret`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr() != "0.0.0.0:30002" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr(), "0.0.0.0:30002")
	}
	if cfg.Database.URL != "gandalf.db" {
		t.Errorf("default url = %q, want %q", cfg.Database.URL, "gandalf.db")
	}
	if cfg.Database.MaxConnections != 10 {
		t.Errorf("default max_connections = %d, want 10", cfg.Database.MaxConnections)
	}
}

func TestLoadMissingJWTSecret(t *testing.T) {
	t.Parallel()

	yaml := `server:
  port: 9090
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() with no jwt_secret, want error")
	}
}
