package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"
	"golang.org/x/crypto/bcrypt"

	gateway "github.com/relaygate/gateway/internal"
	"github.com/relaygate/gateway/internal/storage"
)

// Seed describes the optional first-run bootstrap data (§10.3): one operator
// user and, optionally, a starter provider/endpoint/key/alias set.
type Seed struct {
	User      *SeedUser       `yaml:"user"`
	Providers []SeedProvider  `yaml:"providers"`
	Aliases   []SeedAlias     `yaml:"aliases"`
}

type SeedUser struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

type SeedProvider struct {
	Name      string            `yaml:"name"`
	Brief     string            `yaml:"brief"`
	Endpoints []SeedEndpoint    `yaml:"endpoints"`
	Keys      []SeedProviderKey `yaml:"keys"`
}

type SeedEndpoint struct {
	ApiType    gateway.ApiType  `yaml:"api_type"`
	URL        string           `yaml:"url"`
	AuthMode   gateway.AuthMode `yaml:"auth_mode"`
	AWSRegion  string           `yaml:"aws_region"`
	AWSService string           `yaml:"aws_service"`
}

type SeedProviderKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type SeedAlias struct {
	Name    string          `yaml:"name"`
	Targets []SeedAliasTarget `yaml:"targets"`
}

type SeedAliasTarget struct {
	Provider string `yaml:"provider"` // provider name, resolved to id during seeding
	ModelID  string `yaml:"model_id"`
}

// LoadSeed reads and parses a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &s, nil
}

// Bootstrap seeds the database from seed on first run, skipping anything
// that already exists by natural key so re-running it is a no-op.
func Bootstrap(ctx context.Context, seed *Seed, store storage.Store) error {
	if seed.User != nil && seed.User.Email != "" {
		if err := bootstrapUser(ctx, seed.User, store); err != nil {
			return err
		}
	}

	providerIDs := make(map[string]string, len(seed.Providers))
	for _, p := range seed.Providers {
		id, err := bootstrapProvider(ctx, p, store)
		if err != nil {
			return err
		}
		providerIDs[p.Name] = id
	}

	for _, a := range seed.Aliases {
		if err := bootstrapAlias(ctx, a, providerIDs, store); err != nil {
			return err
		}
	}

	return nil
}

func bootstrapUser(ctx context.Context, u *SeedUser, store storage.Store) error {
	if existing, err := store.GetUserByEmail(ctx, u.Email); err == nil && existing != nil {
		return nil
	} else if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}
	user := &gateway.User{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Email:        u.Email,
		PasswordHash: string(hash),
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return err
	}
	slog.Info("bootstrapped operator user", "email", user.Email)
	return nil
}

func bootstrapProvider(ctx context.Context, p SeedProvider, store storage.Store) (string, error) {
	if existing, err := store.GetProviderByBrief(ctx, p.Brief); err == nil && existing != nil {
		return existing.ID, nil
	} else if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return "", err
	}

	provider := &gateway.Provider{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Name:    p.Name,
		Brief:   p.Brief,
		Enabled: true,
	}
	if err := store.CreateProvider(ctx, provider); err != nil {
		return "", err
	}
	slog.Info("bootstrapped provider", "name", provider.Name, "brief", provider.Brief)

	for _, e := range p.Endpoints {
		authMode := e.AuthMode
		if authMode == "" {
			authMode = gateway.AuthModeAPIKey
		}
		endpoint := &gateway.ProviderEndpoint{
			ID:         uuid.Must(uuid.NewV7()).String(),
			ProviderID: provider.ID,
			ApiType:    e.ApiType,
			URL:        e.URL,
			Enabled:    true,
			AuthMode:   authMode,
			AWSRegion:  e.AWSRegion,
			AWSService: e.AWSService,
		}
		if err := store.CreateEndpoint(ctx, endpoint); err != nil {
			return "", err
		}
	}

	for _, k := range p.Keys {
		if k.Key == "" {
			slog.Warn("seed provider key empty, skipped", "provider", p.Name, "name", k.Name)
			continue
		}
		key := &gateway.ProviderKey{
			ID:         uuid.Must(uuid.NewV7()).String(),
			ProviderID: provider.ID,
			Name:       k.Name,
			Key:        k.Key,
			Weight:     1,
			Enabled:    true,
		}
		if err := store.CreateProviderKey(ctx, key); err != nil {
			return "", err
		}
	}

	return provider.ID, nil
}

func bootstrapAlias(ctx context.Context, a SeedAlias, providerIDs map[string]string, store storage.Store) error {
	if existing, err := store.GetAliasByName(ctx, a.Name); err == nil && existing != nil {
		return nil
	} else if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return err
	}

	alias := &gateway.Alias{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Name:    a.Name,
		Enabled: true,
	}
	if err := store.CreateAlias(ctx, alias); err != nil {
		return err
	}

	for _, t := range a.Targets {
		providerID, ok := providerIDs[t.Provider]
		if !ok {
			return fmt.Errorf("alias %q target references unknown seed provider %q", a.Name, t.Provider)
		}
		target := &gateway.AliasTarget{
			ID:          uuid.Must(uuid.NewV7()).String(),
			AliasID:     alias.ID,
			ProviderID:  providerID,
			ModelID:     t.ModelID,
			Enabled:     true,
			ExtraFields: json.RawMessage("{}"),
		}
		if err := store.CreateAliasTarget(ctx, target); err != nil {
			return err
		}
	}
	slog.Info("bootstrapped alias", "name", alias.Name, "targets", len(a.Targets))
	return nil
}
