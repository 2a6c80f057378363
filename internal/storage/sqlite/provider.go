package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/relaygate/gateway/internal"
)

// CreateProvider inserts a new provider.
func (s *Store) CreateProvider(ctx context.Context, p *gateway.Provider) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO providers (id, name, brief, enabled, usage_count) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullStr(p.Brief), boolToInt(p.Enabled), p.UsageCount,
	)
	return err
}

// GetProvider retrieves a provider by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, brief, enabled, usage_count FROM providers WHERE id=?`, id)
	return scanProvider(row)
}

// GetProviderByBrief retrieves an enabled provider by its brief token.
func (s *Store) GetProviderByBrief(ctx context.Context, brief string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, brief, enabled, usage_count FROM providers WHERE brief=? AND enabled=1`, brief)
	return scanProvider(row)
}

// ListProviders returns all providers.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, brief, enabled, usage_count FROM providers ORDER BY usage_count ASC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProvider updates a provider's mutable fields.
func (s *Store) UpdateProvider(ctx context.Context, p *gateway.Provider) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name=?, brief=?, enabled=? WHERE id=?`,
		p.Name, nullStr(p.Brief), boolToInt(p.Enabled), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider removes a provider.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// IncrementProviderUsage bumps a provider's usage counter. Best-effort per
// the data model: monotonicity under concurrent writers is not guaranteed.
func (s *Store) IncrementProviderUsage(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx, `UPDATE providers SET usage_count = usage_count + 1 WHERE id=?`, id)
	return err
}

func scanProvider(row scanner) (*gateway.Provider, error) {
	var p gateway.Provider
	var brief sql.NullString
	var enabled int
	if err := row.Scan(&p.ID, &p.Name, &brief, &enabled, &p.UsageCount); err != nil {
		return nil, notFoundErr(err)
	}
	p.Brief = brief.String
	p.Enabled = enabled != 0
	return &p, nil
}

// --- Provider endpoints ---

func (s *Store) CreateEndpoint(ctx context.Context, e *gateway.ProviderEndpoint) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_endpoints
		 (id, provider_id, api_type, url, timeout_ms, enabled, usage_count, auth_mode, aws_region, aws_service)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProviderID, string(e.ApiType), e.URL, e.TimeoutMs, boolToInt(e.Enabled), e.UsageCount,
		string(e.AuthMode), nullStr(e.AWSRegion), nullStr(e.AWSService),
	)
	return err
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (*gateway.ProviderEndpoint, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, provider_id, api_type, url, timeout_ms, enabled, usage_count, auth_mode, aws_region, aws_service
		 FROM provider_endpoints WHERE id=?`, id)
	return scanEndpoint(row)
}

func (s *Store) ListEndpoints(ctx context.Context, providerID string) ([]*gateway.ProviderEndpoint, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, provider_id, api_type, url, timeout_ms, enabled, usage_count, auth_mode, aws_region, aws_service
		 FROM provider_endpoints WHERE provider_id=?`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*gateway.ProviderEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindEndpoint returns the enabled endpoint of the given api type for a provider.
func (s *Store) FindEndpoint(ctx context.Context, providerID string, apiType gateway.ApiType) (*gateway.ProviderEndpoint, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, provider_id, api_type, url, timeout_ms, enabled, usage_count, auth_mode, aws_region, aws_service
		 FROM provider_endpoints WHERE provider_id=? AND api_type=? AND enabled=1 LIMIT 1`,
		providerID, string(apiType))
	return scanEndpoint(row)
}

func (s *Store) UpdateEndpoint(ctx context.Context, e *gateway.ProviderEndpoint) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_endpoints SET api_type=?, url=?, timeout_ms=?, enabled=?, auth_mode=?, aws_region=?, aws_service=?
		 WHERE id=?`,
		string(e.ApiType), e.URL, e.TimeoutMs, boolToInt(e.Enabled), string(e.AuthMode),
		nullStr(e.AWSRegion), nullStr(e.AWSService), e.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider_endpoint")
}

func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_endpoints WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider_endpoint")
}

func scanEndpoint(row scanner) (*gateway.ProviderEndpoint, error) {
	var e gateway.ProviderEndpoint
	var apiType, authMode string
	var enabled int
	var region, service sql.NullString
	if err := row.Scan(&e.ID, &e.ProviderID, &apiType, &e.URL, &e.TimeoutMs, &enabled, &e.UsageCount,
		&authMode, &region, &service); err != nil {
		return nil, notFoundErr(err)
	}
	e.ApiType = gateway.ApiType(apiType)
	e.AuthMode = gateway.AuthMode(authMode)
	e.Enabled = enabled != 0
	e.AWSRegion = region.String
	e.AWSService = service.String
	return &e, nil
}

// --- Provider keys ---

func (s *Store) CreateProviderKey(ctx context.Context, k *gateway.ProviderKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_keys (id, provider_id, name, key, weight, usage_count, enabled, fail_count, circuit_open_until, last_fail_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.ProviderID, nullStr(k.Name), k.Key, k.Weight, k.UsageCount, boolToInt(k.Enabled), k.FailCount,
		nullTimeToStr(k.CircuitOpenUntil), nullTimeToStr(k.LastFailAt),
	)
	return err
}

func (s *Store) GetProviderKey(ctx context.Context, id string) (*gateway.ProviderKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, provider_id, name, key, weight, usage_count, enabled, fail_count, circuit_open_until, last_fail_at
		 FROM provider_keys WHERE id=?`, id)
	return scanProviderKey(row)
}

func (s *Store) ListProviderKeys(ctx context.Context, providerID string) ([]*gateway.ProviderKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, provider_id, name, key, weight, usage_count, enabled, fail_count, circuit_open_until, last_fail_at
		 FROM provider_keys WHERE provider_id=?`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*gateway.ProviderKey
	for rows.Next() {
		k, err := scanProviderKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ListEligibleProviderKeys returns enabled keys whose circuit is not open,
// ordered ascending by usage_count (the load-balancing policy for §4.6 step 5).
// A circuit_open_until equal to now is treated as eligible (past, per the
// data-model invariant), so the comparison is the inclusive "<=".
func (s *Store) ListEligibleProviderKeys(ctx context.Context, providerID string, now time.Time) ([]*gateway.ProviderKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, provider_id, name, key, weight, usage_count, enabled, fail_count, circuit_open_until, last_fail_at
		 FROM provider_keys
		 WHERE provider_id=? AND enabled=1 AND (circuit_open_until IS NULL OR circuit_open_until <= ?)
		 ORDER BY usage_count ASC, id`,
		providerID, timeToStr(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*gateway.ProviderKey
	for rows.Next() {
		k, err := scanProviderKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProviderKey(ctx context.Context, k *gateway.ProviderKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_keys SET name=?, key=?, weight=?, enabled=?, fail_count=?, circuit_open_until=?, last_fail_at=?
		 WHERE id=?`,
		nullStr(k.Name), k.Key, k.Weight, boolToInt(k.Enabled), k.FailCount,
		nullTimeToStr(k.CircuitOpenUntil), nullTimeToStr(k.LastFailAt), k.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider_key")
}

func (s *Store) DeleteProviderKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider_key")
}

func (s *Store) IncrementProviderKeyUsage(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx, `UPDATE provider_keys SET usage_count = usage_count + 1 WHERE id=?`, id)
	return err
}

// DisableProviderKey sets enabled=false, used when an upstream 401 is observed.
func (s *Store) DisableProviderKey(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx, `UPDATE provider_keys SET enabled=0 WHERE id=?`, id)
	return err
}

// OpenCircuit persists a circuit_open_until deadline, making the local
// circuit breaker's trip decision visible cross-process (§10.6).
func (s *Store) OpenCircuit(ctx context.Context, id string, until time.Time) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE provider_keys SET circuit_open_until=?, last_fail_at=? WHERE id=?`,
		timeToStr(until), timeToStr(time.Now()), id)
	return err
}

func scanProviderKey(row scanner) (*gateway.ProviderKey, error) {
	var k gateway.ProviderKey
	var name sql.NullString
	var enabled int
	var circuitUntil, lastFail sql.NullString
	if err := row.Scan(&k.ID, &k.ProviderID, &name, &k.Key, &k.Weight, &k.UsageCount, &enabled, &k.FailCount,
		&circuitUntil, &lastFail); err != nil {
		return nil, notFoundErr(err)
	}
	k.Name = name.String
	k.Enabled = enabled != 0
	k.CircuitOpenUntil = parseNullTime(circuitUntil)
	k.LastFailAt = parseNullTime(lastFail)
	return &k, nil
}
