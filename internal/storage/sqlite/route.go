package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/relaygate/gateway/internal"
	"github.com/relaygate/gateway/internal/storage"
)

func (s *Store) CreateAlias(ctx context.Context, a *gateway.Alias) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO aliases (id, name, enabled) VALUES (?, ?, ?)`, a.ID, a.Name, boolToInt(a.Enabled))
	return err
}

func (s *Store) GetAlias(ctx context.Context, id string) (*gateway.Alias, error) {
	row := s.read.QueryRowContext(ctx, `SELECT id, name, enabled FROM aliases WHERE id=?`, id)
	return scanAlias(row)
}

func (s *Store) GetAliasByName(ctx context.Context, name string) (*gateway.Alias, error) {
	row := s.read.QueryRowContext(ctx, `SELECT id, name, enabled FROM aliases WHERE name=?`, name)
	return scanAlias(row)
}

func (s *Store) ListAliases(ctx context.Context) ([]*gateway.Alias, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT id, name, enabled FROM aliases ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*gateway.Alias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAlias(ctx context.Context, a *gateway.Alias) error {
	result, err := s.write.ExecContext(ctx, `UPDATE aliases SET name=?, enabled=? WHERE id=?`, a.Name, boolToInt(a.Enabled), a.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "alias")
}

func (s *Store) DeleteAlias(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM aliases WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "alias")
}

func scanAlias(row scanner) (*gateway.Alias, error) {
	var a gateway.Alias
	var enabled int
	if err := row.Scan(&a.ID, &a.Name, &enabled); err != nil {
		return nil, notFoundErr(err)
	}
	a.Enabled = enabled != 0
	return &a, nil
}

// --- Alias targets ---

func (s *Store) CreateAliasTarget(ctx context.Context, t *gateway.AliasTarget) error {
	extra, err := marshalJSON(t.ExtraFields)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO alias_targets (id, alias_id, provider_id, model_id, enabled, extra_fields)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.AliasID, t.ProviderID, t.ModelID, boolToInt(t.Enabled), extra,
	)
	return err
}

func (s *Store) GetAliasTarget(ctx context.Context, id string) (*gateway.AliasTarget, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, alias_id, provider_id, model_id, enabled, extra_fields FROM alias_targets WHERE id=?`, id)
	return scanAliasTarget(row)
}

func (s *Store) ListAliasTargets(ctx context.Context, aliasID string) ([]*gateway.AliasTarget, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, alias_id, provider_id, model_id, enabled, extra_fields FROM alias_targets WHERE alias_id=?`, aliasID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*gateway.AliasTarget
	for rows.Next() {
		t, err := scanAliasTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAliasTarget(ctx context.Context, t *gateway.AliasTarget) error {
	extra, err := marshalJSON(t.ExtraFields)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE alias_targets SET provider_id=?, model_id=?, enabled=?, extra_fields=? WHERE id=?`,
		t.ProviderID, t.ModelID, boolToInt(t.Enabled), extra, t.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "alias_target")
}

func (s *Store) DeleteAliasTarget(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM alias_targets WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "alias_target")
}

func (s *Store) IncrementAliasTargetUsage(ctx context.Context, id string) error {
	// alias_targets carries no usage_count of its own; load-balancing uses
	// the owning provider's usage_count (§4.6), which CreateAliasTarget's
	// provider_id join always resolves to, so this bumps the provider row.
	_, err := s.write.ExecContext(ctx,
		`UPDATE providers SET usage_count = usage_count + 1
		 WHERE id = (SELECT provider_id FROM alias_targets WHERE id=?)`, id)
	return err
}

func scanAliasTarget(row scanner) (*gateway.AliasTarget, error) {
	var t gateway.AliasTarget
	var enabled int
	var extra sql.NullString
	if err := row.Scan(&t.ID, &t.AliasID, &t.ProviderID, &t.ModelID, &enabled, &extra); err != nil {
		return nil, notFoundErr(err)
	}
	t.Enabled = enabled != 0
	t.ExtraFields = rawJSON(extra)
	return &t, nil
}

// ResolveAlias joins alias_targets with providers and endpoints matching the
// requested api type, ordered by provider.usage_count ASC, provider.id (§4.6
// step 2). Both the alias and the target must be enabled, and the endpoint
// must be enabled.
func (s *Store) ResolveAlias(ctx context.Context, aliasName string, apiType gateway.ApiType) ([]*storage.ResolvedAliasRow, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT at.id, p.id, p.name, pe.url, pe.auth_mode, pe.aws_region, pe.aws_service, at.model_id, at.extra_fields
		 FROM alias_targets at
		 JOIN aliases a ON a.id = at.alias_id
		 JOIN providers p ON p.id = at.provider_id
		 JOIN provider_endpoints pe ON pe.provider_id = p.id
		 WHERE a.name = ? AND a.enabled = 1 AND at.enabled = 1 AND pe.api_type = ? AND pe.enabled = 1
		 ORDER BY p.usage_count ASC, p.id`,
		aliasName, string(apiType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.ResolvedAliasRow
	for rows.Next() {
		var r storage.ResolvedAliasRow
		var authMode string
		var region, service sql.NullString
		var extra sql.NullString
		if err := rows.Scan(&r.AliasTargetID, &r.ProviderID, &r.ProviderName, &r.EndpointURL,
			&authMode, &region, &service, &r.UpstreamModel, &extra); err != nil {
			return nil, err
		}
		r.EndpointAuth = gateway.AuthMode(authMode)
		r.AWSRegion = region.String
		r.AWSService = service.String
		if extra.Valid {
			r.ExtraFields = []byte(extra.String)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
