package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/relaygate/gateway/internal"
)

func (s *Store) CreateGatewayKey(ctx context.Context, k *gateway.GatewayKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO gateway_keys (id, name, key, enabled, rate_limit_rps, rate_limit_rpm) VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID, nullStr(k.Name), k.Key, boolToInt(k.Enabled), nullInt64(k.RateLimitRPS), nullInt64(k.RateLimitRPM),
	)
	return err
}

func (s *Store) GetGatewayKeyByValue(ctx context.Context, key string) (*gateway.GatewayKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, key, enabled, rate_limit_rps, rate_limit_rpm FROM gateway_keys WHERE key=? AND enabled=1`, key)
	return scanGatewayKey(row)
}

func (s *Store) GetGatewayKey(ctx context.Context, id string) (*gateway.GatewayKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, key, enabled, rate_limit_rps, rate_limit_rpm FROM gateway_keys WHERE id=?`, id)
	return scanGatewayKey(row)
}

func (s *Store) ListGatewayKeys(ctx context.Context) ([]*gateway.GatewayKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, key, enabled, rate_limit_rps, rate_limit_rpm FROM gateway_keys ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*gateway.GatewayKey
	for rows.Next() {
		k, err := scanGatewayKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) UpdateGatewayKey(ctx context.Context, k *gateway.GatewayKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE gateway_keys SET name=?, key=?, enabled=?, rate_limit_rps=?, rate_limit_rpm=? WHERE id=?`,
		nullStr(k.Name), k.Key, boolToInt(k.Enabled), nullInt64(k.RateLimitRPS), nullInt64(k.RateLimitRPM), k.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "gateway_key")
}

func (s *Store) DeleteGatewayKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM gateway_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "gateway_key")
}

func scanGatewayKey(row scanner) (*gateway.GatewayKey, error) {
	var k gateway.GatewayKey
	var name sql.NullString
	var enabled int
	var rps, rpm sql.NullInt64
	if err := row.Scan(&k.ID, &name, &k.Key, &enabled, &rps, &rpm); err != nil {
		return nil, notFoundErr(err)
	}
	k.Name = name.String
	k.Enabled = enabled != 0
	k.RateLimitRPS = int64Ptr(rps)
	k.RateLimitRPM = int64Ptr(rpm)
	return &k, nil
}

// --- Gateway key model whitelist ---

func (s *Store) ListGatewayKeyModels(ctx context.Context, gatewayKeyID string) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT model FROM gateway_key_models WHERE gateway_key_id=?`, gatewayKeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AddGatewayKeyModel(ctx context.Context, gatewayKeyID, model string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO gateway_key_models (gateway_key_id, model) VALUES (?, ?)`, gatewayKeyID, model)
	return err
}

func (s *Store) RemoveGatewayKeyModel(ctx context.Context, gatewayKeyID, model string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM gateway_key_models WHERE gateway_key_id=? AND model=?`, gatewayKeyID, model)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "gateway_key_model")
}
