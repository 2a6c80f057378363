package sqlite

import (
	"context"

	gateway "github.com/relaygate/gateway/internal"
)

func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, timeToStr(u.CreatedAt),
	)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email=?`, email)
	return scanUser(row)
}

func (s *Store) GetUser(ctx context.Context, id string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE id=?`, id)
	return scanUser(row)
}

func scanUser(row scanner) (*gateway.User, error) {
	var u gateway.User
	var createdAt string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}
