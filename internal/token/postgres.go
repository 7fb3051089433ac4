package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avauth/tokengate/internal/observability"
)

const createRefreshTokensTable = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
	token        TEXT PRIMARY KEY,
	principal_id TEXT NOT NULL,
	issued_at    TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS refresh_tokens_expires_at_idx ON refresh_tokens (expires_at);
CREATE INDEX IF NOT EXISTS refresh_tokens_principal_id_idx ON refresh_tokens (principal_id);
`

// PostgresRefreshStore implements RefreshStore on a pgx pool. Deletion by
// token uses a single conditional DELETE ... RETURNING, so concurrent
// rotations of the same token resolve to exactly one winner, and the
// janitor's sweep can run alongside rotations without coordination.
type PostgresRefreshStore struct {
	pool   *pgxpool.Pool
	logger observability.Logger
}

// NewPostgresRefreshStore connects a pool and ensures the schema exists.
func NewPostgresRefreshStore(ctx context.Context, dsn string, logger observability.Logger) (*PostgresRefreshStore, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	if _, err := pool.Exec(ctx, createRefreshTokensTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logger.Info("refresh token schema ensured")
	return &PostgresRefreshStore{pool: pool, logger: logger}, nil
}

// Save implements RefreshStore.
func (s *PostgresRefreshStore) Save(ctx context.Context, rt RefreshToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO refresh_tokens (token, principal_id, issued_at, expires_at) VALUES ($1, $2, $3, $4)`,
		rt.Token, rt.PrincipalID, rt.IssuedAt, rt.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// FindByToken implements RefreshStore.
func (s *PostgresRefreshStore) FindByToken(ctx context.Context, tokenValue string) (RefreshToken, bool, error) {
	var rt RefreshToken
	err := s.pool.QueryRow(ctx,
		`SELECT token, principal_id, issued_at, expires_at FROM refresh_tokens WHERE token = $1`,
		tokenValue,
	).Scan(&rt.Token, &rt.PrincipalID, &rt.IssuedAt, &rt.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, false, nil
		}
		return RefreshToken{}, false, fmt.Errorf("select refresh token: %w", err)
	}
	return rt, true, nil
}

// DeleteByToken implements RefreshStore.
func (s *PostgresRefreshStore) DeleteByToken(ctx context.Context, tokenValue string) (RefreshToken, bool, error) {
	var rt RefreshToken
	err := s.pool.QueryRow(ctx,
		`DELETE FROM refresh_tokens WHERE token = $1 RETURNING token, principal_id, issued_at, expires_at`,
		tokenValue,
	).Scan(&rt.Token, &rt.PrincipalID, &rt.IssuedAt, &rt.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, false, nil
		}
		return RefreshToken{}, false, fmt.Errorf("delete refresh token: %w", err)
	}
	return rt, true, nil
}

// DeleteExpired implements RefreshStore.
func (s *PostgresRefreshStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close implements RefreshStore.
func (s *PostgresRefreshStore) Close() error {
	s.pool.Close()
	s.logger.Info("refresh token store closed")
	return nil
}
