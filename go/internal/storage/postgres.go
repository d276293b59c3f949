package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore keeps client state in a client_state table keyed by
// installation, so several installs can share one database.
type PostgresStore struct {
	pool         *pgxpool.Pool
	installation string
}

// NewPostgresStore connects, ensures the table exists and scopes all keys to installation
func NewPostgresStore(ctx context.Context, dsn, installation string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS client_state (
			installation TEXT NOT NULL,
			key          TEXT NOT NULL,
			value        TEXT NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (installation, key)
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure client_state table: %w", err)
	}

	log.Info().Str("installation", installation).Msg("postgres client state store ready")
	return &PostgresStore{pool: pool, installation: installation}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM client_state WHERE installation = $1 AND key = $2`,
		s.installation, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO client_state (installation, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (installation, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, s.installation, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM client_state WHERE installation = $1 AND key = $2`,
		s.installation, key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM client_state WHERE installation = $1`, s.installation)
	if err != nil {
		return fmt.Errorf("failed to clear client state: %w", err)
	}
	log.Info().
		Str("installation", s.installation).
		Int64("removed", tag.RowsAffected()).
		Msg("cleared client state")
	return nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}
