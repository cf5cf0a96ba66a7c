package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const schema = `CREATE TABLE IF NOT EXISTS portal_credentials (
	session_id    TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	username      TEXT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Querier is the subset of *pgxpool.Pool used by the PostgreSQL store.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresProvider keeps credentials in one row per browser session.
type PostgresProvider struct {
	db     Querier
	ttl    time.Duration
	sealer *Sealer
}

// NewPostgresProvider constructs a PostgresProvider. Rows older than ttl are
// ignored on load; a zero ttl disables the cut-off.
func NewPostgresProvider(db Querier, ttl time.Duration, sealer *Sealer) *PostgresProvider {
	return &PostgresProvider{db: db, ttl: ttl, sealer: sealer}
}

// EnsureSchema creates the credentials table when missing.
func (p *PostgresProvider) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("tokenstore: ensure schema: %w", err)
	}
	return nil
}

// Purge deletes rows that were not touched within the ttl.
func (p *PostgresProvider) Purge(ctx context.Context) (int64, error) {
	if p.ttl <= 0 {
		return 0, nil
	}
	tag, err := p.db.Exec(ctx, `DELETE FROM portal_credentials WHERE updated_at < $1`, time.Now().Add(-p.ttl).UTC())
	if err != nil {
		return 0, fmt.Errorf("tokenstore: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Scope returns the store of a browser session.
func (p *PostgresProvider) Scope(sessionID string) Store {
	return &postgresStore{provider: p, sessionID: sessionID}
}

type postgresStore struct {
	provider  *PostgresProvider
	sessionID string
}

func (s *postgresStore) Load(ctx context.Context) (Credentials, error) {
	var (
		creds     Credentials
		updatedAt time.Time
	)
	err := s.provider.db.QueryRow(ctx,
		`SELECT access_token, refresh_token, username, updated_at FROM portal_credentials WHERE session_id = $1`,
		s.sessionID,
	).Scan(&creds.AccessToken, &creds.RefreshToken, &creds.Username, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credentials{}, nil
		}
		return Credentials{}, fmt.Errorf("tokenstore: postgres load: %w", err)
	}
	if s.provider.ttl > 0 && time.Since(updatedAt) > s.provider.ttl {
		return Credentials{}, nil
	}
	if !creds.Complete() {
		return creds, nil
	}
	return s.provider.sealer.openCredentials(creds)
}

func (s *postgresStore) Save(ctx context.Context, creds Credentials) error {
	sealed, err := s.provider.sealer.sealCredentials(creds)
	if err != nil {
		return err
	}
	_, err = s.provider.db.Exec(ctx, `INSERT INTO portal_credentials (session_id, access_token, refresh_token, username, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (session_id) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	username = EXCLUDED.username,
	updated_at = EXCLUDED.updated_at`,
		s.sessionID, sealed.AccessToken, sealed.RefreshToken, sealed.Username,
	)
	if err != nil {
		return fmt.Errorf("tokenstore: postgres save: %w", err)
	}
	return nil
}

func (s *postgresStore) Clear(ctx context.Context) error {
	if _, err := s.provider.db.Exec(ctx, `DELETE FROM portal_credentials WHERE session_id = $1`, s.sessionID); err != nil {
		return fmt.Errorf("tokenstore: postgres clear: %w", err)
	}
	return nil
}
