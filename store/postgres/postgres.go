// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokend/store"
	"tokend/store/postgres/migrations"
)

var _ store.Store = (*Store)(nil)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Store implements store.Store over a pgx pool.
type Store struct {
	db   DBTX
	pool *pgxpool.Pool
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for created and updated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func (s *Store) apply(opts []Option) *Store {
	s.now = time.Now
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn, applies migrations and returns a pooled store.
func Open(ctx context.Context, dsn string, logger *slog.Logger, opts ...Option) (*Store, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("open connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(dsn, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return (&Store{db: pool, pool: pool}).apply(opts), nil
}

// New wraps an existing connection or transaction. Migrations are the caller's job.
func New(db DBTX, opts ...Option) *Store {
	return (&Store{db: db}).apply(opts)
}

func migrate(dsn string, logger *slog.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	return store.Migrate(db, "postgres", migrations.FS, logger)
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) EnsureAccount(ctx context.Context, provider, providerUserID string, tok store.ProviderToken) (int64, error) {
	const query = `
		INSERT INTO accounts (provider, provider_user_id, access_token, refresh_token, token_type, token_expiry, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, provider_user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			token_expiry = EXCLUDED.token_expiry
		RETURNING id`
	var id int64
	err := s.db.QueryRow(ctx, query,
		provider, providerUserID, tok.AccessToken, tok.RefreshToken, tok.TokenType, nullTime(tok.Expiry), s.now(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure account: %w", err)
	}
	return id, nil
}

func (s *Store) Account(ctx context.Context, id int64) (store.Account, error) {
	const query = `SELECT id, provider, provider_user_id, created_at FROM accounts WHERE id = $1`
	var acc store.Account
	err := s.db.QueryRow(ctx, query, id).Scan(&acc.ID, &acc.Provider, &acc.ProviderUserID, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Account{}, store.ErrNotFound
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

func (s *Store) ProviderToken(ctx context.Context, provider, providerUserID string) (store.ProviderToken, error) {
	const query = `
		SELECT access_token, refresh_token, token_type, token_expiry
		FROM accounts WHERE provider = $1 AND provider_user_id = $2`
	var (
		tok    store.ProviderToken
		expiry *time.Time
	)
	err := s.db.QueryRow(ctx, query, provider, providerUserID).
		Scan(&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ProviderToken{}, store.ErrNotFound
	}
	if err != nil {
		return store.ProviderToken{}, fmt.Errorf("get provider token: %w", err)
	}
	if expiry != nil {
		tok.Expiry = *expiry
	}
	return tok, nil
}

func (s *Store) SaveProviderToken(ctx context.Context, provider, providerUserID string, tok store.ProviderToken) error {
	const query = `
		UPDATE accounts SET access_token = $1, refresh_token = $2, token_type = $3, token_expiry = $4
		WHERE provider = $5 AND provider_user_id = $6`
	tag, err := s.db.Exec(ctx, query,
		tok.AccessToken, tok.RefreshToken, tok.TokenType, nullTime(tok.Expiry), provider, providerUserID)
	if err != nil {
		return fmt.Errorf("save provider token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateDevice(ctx context.Context, d store.Device) error {
	const query = `
		INSERT INTO devices (account_id, device_key, token_hash, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (account_id, device_key) DO UPDATE SET
			token_hash = EXCLUDED.token_hash,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(ctx, query, d.AccountID, d.DeviceKey, d.TokenHash, d.ExpiresAt, s.now()); err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

func (s *Store) RotateDevice(ctx context.Context, oldHash, deviceKey, newHash string, expiresAt, now time.Time) (store.Device, error) {
	const query = `
		UPDATE devices SET token_hash = $1, expires_at = $2, updated_at = $3
		WHERE token_hash = $4 AND expires_at > $3 AND ($5 = '' OR device_key = $5)
		RETURNING account_id, device_key, token_hash, expires_at, created_at, updated_at`
	var d store.Device
	err := s.db.QueryRow(ctx, query, newHash, expiresAt, now, oldHash, deviceKey).
		Scan(&d.AccountID, &d.DeviceKey, &d.TokenHash, &d.ExpiresAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Device{}, store.ErrNotFound
	}
	if err != nil {
		return store.Device{}, fmt.Errorf("rotate device: %w", err)
	}
	return d, nil
}

func (s *Store) RevokeDevice(ctx context.Context, tokenHash string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM devices WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	return nil
}

func (s *Store) DeleteDevices(ctx context.Context, accountID int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM devices WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("delete devices: %w", err)
	}
	return nil
}

func (s *Store) SweepDevices(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM devices WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep devices: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
