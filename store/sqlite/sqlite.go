// Package sqlite implements store.Store on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tokend/store"
	"tokend/store/sqlite/migrations"
)

var _ store.Store = (*Store)(nil)

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// Store implements store.Store over SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for created and updated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the database file at path and applies migrations.
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; rotations rely on single-statement atomicity.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := store.Migrate(db, "sqlite3", migrations.FS, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) EnsureAccount(ctx context.Context, provider, providerUserID string, tok store.ProviderToken) (int64, error) {
	const query = `
		INSERT INTO accounts (provider, provider_user_id, access_token, refresh_token, token_type, token_expiry, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			token_expiry = excluded.token_expiry
		RETURNING id`
	var id int64
	err := s.db.QueryRowContext(ctx, query,
		provider, providerUserID, tok.AccessToken, tok.RefreshToken, tok.TokenType,
		toMillis(tok.Expiry), toMillis(s.now()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure account: %w", err)
	}
	return id, nil
}

func (s *Store) Account(ctx context.Context, id int64) (store.Account, error) {
	const query = `SELECT id, provider, provider_user_id, created_at FROM accounts WHERE id = ?`
	var (
		acc     store.Account
		created int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&acc.ID, &acc.Provider, &acc.ProviderUserID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, store.ErrNotFound
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("get account: %w", err)
	}
	acc.CreatedAt = fromMillis(created)
	return acc, nil
}

func (s *Store) ProviderToken(ctx context.Context, provider, providerUserID string) (store.ProviderToken, error) {
	const query = `
		SELECT access_token, refresh_token, token_type, token_expiry
		FROM accounts WHERE provider = ? AND provider_user_id = ?`
	var (
		tok    store.ProviderToken
		expiry int64
	)
	err := s.db.QueryRowContext(ctx, query, provider, providerUserID).
		Scan(&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ProviderToken{}, store.ErrNotFound
	}
	if err != nil {
		return store.ProviderToken{}, fmt.Errorf("get provider token: %w", err)
	}
	tok.Expiry = fromMillis(expiry)
	return tok, nil
}

func (s *Store) SaveProviderToken(ctx context.Context, provider, providerUserID string, tok store.ProviderToken) error {
	const query = `
		UPDATE accounts SET access_token = ?, refresh_token = ?, token_type = ?, token_expiry = ?
		WHERE provider = ? AND provider_user_id = ?`
	res, err := s.db.ExecContext(ctx, query,
		tok.AccessToken, tok.RefreshToken, tok.TokenType, toMillis(tok.Expiry), provider, providerUserID)
	if err != nil {
		return fmt.Errorf("save provider token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateDevice(ctx context.Context, d store.Device) error {
	const query = `
		INSERT INTO devices (account_id, device_key, token_hash, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, device_key) DO UPDATE SET
			token_hash = excluded.token_hash,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx, query, d.AccountID, d.DeviceKey, d.TokenHash, toMillis(d.ExpiresAt), now, now)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

func (s *Store) RotateDevice(ctx context.Context, oldHash, deviceKey, newHash string, expiresAt, now time.Time) (store.Device, error) {
	const query = `
		UPDATE devices SET token_hash = ?, expires_at = ?, updated_at = ?
		WHERE token_hash = ? AND expires_at > ? AND (? = '' OR device_key = ?)
		RETURNING account_id, device_key, token_hash, expires_at, created_at, updated_at`
	var (
		d                         store.Device
		expires, created, updated int64
	)
	nowMs := toMillis(now)
	err := s.db.QueryRowContext(ctx, query,
		newHash, toMillis(expiresAt), nowMs, oldHash, nowMs, deviceKey, deviceKey,
	).Scan(&d.AccountID, &d.DeviceKey, &d.TokenHash, &expires, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Device{}, store.ErrNotFound
	}
	if err != nil {
		return store.Device{}, fmt.Errorf("rotate device: %w", err)
	}
	d.ExpiresAt, d.CreatedAt, d.UpdatedAt = fromMillis(expires), fromMillis(created), fromMillis(updated)
	return d, nil
}

func (s *Store) RevokeDevice(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE token_hash = ?`, tokenHash); err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	return nil
}

func (s *Store) DeleteDevices(ctx context.Context, accountID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("delete devices: %w", err)
	}
	return nil
}

func (s *Store) SweepDevices(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("sweep devices: %w", err)
	}
	return res.RowsAffected()
}
