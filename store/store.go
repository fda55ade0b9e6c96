// Package store defines the persistence contract for accounts and device
// refresh credentials. Implementations live in the memory, sqlite and postgres
// subpackages.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup or rotation matches no row.
var ErrNotFound = errors.New("not found")

// Account is the internal identity bound to one provider user.
type Account struct {
	ID             int64
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// ProviderToken is the provider-side OAuth2 token kept for profile lookups.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// Device is one logged-in client. Only the SHA-256 digest of its refresh token is kept.
type Device struct {
	AccountID int64
	DeviceKey string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists accounts and devices.
type Store interface {
	// EnsureAccount creates the account on first login and refreshes its provider token otherwise.
	EnsureAccount(ctx context.Context, provider, providerUserID string, tok ProviderToken) (int64, error)
	Account(ctx context.Context, id int64) (Account, error)
	ProviderToken(ctx context.Context, provider, providerUserID string) (ProviderToken, error)
	SaveProviderToken(ctx context.Context, provider, providerUserID string, tok ProviderToken) error

	// CreateDevice registers a device, replacing any device with the same account and key.
	CreateDevice(ctx context.Context, d Device) error
	// RotateDevice swaps oldHash for newHash in one step if the device exists and
	// has not expired at now. A non-empty deviceKey must also match.
	RotateDevice(ctx context.Context, oldHash, deviceKey, newHash string, expiresAt, now time.Time) (Device, error)
	RevokeDevice(ctx context.Context, tokenHash string) error
	DeleteDevices(ctx context.Context, accountID int64) error
	SweepDevices(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// HashToken returns the digest under which a refresh token is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
