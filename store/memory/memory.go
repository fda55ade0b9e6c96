package memory

import (
	"context"
	"sync"
	"time"

	"tokend/store"
)

var _ store.Store = (*Store)(nil)

type accountKey struct {
	provider       string
	providerUserID string
}

type deviceKey struct {
	accountID int64
	key       string
}

// Store keeps accounts and devices in process memory. State is lost on restart.
type Store struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]store.Account
	byUser   map[accountKey]int64
	tokens   map[accountKey]store.ProviderToken
	devices  map[deviceKey]store.Device
	byHash   map[string]deviceKey
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for created and updated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		accounts: make(map[int64]store.Account),
		byUser:   make(map[accountKey]int64),
		tokens:   make(map[accountKey]store.ProviderToken),
		devices:  make(map[deviceKey]store.Device),
		byHash:   make(map[string]deviceKey),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) EnsureAccount(ctx context.Context, provider, providerUserID string, tok store.ProviderToken) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := accountKey{provider, providerUserID}
	s.tokens[k] = tok
	if id, ok := s.byUser[k]; ok {
		return id, nil
	}
	s.nextID++
	id := s.nextID
	s.byUser[k] = id
	s.accounts[id] = store.Account{ID: id, Provider: provider, ProviderUserID: providerUserID, CreatedAt: s.now()}
	return id, nil
}

func (s *Store) Account(ctx context.Context, id int64) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return acc, nil
}

func (s *Store) ProviderToken(ctx context.Context, provider, providerUserID string) (store.ProviderToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[accountKey{provider, providerUserID}]
	if !ok {
		return store.ProviderToken{}, store.ErrNotFound
	}
	return tok, nil
}

func (s *Store) SaveProviderToken(ctx context.Context, provider, providerUserID string, tok store.ProviderToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := accountKey{provider, providerUserID}
	if _, ok := s.byUser[k]; !ok {
		return store.ErrNotFound
	}
	s.tokens[k] = tok
	return nil
}

func (s *Store) CreateDevice(ctx context.Context, d store.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[d.AccountID]; !ok {
		return store.ErrNotFound
	}
	k := deviceKey{d.AccountID, d.DeviceKey}
	if old, ok := s.devices[k]; ok {
		delete(s.byHash, old.TokenHash)
	}
	now := s.now()
	d.CreatedAt, d.UpdatedAt = now, now
	s.devices[k] = d
	s.byHash[d.TokenHash] = k
	return nil
}

func (s *Store) RotateDevice(ctx context.Context, oldHash, key, newHash string, expiresAt, now time.Time) (store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.byHash[oldHash]
	if !ok {
		return store.Device{}, store.ErrNotFound
	}
	d := s.devices[k]
	if !d.ExpiresAt.After(now) || (key != "" && d.DeviceKey != key) {
		return store.Device{}, store.ErrNotFound
	}
	delete(s.byHash, oldHash)
	d.TokenHash = newHash
	d.ExpiresAt = expiresAt
	d.UpdatedAt = now
	s.devices[k] = d
	s.byHash[newHash] = k
	return d, nil
}

func (s *Store) RevokeDevice(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.byHash[tokenHash]; ok {
		delete(s.byHash, tokenHash)
		delete(s.devices, k)
	}
	return nil
}

func (s *Store) DeleteDevices(ctx context.Context, accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, d := range s.devices {
		if k.accountID == accountID {
			delete(s.byHash, d.TokenHash)
			delete(s.devices, k)
		}
	}
	return nil
}

func (s *Store) SweepDevices(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, d := range s.devices {
		if !d.ExpiresAt.After(now) {
			delete(s.byHash, d.TokenHash)
			delete(s.devices, k)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
