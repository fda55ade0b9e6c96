// Package storetest holds behaviour tests shared by every store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokend/store"
)

// Run exercises s against the store.Store contract. Each subtest gets a fresh store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	tests := map[string]func(t *testing.T, s store.Store){
		"EnsureAccountIsIdempotent":   testEnsureAccount,
		"ProviderTokenRoundTrip":      testProviderToken,
		"RotateSwapsHash":             testRotate,
		"RotateIsSingleUse":           testRotateSingleUse,
		"RotateRejectsExpired":        testRotateExpired,
		"RotateChecksDeviceKey":       testRotateDeviceKey,
		"CreateDeviceReplacesSameKey": testCreateReplaces,
		"RevokeAndDeleteDevices":      testRevokeDelete,
		"SweepRemovesExpired":         testSweep,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

// base is millisecond aligned so every backend round-trips it exactly.
var base = time.UnixMilli(1_750_000_000_000).UTC()

func account(t *testing.T, s store.Store, puid string) int64 {
	t.Helper()
	id, err := s.EnsureAccount(context.Background(), "discord", puid, store.ProviderToken{AccessToken: "a-" + puid})
	require.NoError(t, err)
	return id
}

func device(t *testing.T, s store.Store, accountID int64, key, token string, expires time.Time) {
	t.Helper()
	require.NoError(t, s.CreateDevice(context.Background(), store.Device{
		AccountID: accountID,
		DeviceKey: key,
		TokenHash: store.HashToken(token),
		ExpiresAt: expires,
	}))
}

func testEnsureAccount(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := account(t, s, "100")
	again := account(t, s, "100")
	other := account(t, s, "200")

	assert.Equal(t, first, again)
	assert.NotEqual(t, first, other)

	acc, err := s.Account(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "discord", acc.Provider)
	assert.Equal(t, "100", acc.ProviderUserID)

	_, err = s.Account(ctx, other+1000)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testProviderToken(t *testing.T, s store.Store) {
	ctx := context.Background()
	account(t, s, "100")

	want := store.ProviderToken{AccessToken: "new", RefreshToken: "r", TokenType: "Bearer", Expiry: base.Add(time.Hour)}
	require.NoError(t, s.SaveProviderToken(ctx, "discord", "100", want))

	got, err := s.ProviderToken(ctx, "discord", "100")
	require.NoError(t, err)
	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.Equal(t, want.RefreshToken, got.RefreshToken)
	assert.Equal(t, want.TokenType, got.TokenType)
	assert.True(t, want.Expiry.Equal(got.Expiry), "expiry %v != %v", got.Expiry, want.Expiry)

	_, err = s.ProviderToken(ctx, "discord", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.SaveProviderToken(ctx, "discord", "missing", want), store.ErrNotFound)
}

func testRotate(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := account(t, s, "100")
	device(t, s, id, "default", "old", base.Add(time.Hour))

	d, err := s.RotateDevice(ctx, store.HashToken("old"), "", store.HashToken("new"), base.Add(2*time.Hour), base)
	require.NoError(t, err)
	assert.Equal(t, id, d.AccountID)
	assert.Equal(t, "default", d.DeviceKey)
	assert.Equal(t, store.HashToken("new"), d.TokenHash)
	assert.True(t, d.ExpiresAt.Equal(base.Add(2*time.Hour)))

	_, err = s.RotateDevice(ctx, store.HashToken("new"), "default", store.HashToken("newer"), base.Add(3*time.Hour), base)
	assert.NoError(t, err)
}

func testRotateSingleUse(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := account(t, s, "100")
	device(t, s, id, "default", "old", base.Add(time.Hour))

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := store.HashToken(string(rune('a' + i)))
			_, err := s.RotateDevice(ctx, store.HashToken("old"), "", next, base.Add(2*time.Hour), base)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testRotateExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := account(t, s, "100")
	device(t, s, id, "default", "old", base)

	_, err := s.RotateDevice(ctx, store.HashToken("old"), "", store.HashToken("new"), base.Add(time.Hour), base)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRotateDeviceKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := account(t, s, "100")
	device(t, s, id, "laptop", "old", base.Add(time.Hour))

	_, err := s.RotateDevice(ctx, store.HashToken("old"), "phone", store.HashToken("new"), base.Add(time.Hour), base)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.RotateDevice(ctx, store.HashToken("old"), "laptop", store.HashToken("new"), base.Add(time.Hour), base)
	assert.NoError(t, err)
}

func testCreateReplaces(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := account(t, s, "100")
	device(t, s, id, "default", "first", base.Add(time.Hour))
	device(t, s, id, "default", "second", base.Add(time.Hour))
	device(t, s, id, "phone", "third", base.Add(time.Hour))

	_, err := s.RotateDevice(ctx, store.HashToken("first"), "", store.HashToken("x"), base.Add(time.Hour), base)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.RotateDevice(ctx, store.HashToken("second"), "", store.HashToken("y"), base.Add(time.Hour), base)
	assert.NoError(t, err)
	_, err = s.RotateDevice(ctx, store.HashToken("third"), "", store.HashToken("z"), base.Add(time.Hour), base)
	assert.NoError(t, err)
}

func testRevokeDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := account(t, s, "100")
	b := account(t, s, "200")
	device(t, s, a, "one", "a1", base.Add(time.Hour))
	device(t, s, a, "two", "a2", base.Add(time.Hour))
	device(t, s, b, "one", "b1", base.Add(time.Hour))

	require.NoError(t, s.RevokeDevice(ctx, store.HashToken("a1")))
	require.NoError(t, s.RevokeDevice(ctx, store.HashToken("unknown")))
	_, err := s.RotateDevice(ctx, store.HashToken("a1"), "", store.HashToken("x"), base.Add(time.Hour), base)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.DeleteDevices(ctx, a))
	_, err = s.RotateDevice(ctx, store.HashToken("a2"), "", store.HashToken("y"), base.Add(time.Hour), base)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.RotateDevice(ctx, store.HashToken("b1"), "", store.HashToken("z"), base.Add(time.Hour), base)
	assert.NoError(t, err, "other accounts keep their devices")
}

func testSweep(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := account(t, s, "100")
	device(t, s, id, "stale", "s", base.Add(-time.Minute))
	device(t, s, id, "edge", "e", base)
	device(t, s, id, "live", "l", base.Add(time.Minute))

	n, err := s.SweepDevices(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.RotateDevice(ctx, store.HashToken("l"), "", store.HashToken("l2"), base.Add(time.Hour), base)
	assert.NoError(t, err)
}
