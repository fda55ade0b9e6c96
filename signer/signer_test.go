package signer

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestSigner(t *testing.T, dir string, clock *testClock) *Signer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(Config{
		PrivateKeyPath: filepath.Join(dir, "private.pem"),
		PublicKeyPath:  filepath.Join(dir, "public.pem"),
		Issuer:         "https://auth.test",
		Now:            clock.Now,
	}, logger)
	require.NoError(t, err)
	return s
}

func testIdentity() Identity {
	return Identity{
		AccountID:      42,
		Provider:       "discord",
		ProviderUserID: "80351110224678912",
		Username:       "nelly",
		AvatarURL:      "https://cdn.example/avatar.png",
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	clock := &testClock{now: time.Now()}
	s := newTestSigner(t, t.TempDir(), clock)

	raw, err := s.SignAccess(testIdentity(), 10*time.Minute)
	require.NoError(t, err)

	tok, err := s.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeUser, tok.Type)
	assert.Equal(t, testIdentity(), tok.Identity)
	assert.Empty(t, tok.Audience)
	assert.Equal(t, clock.now.Add(10*time.Minute).Unix(), tok.ExpiresAt.Unix())
}

func TestVerifyFailsAfterExpiry(t *testing.T) {
	clock := &testClock{now: time.Now()}
	s := newTestSigner(t, t.TempDir(), clock)

	raw, err := s.SignAccess(testIdentity(), time.Minute)
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * time.Minute)
	_, err = s.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenDoesNotCarryRawAccountID(t *testing.T) {
	clock := &testClock{now: time.Now()}
	s := newTestSigner(t, t.TempDir(), clock)

	raw, err := s.SignAccess(testIdentity(), time.Minute)
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	require.NoError(t, err)
	mc := parsed.Claims.(jwt.MapClaims)
	uid, ok := mc["uid"].(string)
	require.True(t, ok)
	assert.NotEqual(t, "42", uid)
	assert.GreaterOrEqual(t, len(uid), minIDLength)
}

func TestExternalTokenAudienceBinding(t *testing.T) {
	clock := &testClock{now: time.Now()}
	s := newTestSigner(t, t.TempDir(), clock)

	raw, err := s.SignExternal(testIdentity(), "maps.example.org")
	require.NoError(t, err)

	tok, err := s.VerifyAudience(raw, "maps.example.org")
	require.NoError(t, err)
	assert.Equal(t, TypeExternal, tok.Type)
	assert.Equal(t, []string{"maps.example.org"}, tok.Audience)
	assert.Equal(t, ExternalTTL, tok.ExpiresAt.Sub(tok.IssuedAt))

	_, err = s.VerifyAudience(raw, "evil.example.org")
	assert.ErrorIs(t, err, ErrInvalidToken)

	clock.now = clock.now.Add(ExternalTTL + time.Second)
	_, err = s.VerifyAudience(raw, "maps.example.org")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsTampering(t *testing.T) {
	clock := &testClock{now: time.Now()}
	s := newTestSigner(t, t.TempDir(), clock)

	raw, err := s.SignAccess(testIdentity(), time.Minute)
	require.NoError(t, err)
	parts := strings.Split(raw, ".")
	require.Len(t, parts, 3)

	cases := map[string]string{
		"empty":         "",
		"garbage":       "not-a-jwt",
		"bad signature": parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2])),
		"swapped body":  parts[0] + ".eyJ0eXAiOiJ1c2VyIn0." + parts[2],
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	clock := &testClock{now: time.Now()}
	a := newTestSigner(t, t.TempDir(), clock)
	b := newTestSigner(t, t.TempDir(), clock)

	raw, err := a.SignAccess(testIdentity(), time.Minute)
	require.NoError(t, err)
	_, err = b.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsBadShape(t *testing.T) {
	clock := &testClock{now: time.Now()}
	s := newTestSigner(t, t.TempDir(), clock)

	sign := func(mc jwt.MapClaims) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
		tok.Header["kid"] = s.KeyID()
		raw, err := tok.SignedString(s.keys.private)
		require.NoError(t, err)
		return raw
	}
	uid, err := s.ids.encode(7)
	require.NoError(t, err)
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"typ":              "user",
			"uid":              uid,
			"provider":         "discord",
			"provider_user_id": "1",
			"iss":              "https://auth.test",
			"iat":              clock.now.Unix(),
			"exp":              clock.now.Add(time.Minute).Unix(),
		}
	}

	_, err = s.Verify(sign(base()))
	require.NoError(t, err, "baseline must verify")

	mutations := map[string]func(jwt.MapClaims){
		"unknown type":         func(m jwt.MapClaims) { m["typ"] = "admin" },
		"numeric uid":          func(m jwt.MapClaims) { m["uid"] = 7 },
		"raw uid":              func(m jwt.MapClaims) { m["uid"] = "7" },
		"missing provider":     func(m jwt.MapClaims) { delete(m, "provider") },
		"non-string user id":   func(m jwt.MapClaims) { m["provider_user_id"] = 1 },
		"missing exp":          func(m jwt.MapClaims) { delete(m, "exp") },
		"wrong issuer":         func(m jwt.MapClaims) { m["iss"] = "https://other" },
		"external without aud": func(m jwt.MapClaims) { m["typ"] = "external" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			mc := base()
			mutate(mc)
			_, err := s.Verify(sign(mc))
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestKeysPersistAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Now()}
	first := newTestSigner(t, dir, clock)

	raw, err := first.SignAccess(testIdentity(), time.Minute)
	require.NoError(t, err)

	second := newTestSigner(t, dir, clock)
	assert.Equal(t, first.KeyID(), second.KeyID())
	_, err = second.Verify(raw)
	assert.NoError(t, err)
}

func TestMissingHalfRegeneratesPair(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Now()}
	first := newTestSigner(t, dir, clock)

	raw, err := first.SignAccess(testIdentity(), time.Minute)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "public.pem")))
	second := newTestSigner(t, dir, clock)
	assert.NotEqual(t, first.KeyID(), second.KeyID())
	_, err = second.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMismatchedHalvesAreRejected(t *testing.T) {
	clock := &testClock{now: time.Now()}
	dirA, dirB := t.TempDir(), t.TempDir()
	newTestSigner(t, dirA, clock)
	newTestSigner(t, dirB, clock)

	pub, err := os.ReadFile(filepath.Join(dirB, "public.pem"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "public.pem"), pub, 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err = New(Config{
		PrivateKeyPath: filepath.Join(dirA, "private.pem"),
		PublicKeyPath:  filepath.Join(dirA, "public.pem"),
	}, logger)
	assert.Error(t, err)
}

func TestIDCodecIsBijective(t *testing.T) {
	codec, err := newIDCodec("")
	require.NoError(t, err)

	seen := make(map[string]int64)
	for _, id := range []int64{0, 1, 2, 41, 42, 1000, 1 << 40} {
		s, err := codec.encode(id)
		require.NoError(t, err)
		if prev, dup := seen[s]; dup {
			t.Fatalf("ids %d and %d share encoding %q", prev, id, s)
		}
		seen[s] = id

		back, err := codec.decode(s)
		require.NoError(t, err)
		assert.Equal(t, id, back)
	}

	_, err = codec.decode("")
	assert.Error(t, err)
	_, err = codec.encode(-1)
	assert.Error(t, err)
}

func TestPublicJWKS(t *testing.T) {
	clock := &testClock{now: time.Now()}
	s := newTestSigner(t, t.TempDir(), clock)

	set := s.PublicJWKS()
	require.Len(t, set.Keys, 1)
	assert.Equal(t, s.KeyID(), set.Keys[0].KeyID)
	assert.True(t, set.Keys[0].IsPublic())
}
