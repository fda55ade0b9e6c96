package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokend/signer"
)

type keyServer struct {
	*httptest.Server
	signer  *signer.Signer
	fetches atomic.Int32
}

func newKeyServer(t *testing.T) *keyServer {
	t.Helper()
	dir := t.TempDir()
	sg, err := signer.New(signer.Config{
		PrivateKeyPath: filepath.Join(dir, "private.pem"),
		PublicKeyPath:  filepath.Join(dir, "public.pem"),
		Issuer:         "https://auth.test",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ks := &keyServer{signer: sg}
	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.fetches.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sg.PublicJWKS())
	}))
	t.Cleanup(ks.Close)
	return ks
}

var nelly = signer.Identity{AccountID: 42, Provider: "discord", ProviderUserID: "80351110224678912", Username: "nelly"}

func TestValidateExternalToken(t *testing.T) {
	ks := newKeyServer(t)
	v := NewValidator(ValidatorConfig{Issuer: "https://auth.test", JWKSURL: ks.URL, Host: "maps.test"})

	raw, err := ks.signer.SignExternal(nelly, "maps.test")
	require.NoError(t, err)

	claims, err := v.Validate(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "discord", claims.Provider)
	assert.Equal(t, "80351110224678912", claims.ProviderUserID)
	assert.Equal(t, "nelly", claims.Username)
	assert.NotEmpty(t, claims.UID)
	assert.Equal(t, []string{"maps.test"}, claims.Audiences)

	_, err = v.Validate(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ks.fetches.Load(), "key set is cached")
}

func TestConcurrentValidationsShareOneFetch(t *testing.T) {
	ks := newKeyServer(t)
	release := make(chan struct{})
	var fetches atomic.Int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ks.signer.PublicJWKS())
	}))
	defer slow.Close()

	v := NewValidator(ValidatorConfig{JWKSURL: slow.URL, Host: "maps.test"})
	raw, err := ks.signer.SignExternal(nelly, "maps.test")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Validate(context.Background(), raw)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return fetches.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load())
}

func TestUnknownKeyIDRefetchIsThrottled(t *testing.T) {
	ks := newKeyServer(t)
	v := NewValidator(ValidatorConfig{JWKSURL: ks.URL, Host: "maps.test"})
	start := time.Now()
	v.now = func() time.Time { return start }

	good, err := ks.signer.SignExternal(nelly, "maps.test")
	require.NoError(t, err)
	foreign, err := newKeyServer(t).signer.SignExternal(nelly, "maps.test")
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ks.fetches.Load())

	_, err = v.Validate(context.Background(), foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, int32(2), ks.fetches.Load(), "unknown kid refetches once")

	for i := 0; i < 5; i++ {
		_, err = v.Validate(context.Background(), foreign)
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
	assert.Equal(t, int32(2), ks.fetches.Load())

	_, err = v.Validate(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ks.fetches.Load())

	v.now = func() time.Time { return start.Add(minForcedRefetch + time.Second) }
	_, err = v.Validate(context.Background(), foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, int32(3), ks.fetches.Load())
}

func TestValidateRejects(t *testing.T) {
	ks := newKeyServer(t)
	v := NewValidator(ValidatorConfig{Issuer: "https://auth.test", JWKSURL: ks.URL, Host: "maps.test"})

	otherHost, err := ks.signer.SignExternal(nelly, "other.test")
	require.NoError(t, err)
	access, err := ks.signer.SignAccess(nelly, time.Minute)
	require.NoError(t, err)

	for name, raw := range map[string]string{
		"wrong audience": otherHost,
		"user token":     access,
		"garbage":        "a.b.c",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), raw)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	wrongIssuer := NewValidator(ValidatorConfig{Issuer: "https://elsewhere.test", JWKSURL: ks.URL, Host: "maps.test"})
	raw, err := ks.signer.SignExternal(nelly, "maps.test")
	require.NoError(t, err)
	_, err = wrongIssuer.Validate(context.Background(), raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	ks := newKeyServer(t)
	v := NewValidator(ValidatorConfig{JWKSURL: ks.URL, Host: "maps.test"})
	raw, err := ks.signer.SignExternal(nelly, "maps.test")
	require.NoError(t, err)

	v.now = func() time.Time { return time.Now().Add(signer.ExternalTTL + time.Minute) }
	_, err = v.Validate(context.Background(), raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireAuth(t *testing.T) {
	ks := newKeyServer(t)
	v := NewValidator(ValidatorConfig{JWKSURL: ks.URL, Host: "maps.test"})
	h := RequireAuth(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		_, _ = io.WriteString(w, claims.Username)
	}))

	raw, err := ks.signer.SignExternal(nelly, "maps.test")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nelly", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIntrospect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer service-secret-0123456789", r.Header.Get("Authorization"))
		assert.Equal(t, "tok", r.PostFormValue("token"))
		assert.Equal(t, "maps.test", r.PostFormValue("host"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"active":true,"typ":"external","username":"nelly","aud":["maps.test"]}`)
	}))
	defer srv.Close()

	v := NewValidator(ValidatorConfig{Host: "maps.test", IntrospectionURL: srv.URL, ServiceSecret: "service-secret-0123456789"})
	res, err := v.Introspect(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, res.Active)
	assert.Equal(t, "nelly", res.Username)

	_, err = NewValidator(ValidatorConfig{}).Introspect(context.Background(), "tok")
	assert.Error(t, err)
}

func TestMaxCacheDuration(t *testing.T) {
	assert.Equal(t, 300*time.Second, maxCacheDuration("public, max-age=300", time.Minute))
	assert.Equal(t, time.Minute, maxCacheDuration("no-cache", time.Minute))
	assert.Equal(t, 5*time.Minute, maxCacheDuration("", 0))
}
