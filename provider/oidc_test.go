package provider

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokend/store/memory"
)

// newFakeOIDC serves discovery, JWKS, token and userinfo endpoints for subject "sub-1".
func newFakeOIDC(t *testing.T) *httptest.Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                srv.URL,
			"authorization_endpoint":                srv.URL + "/authorize",
			"token_endpoint":                        srv.URL + "/token",
			"userinfo_endpoint":                     srv.URL + "/userinfo",
			"jwks_uri":                              srv.URL + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &key.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig",
		}}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("code") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		now := time.Now()
		idToken := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss": srv.URL,
			"sub": "sub-1",
			"aud": "client",
			"iat": now.Unix(),
			"exp": now.Add(time.Hour).Unix(),
		})
		idToken.Header["kid"] = "k1"
		raw, err := idToken.SignedString(key)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "oidc-at", "token_type": "Bearer", "expires_in": 3600, "id_token": raw,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer oidc-at" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"sub":"sub-1","preferred_username":"ada","picture":"https://img.test/ada.png"}`)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOIDCHandleResponseAndUser(t *testing.T) {
	ctx := context.Background()
	srv := newFakeOIDC(t)
	accounts := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := New(ctx, Config{
		Kind:        KindOIDC,
		Name:        "corp",
		ClientID:    "client",
		RedirectURL: "https://auth.test/auth/corp",
		Issuer:      srv.URL,
	}, accounts, logger)
	require.NoError(t, err)

	u, err := url.Parse(p.LoginURL("st"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", u.Path)
	assert.Contains(t, u.Query().Get("scope"), "openid")

	id, err := p.HandleResponse(ctx, url.Values{"code": {"good"}, "state": {"st"}})
	require.NoError(t, err)
	acc, err := accounts.Account(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", acc.ProviderUserID)

	profile, err := p.User(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, Profile{Provider: "corp", ProviderUserID: "sub-1", Username: "ada", AvatarURL: "https://img.test/ada.png"}, profile)

	_, err = p.HandleResponse(ctx, url.Values{"code": {"bad"}})
	var perr *Error
	assert.ErrorAs(t, err, &perr)
}

func TestResolveAzureTenantIssuer(t *testing.T) {
	issuer, ok := resolveAzureTenantIssuer("https://login.microsoftonline.com/common/v2.0", "abc123")
	if !ok {
		t.Fatalf("expected azure issuer rewrite to trigger")
	}
	want := "https://login.microsoftonline.com/abc123/v2.0"
	if issuer != want {
		t.Fatalf("issuer mismatch: got %q want %q", issuer, want)
	}

	issuer, ok = resolveAzureTenantIssuer("https://login.microsoftonline.com/{tenant}/v2.0", "abc123")
	if !ok || issuer != want {
		t.Fatalf("placeholder issuer mismatch: got %q (ok=%v) want %q", issuer, ok, want)
	}

	issuer, ok = resolveAzureTenantIssuer("https://example.com/oidc", "abc123")
	if ok {
		t.Fatalf("did not expect rewrite for non-Azure issuer")
	}
	if issuer != "https://example.com/oidc" {
		t.Fatalf("issuer should remain unchanged, got %q", issuer)
	}
}
