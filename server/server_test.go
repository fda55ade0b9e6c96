package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-jose/go-jose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testServiceSecret = "service-secret-0123456789"
	testRedirect      = "myapp://callback"
	testUserID        = "80351110224678912"
)

// newFakeDiscord serves the token and current-user endpoints of an OAuth2
// provider. Code "good" logs in testUserID.
func newFakeDiscord(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("code") != "good" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"at-1","token_type":"Bearer","refresh_token":"rt-1","expires_in":3600}`)
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"`+testUserID+`","username":"nelly","avatar":"a_1f2e"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T, mutate ...func(*Config)) *App {
	t.Helper()
	upstream := newFakeDiscord(t)

	cfg := DefaultConfig()
	cfg.Server.PublicURL = "https://auth.test"
	cfg.Server.SecretsPath = t.TempDir()
	cfg.Tokens.ServiceSecret = testServiceSecret
	cfg.Login.RedirectAllowlist = []string{testRedirect}
	cfg.Login.DefaultRedirect = testRedirect
	cfg.Provider.ClientID = "client"
	cfg.Provider.ClientSecret = "secret"
	cfg.Provider.AuthURL = upstream.URL + "/authorize"
	cfg.Provider.TokenURL = upstream.URL + "/token"
	cfg.Provider.UserURL = upstream.URL + "/user"
	for _, m := range mutate {
		m(&cfg)
	}
	cfg.applyDerived()
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func do(t *testing.T, h http.Handler, method, target string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func bearerHeader(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// login drives /login and /auth/{provider} and returns the hand-off token.
func login(t *testing.T, h http.Handler, clientState string) string {
	t.Helper()
	w := do(t, h, http.MethodGet, "/login/discord?state="+clientState+"&redirect="+url.QueryEscape(testRedirect), nil, nil)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	authURL, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", authURL.Path)
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)

	w = do(t, h, http.MethodGet, "/auth/discord?code=good&state="+url.QueryEscape(state), nil, nil)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	back, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "myapp", back.Scheme)
	assert.Equal(t, clientState, back.Query().Get("state"))
	handoff := back.Query().Get("token")
	require.NotEmpty(t, handoff)
	return handoff
}

func TestLoginToAccessTokenOverHTTP(t *testing.T) {
	app := newTestApp(t)
	h := app.Routes()

	handoff := login(t, h, "abc")

	w := do(t, h, http.MethodPost, "/auth", url.Values{"token": {handoff}, "device": {"laptop"}}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	refresh := w.Body.String()
	assert.Len(t, refresh, 64)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = do(t, h, http.MethodPost, "/auth", url.Values{"token": {handoff}}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "hand-off token is single use")

	w = do(t, h, http.MethodPost, "/token", url.Values{"token": {refresh}, "device": {"laptop"}}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
		User         struct {
			Provider       string `json:"provider"`
			ProviderUserID string `json:"provider_user_id"`
			Username       string `json:"username"`
			AvatarURL      string `json:"avatar_url"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(540), resp.ExpiresIn)
	assert.NotEqual(t, refresh, resp.RefreshToken)
	assert.Equal(t, "discord", resp.User.Provider)
	assert.Equal(t, testUserID, resp.User.ProviderUserID)
	assert.Equal(t, "nelly", resp.User.Username)
	assert.Equal(t, "https://cdn.discordapp.com/avatars/"+testUserID+"/a_1f2e.png", resp.User.AvatarURL)

	w = do(t, h, http.MethodPost, "/token", url.Values{"token": {refresh}}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "rotated refresh token is dead")

	w = do(t, h, http.MethodGet, "/me", nil, bearerHeader(resp.AccessToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var me meResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.False(t, me.Anonymous)
	assert.Equal(t, "nelly", me.Username)
	assert.Equal(t, testUserID, me.ProviderUserID)

	tok, err := app.Signer.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "nelly", tok.Username)
	assert.Equal(t, testUserID, tok.ProviderUserID)
}

func TestExternalTokenAndIntrospection(t *testing.T) {
	app := newTestApp(t)
	h := app.Routes()

	w := do(t, h, http.MethodPost, "/auth", url.Values{"token": {login(t, h, "")}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodPost, "/token", url.Values{"token": {w.Body.String()}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = do(t, h, http.MethodPost, "/token/external", url.Values{"host": {"maps.test"}}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodPost, "/token/external", url.Values{"host": {"maps.test"}}, bearerHeader(resp.AccessToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	external := w.Body.String()

	// an external token is not a user credential
	w = do(t, h, http.MethodGet, "/me", nil, bearerHeader(external))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodPost, "/introspect", url.Values{"token": {external}, "host": {"maps.test"}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active":true}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/introspect", url.Values{"token": {external}, "host": {"maps.test"}}, bearerHeader(testServiceSecret))
	require.Equal(t, http.StatusOK, w.Code)
	var claims introspectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claims))
	assert.True(t, claims.Active)
	assert.Equal(t, "external", claims.Type)
	assert.Equal(t, []string{"maps.test"}, claims.Audience)
	assert.Equal(t, "nelly", claims.Username)

	w = do(t, h, http.MethodPost, "/introspect", url.Values{"token": {external}, "host": {"other.test"}}, bearerHeader(testServiceSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active":false}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/introspect", url.Values{"token": {external}}, bearerHeader("wrong-secret"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRevokeAndLogoutOverHTTP(t *testing.T) {
	app := newTestApp(t)
	h := app.Routes()

	issue := func(device string) string {
		w := do(t, h, http.MethodPost, "/auth", url.Values{"token": {login(t, h, "")}, "device": {device}}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		return w.Body.String()
	}
	phone, laptop, tablet := issue("phone"), issue("laptop"), issue("tablet")

	w := do(t, h, http.MethodPost, "/revoke", url.Values{"token": {phone}}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodPost, "/revoke", url.Values{"token": {phone}}, nil)
	assert.Equal(t, http.StatusOK, w.Code, "revoke is idempotent")
	w = do(t, h, http.MethodPost, "/revoke", url.Values{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodPost, "/token", url.Values{"token": {phone}}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodPost, "/token", url.Values{"token": {laptop}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = do(t, h, http.MethodPost, "/logout", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(t, h, http.MethodPost, "/logout", nil, bearerHeader(resp.AccessToken))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/token", url.Values{"token": {tablet}}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "logout drops every device")
}

func TestLoginErrors(t *testing.T) {
	app := newTestApp(t)
	h := app.Routes()

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"unknown provider login", "/login/github", http.StatusNotFound},
		{"unknown provider callback", "/auth/github?state=x&code=good", http.StatusNotFound},
		{"redirect not allow-listed", "/login/discord?redirect=" + url.QueryEscape("https://evil.test/"), http.StatusBadRequest},
		{"state too long", "/login/discord?state=" + strings.Repeat("s", 129), http.StatusBadRequest},
		{"callback without state", "/auth/discord?code=good", http.StatusBadRequest},
		{"callback with unknown state", "/auth/discord?code=good&state=nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, tt.target, nil, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestCallbackProviderErrorIsPlainText(t *testing.T) {
	app := newTestApp(t)
	h := app.Routes()

	w := do(t, h, http.MethodGet, "/login/discord", nil, nil)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")

	w = do(t, h, http.MethodGet, "/auth/discord?error=access_denied&state="+url.QueryEscape(state), nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, w.Body.String(), "access denied")
}

func TestMeIsAnonymousWithoutBearer(t *testing.T) {
	h := newTestApp(t).Routes()

	w := do(t, h, http.MethodGet, "/me", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"anonymous":true}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/me", nil, http.Header{"Authorization": {"Basic Zm9vOmJhcg=="}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPublicEndpointsAreRateLimited(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.RateLimits.Public = BucketConfig{Capacity: 3, PerSecond: 0.01}
	})
	h := app.Routes()

	for i := 0; i < 3; i++ {
		w := do(t, h, http.MethodPost, "/revoke", url.Values{"token": {"x"}}, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := do(t, h, http.MethodPost, "/token", url.Values{"token": {"x"}}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// bearer endpoints use their own bucket
	w = do(t, h, http.MethodGet, "/me", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBadBearerTokensAreRateLimited(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.RateLimits.Verify = BucketConfig{Capacity: 10, PerSecond: 0.01}
	})
	h := app.Routes()

	// each failure costs 1 + 4 tokens
	for i := 0; i < 2; i++ {
		w := do(t, h, http.MethodGet, "/me", nil, bearerHeader("forged"))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := do(t, h, http.MethodGet, "/me", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAnonymousIntrospectionMissesAreRateLimited(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.RateLimits.Verify = BucketConfig{Capacity: 10, PerSecond: 0.01}
	})
	h := app.Routes()

	for i := 0; i < 2; i++ {
		w := do(t, h, http.MethodPost, "/introspect", url.Values{"token": {"guess"}}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"active":false}`, w.Body.String())
	}
	w := do(t, h, http.MethodPost, "/introspect", url.Values{"token": {"guess"}}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestTokenSurvivesProviderOutage(t *testing.T) {
	var down atomic.Bool
	users := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"`+testUserID+`","username":"nelly","avatar":"a_1f2e"}`)
	}))
	t.Cleanup(users.Close)
	app := newTestApp(t, func(c *Config) {
		c.Provider.UserURL = users.URL
	})
	h := app.Routes()

	w := do(t, h, http.MethodPost, "/auth", url.Values{"token": {login(t, h, "")}}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	refresh := w.Body.String()

	down.Store(true)
	w = do(t, h, http.MethodPost, "/token", url.Values{"token": {refresh}}, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", strings.TrimSpace(w.Body.String()))

	down.Store(false)
	w = do(t, h, http.MethodPost, "/token", url.Values{"token": {refresh}}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"username":"nelly"`)
}

func TestTrustProxyHeadersSelectsRateLimitKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "10.0.0.1", clientAddr(req, false))
	assert.Equal(t, "203.0.113.9", clientAddr(req, true))
}

func TestJWKSAndHealth(t *testing.T) {
	app := newTestApp(t)
	h := app.Routes()

	w := do(t, h, http.MethodGet, "/.well-known/jwks.json", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var set jose.JSONWebKeySet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, app.Signer.KeyID(), set.Keys[0].KeyID)

	w = do(t, h, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSecurityHeadersInProduction(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.Server.DevMode = false
		c.Server.TLS.Domains = []string{"auth.test"}
	})
	h := app.Routes()

	req := httptest.NewRequest(http.MethodGet, "https://auth.test/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
