// Package client lets third-party services verify host-bound tokens issued by
// tokend without sharing any secret.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// minForcedRefetch spaces out key set downloads triggered by an unknown kid.
const minForcedRefetch = 30 * time.Second

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	Issuer string
	// JWKSURL is usually <public_url>/.well-known/jwks.json.
	JWKSURL string
	// Host is this service's name; tokens must carry it as audience.
	Host       string
	CacheTTL   time.Duration
	HTTPClient *http.Client

	// Optional online check through POST /introspect.
	IntrospectionURL string
	ServiceSecret    string
}

// Validator verifies external tokens against the published key set.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	now    func() time.Time

	mu      sync.RWMutex
	cache   jwksCache
	fetches singleflight.Group
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
	// last refetch forced by a kid miss
	forced time.Time
}

// Claims is the verified identity carried by an external token.
type Claims struct {
	UID            string
	Provider       string
	ProviderUserID string
	Username       string
	AvatarURL      string
	Audiences      []string
	ExpiresAt      time.Time
	IssuedAt       time.Time
}

type tokenClaims struct {
	Type           string `json:"typ"`
	UID            string `json:"uid"`
	Provider       string `json:"provider"`
	ProviderUserID string `json:"provider_user_id"`
	Username       string `json:"username,omitempty"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	jwt.RegisteredClaims
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Validator{cfg: cfg, client: client, now: time.Now}
}

// Validate downloads the key set if necessary and verifies the token, its
// audience and its type.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}
	if v.cfg.Host == "" {
		return nil, errors.New("validator host not configured")
	}

	set, err := v.ensureJWKS(ctx, "")
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(v.cfg.Host),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	var c tokenClaims
	tok, err := jwt.ParseWithClaims(rawToken, &c, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// Force refresh on kid miss
			if _, err := v.ensureJWKS(ctx, kid); err == nil {
				key = findKey(v.currentSet(), kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key not found")
		}
		return key.Key, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if c.Type != "external" || c.UID == "" || c.Provider == "" || c.ProviderUserID == "" {
		return nil, ErrInvalidToken
	}

	out := &Claims{
		UID:            c.UID,
		Provider:       c.Provider,
		ProviderUserID: c.ProviderUserID,
		Username:       c.Username,
		AvatarURL:      c.AvatarURL,
		Audiences:      []string(c.Audience),
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	return out, nil
}

// RequireAuth middleware validates tokens and injects claims into context.
func RequireAuth(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(r.Context(), strings.TrimSpace(parts[1]))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func (v *Validator) ensureJWKS(ctx context.Context, kid string) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	now := v.now()
	if cache.set.Keys != nil && now.Before(cache.expires) {
		if kid == "" || now.Sub(cache.forced) < minForcedRefetch {
			return cache.set, nil
		}
		cache.forced = now
		v.mu.Lock()
		v.cache.forced = now
		v.mu.Unlock()
	}

	set, err, _ := v.fetches.Do("jwks", func() (any, error) {
		return v.fetchJWKS(ctx, cache)
	})
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return set.(jose.JSONWebKeySet), nil
}

// fetchJWKS downloads the key set, revalidating with the cached ETag.
func (v *Validator) fetchJWKS(ctx context.Context, cache jwksCache) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = v.now().Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL))
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	cache = jwksCache{set: set, fetched: v.now(), etag: resp.Header.Get("ETag"), forced: cache.forced}
	cache.expires = cache.fetched.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL))

	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func (v *Validator) currentSet() jose.JSONWebKeySet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cache.set
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	parts := strings.Split(header, ",")
	for _, part := range parts {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}

// IntrospectionResult is the body of POST /introspect.
type IntrospectionResult struct {
	Active         bool     `json:"active"`
	Type           string   `json:"typ,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	ProviderUserID string   `json:"provider_user_id,omitempty"`
	Username       string   `json:"username,omitempty"`
	Audience       []string `json:"aud,omitempty"`
	ExpiresAt      int64    `json:"exp,omitempty"`
}

// Introspect asks tokend whether token is still valid for this host.
func (v *Validator) Introspect(ctx context.Context, token string) (IntrospectionResult, error) {
	if v.cfg.IntrospectionURL == "" {
		return IntrospectionResult{}, errors.New("introspection not configured")
	}

	form := url.Values{}
	form.Set("token", token)
	if v.cfg.Host != "" {
		form.Set("host", v.cfg.Host)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return IntrospectionResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if v.cfg.ServiceSecret != "" {
		req.Header.Set("Authorization", "Bearer "+v.cfg.ServiceSecret)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return IntrospectionResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return IntrospectionResult{}, fmt.Errorf("introspection failed: %s", resp.Status)
	}

	var body IntrospectionResult
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return IntrospectionResult{}, err
	}
	return body, nil
}
