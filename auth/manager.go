// Package auth drives the login handshake and the device token lifecycle.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"tokend/provider"
	"tokend/ratelimit"
	"tokend/signer"
	"tokend/store"
)

const (
	StateTTL   = 15 * time.Minute
	HandoffTTL = 10 * time.Second
	// ExpiryMargin is subtracted from the access ttl reported to clients.
	ExpiryMargin = 60 * time.Second

	MaxStateLength     = 128
	MaxRedirectLength  = 512
	MaxDeviceKeyLength = 128
	MaxHostLength      = 253

	DefaultDeviceKey      = "default"
	DefaultFailurePenalty = 4
	// ServicePenaltyFactor multiplies the failure penalty for bad service secrets.
	ServicePenaltyFactor = 5
)

// Config holds the manager's policy knobs.
type Config struct {
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	ServiceSecret     string
	RedirectAllowlist []string
	DefaultRedirect   string
	FailurePenalty    float64
	Now               func() time.Time
}

// TokenResponse is returned by a successful refresh.
type TokenResponse struct {
	AccessToken  string           `json:"access_token"`
	ExpiresIn    int64            `json:"expires_in"`
	RefreshToken string           `json:"refresh_token"`
	User         provider.Profile `json:"user"`
}

type loginState struct {
	clientState string
	redirect    string
}

// Manager owns the CSRF and hand-off tables and coordinates the provider,
// store and signer.
type Manager struct {
	cfg      Config
	idp      provider.IdentityProvider
	store    store.Store
	signer   *signer.Signer
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	now      func() time.Time
	states   *Table[loginState]
	handoffs *Table[int64]

	// last profile seen per account, served when the provider is unreachable
	profilesMu sync.Mutex
	profiles   map[int64]cachedProfile
}

type cachedProfile struct {
	profile provider.Profile
	seen    time.Time
}

// New wires a manager. limiter gates VerifyRequest and VerifyServiceRequest.
func New(cfg Config, idp provider.IdentityProvider, st store.Store, sg *signer.Signer, limiter *ratelimit.Limiter, logger *slog.Logger) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FailurePenalty <= 0 {
		cfg.FailurePenalty = DefaultFailurePenalty
	}
	return &Manager{
		cfg:      cfg,
		idp:      idp,
		store:    st,
		signer:   sg,
		limiter:  limiter,
		logger:   logger,
		now:      cfg.Now,
		states:   NewTable[loginState](cfg.Now),
		handoffs: NewTable[int64](cfg.Now),
		profiles: make(map[int64]cachedProfile),
	}
}

// Provider returns the bound identity provider.
func (m *Manager) Provider() provider.IdentityProvider { return m.idp }

// Login records a CSRF state and returns the provider authorization URL.
func (m *Manager) Login(clientState, redirect string) (string, error) {
	if len(clientState) > MaxStateLength {
		return "", badRequest("state too long")
	}
	if len(redirect) > MaxRedirectLength {
		return "", badRequest("redirect too long")
	}
	if redirect == "" {
		redirect = m.cfg.DefaultRedirect
	}
	if redirect == "" || !slices.Contains(m.cfg.RedirectAllowlist, redirect) {
		return "", badRequest("redirect not allowed")
	}

	id, err := randomToken(16)
	if err != nil {
		return "", internal("could not start login", err)
	}
	m.states.Put(id, loginState{clientState: clientState, redirect: redirect}, m.now().Add(StateTTL))
	return m.idp.LoginURL(id), nil
}

// Callback consumes the CSRF state, completes the provider exchange and returns
// the client redirect carrying a fresh hand-off token.
func (m *Manager) Callback(ctx context.Context, params url.Values) (string, error) {
	id := m.idp.State(params)
	if id == "" {
		return "", badRequest("missing state")
	}
	st, err := m.states.Take(id)
	if err != nil {
		return "", badRequest("invalid or expired state")
	}

	accountID, err := m.idp.HandleResponse(ctx, params)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) {
			return "", &Error{Kind: KindUpstream, Message: perr.Message, Err: err}
		}
		return "", internal("login failed", err)
	}

	handoff, err := randomToken(32)
	if err != nil {
		return "", internal("login failed", err)
	}
	m.handoffs.Put(handoff, accountID, m.now().Add(HandoffTTL))

	target, err := url.Parse(st.redirect)
	if err != nil {
		return "", internal("login failed", err)
	}
	q := target.Query()
	q.Set("token", handoff)
	if st.clientState != "" {
		q.Set("state", st.clientState)
	}
	target.RawQuery = q.Encode()
	return target.String(), nil
}

// RedeemHandoff exchanges a hand-off token for a new device refresh token.
func (m *Manager) RedeemHandoff(ctx context.Context, token, deviceKey string) (string, error) {
	if token == "" {
		return "", badRequest("missing token")
	}
	deviceKey, err := normalizeDeviceKey(deviceKey)
	if err != nil {
		return "", err
	}
	accountID, err := m.handoffs.Take(token)
	switch {
	case errors.Is(err, ErrExpired):
		return "", unauthorized("token expired, retry login")
	case err != nil:
		return "", unauthorized("invalid token")
	}

	refresh, err := randomToken(32)
	if err != nil {
		return "", internal("could not issue token", err)
	}
	err = m.store.CreateDevice(ctx, store.Device{
		AccountID: accountID,
		DeviceKey: deviceKey,
		TokenHash: store.HashToken(refresh),
		ExpiresAt: m.now().Add(m.cfg.RefreshTTL),
	})
	if err != nil {
		return "", internal("could not register device", err)
	}
	m.logger.Info("device registered", "account_id", accountID, "device", deviceKey)
	return refresh, nil
}

// Refresh rotates a device refresh token and issues a new access token.
// An empty deviceKey matches any device.
func (m *Manager) Refresh(ctx context.Context, token, deviceKey string) (TokenResponse, error) {
	if token == "" {
		return TokenResponse{}, badRequest("missing token")
	}
	if len(deviceKey) > MaxDeviceKeyLength {
		return TokenResponse{}, badRequest("device key too long")
	}

	next, err := randomToken(32)
	if err != nil {
		return TokenResponse{}, internal("could not issue token", err)
	}
	now := m.now()
	dev, err := m.store.RotateDevice(ctx, store.HashToken(token), deviceKey, store.HashToken(next), now.Add(m.cfg.RefreshTTL), now)
	if errors.Is(err, store.ErrNotFound) {
		return TokenResponse{}, unauthorized("invalid token")
	}
	if err != nil {
		return TokenResponse{}, internal("could not rotate token", err)
	}

	resp, err := m.issue(ctx, dev, next)
	if err != nil {
		// Nothing was handed out, so the caller keeps its old token.
		if _, rerr := m.store.RotateDevice(context.WithoutCancel(ctx), store.HashToken(next), dev.DeviceKey, store.HashToken(token), dev.ExpiresAt, now); rerr != nil {
			m.logger.Error("could not restore refresh token", "account_id", dev.AccountID, "device", dev.DeviceKey, "error", rerr)
		}
		return TokenResponse{}, err
	}
	return resp, nil
}

func (m *Manager) issue(ctx context.Context, dev store.Device, refresh string) (TokenResponse, error) {
	acc, err := m.store.Account(ctx, dev.AccountID)
	if err != nil {
		return TokenResponse{}, internal("could not load account", err)
	}
	profile, err := m.profile(ctx, acc)
	if err != nil {
		return TokenResponse{}, err
	}

	access, err := m.signer.SignAccess(identity(acc, profile), m.cfg.AccessTTL)
	if err != nil {
		return TokenResponse{}, internal("could not sign token", err)
	}
	return TokenResponse{
		AccessToken:  access,
		ExpiresIn:    int64((m.cfg.AccessTTL - ExpiryMargin) / time.Second),
		RefreshToken: refresh,
		User:         profile,
	}, nil
}

// profile asks the provider for the current profile and falls back to the last
// one seen for the account.
func (m *Manager) profile(ctx context.Context, acc store.Account) (provider.Profile, error) {
	p, err := m.idp.User(ctx, acc.ProviderUserID)
	if err == nil {
		m.profilesMu.Lock()
		m.profiles[acc.ID] = cachedProfile{profile: p, seen: m.now()}
		m.profilesMu.Unlock()
		return p, nil
	}

	m.profilesMu.Lock()
	cached, ok := m.profiles[acc.ID]
	m.profilesMu.Unlock()
	if ok {
		m.logger.Warn("profile lookup failed, using cached profile", "account_id", acc.ID, "error", err)
		return cached.profile, nil
	}
	return provider.Profile{}, internal("could not load profile", err)
}

// sweepProfiles drops cached profiles not refreshed within the refresh ttl;
// no device of that account can still be refreshing.
func (m *Manager) sweepProfiles(now time.Time) int {
	cutoff := now.Add(-m.cfg.RefreshTTL)
	m.profilesMu.Lock()
	defer m.profilesMu.Unlock()
	n := 0
	for id, c := range m.profiles {
		if !c.seen.After(cutoff) {
			delete(m.profiles, id)
			n++
		}
	}
	return n
}

// ExternalToken issues a short-lived token bound to host for an authenticated caller.
func (m *Manager) ExternalToken(id signer.Identity, host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", badRequest("missing host")
	}
	if len(host) > MaxHostLength || strings.ContainsAny(host, "/?# ") {
		return "", badRequest("invalid host")
	}
	tok, err := m.signer.SignExternal(id, host)
	if err != nil {
		return "", internal("could not sign token", err)
	}
	return tok, nil
}

// Revoke deletes the device holding token. Unknown tokens are not an error.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return badRequest("missing token")
	}
	if err := m.store.RevokeDevice(ctx, store.HashToken(token)); err != nil {
		return internal("could not revoke token", err)
	}
	return nil
}

// Logout deletes every device of the account.
func (m *Manager) Logout(ctx context.Context, accountID int64) error {
	if err := m.store.DeleteDevices(ctx, accountID); err != nil {
		return internal("could not log out", err)
	}
	m.logger.Info("account logged out", "account_id", accountID)
	return nil
}

// VerifyRequest authenticates a user bearer token. A nil token with a nil
// error means the caller is anonymous and required was false.
func (m *Manager) VerifyRequest(addr, authorization string, required bool) (*signer.Token, error) {
	if !m.limiter.Consume(addr, 1) {
		return nil, rateLimited(m.limiter.TimeUntilRefill(addr, 1))
	}
	raw, present := bearer(authorization)
	if !present {
		if required || authorization != "" {
			return nil, unauthorized("authorization required")
		}
		return nil, nil
	}

	tok, err := m.signer.Verify(raw)
	if err != nil || tok.Type != signer.TypeUser {
		m.limiter.Penalize(addr, m.cfg.FailurePenalty)
		return nil, unauthorized("invalid token")
	}
	return &tok, nil
}

// VerifyServiceRequest checks a bearer value against the shared service secret.
// It reports whether the caller presented valid service credentials.
func (m *Manager) VerifyServiceRequest(addr, authorization string, required bool) (bool, error) {
	if !m.limiter.Consume(addr, 1) {
		return false, rateLimited(m.limiter.TimeUntilRefill(addr, 1))
	}
	raw, present := bearer(authorization)
	if !present {
		if required || authorization != "" {
			return false, unauthorized("authorization required")
		}
		return false, nil
	}
	if m.cfg.ServiceSecret == "" || subtle.ConstantTimeCompare([]byte(raw), []byte(m.cfg.ServiceSecret)) != 1 {
		m.limiter.Penalize(addr, ServicePenaltyFactor*m.cfg.FailurePenalty)
		return false, unauthorized("invalid service credentials")
	}
	return true, nil
}

// Penalize charges addr one failed verification.
func (m *Manager) Penalize(addr string) {
	m.limiter.Penalize(addr, m.cfg.FailurePenalty)
}

// Introspect verifies any token this service issued without rate limiting.
// A non-empty host additionally requires the token to be bound to it.
func (m *Manager) Introspect(raw, host string) (signer.Token, bool) {
	if raw == "" {
		return signer.Token{}, false
	}
	var (
		tok signer.Token
		err error
	)
	if host != "" {
		tok, err = m.signer.VerifyAudience(raw, host)
	} else {
		tok, err = m.signer.Verify(raw)
	}
	return tok, err == nil
}

func identity(acc store.Account, p provider.Profile) signer.Identity {
	return signer.Identity{
		AccountID:      acc.ID,
		Provider:       acc.Provider,
		ProviderUserID: acc.ProviderUserID,
		Username:       p.Username,
		AvatarURL:      p.AvatarURL,
	}
}

func normalizeDeviceKey(key string) (string, error) {
	if key == "" {
		return DefaultDeviceKey, nil
	}
	if len(key) > MaxDeviceKeyLength {
		return "", badRequest("device key too long")
	}
	return key, nil
}

// bearer extracts the credential from an Authorization header value.
func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(prefix):])
	return raw, raw != ""
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
