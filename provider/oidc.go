package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDC wraps a discovered OpenID Connect provider.
type OIDC struct {
	cfg      Config
	oauth    *oauth2.Config
	op       *oidc.Provider
	verifier *oidc.IDTokenVerifier
	tokens   *tokenCache
	logger   *slog.Logger
}

// NewOIDC initializes the provider via discovery.
func NewOIDC(ctx context.Context, cfg Config, accounts Accounts, logger *slog.Logger) (*OIDC, error) {
	issuer := cfg.Issuer
	if cfg.TenantID != "" {
		if resolved, ok := resolveAzureTenantIssuer(cfg.Issuer, cfg.TenantID); ok {
			issuer = resolved
		}
	}

	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, &Error{Provider: cfg.Name, Message: "discovery failed", Err: err}
	}

	endpoint := op.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", oidc.ScopeOfflineAccess}
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}

	return &OIDC{
		cfg:      cfg,
		oauth:    oauthCfg,
		op:       op,
		verifier: op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		tokens:   newTokenCache(cfg.Name, oauthCfg, accounts, logger),
		logger:   logger,
	}, nil
}

func (p *OIDC) Name() string { return p.cfg.Name }

func (p *OIDC) LoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

func (p *OIDC) State(params url.Values) string {
	return params.Get("state")
}

// HandleResponse completes the code exchange and binds the id_token subject to an account.
func (p *OIDC) HandleResponse(ctx context.Context, params url.Values) (int64, error) {
	if err := callbackError(p.cfg.Name, params); err != nil {
		return 0, err
	}
	tok, err := p.oauth.Exchange(ctx, params.Get("code"))
	if err != nil {
		return 0, &Error{Provider: p.cfg.Name, Message: "code exchange failed", Err: err}
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return 0, &Error{Provider: p.cfg.Name, Message: "id_token missing in response"}
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return 0, &Error{Provider: p.cfg.Name, Message: "id_token verification failed", Err: err}
	}

	id, err := p.tokens.accounts.EnsureAccount(ctx, p.cfg.Name, idToken.Subject, toStore(tok))
	if err != nil {
		return 0, fmt.Errorf("ensure account: %w", err)
	}
	p.tokens.remember(idToken.Subject, tok)
	p.logger.Info("provider login", "provider", p.cfg.Name, "account_id", id)
	return id, nil
}

// User reads the profile from the UserInfo endpoint.
func (p *OIDC) User(ctx context.Context, providerUserID string) (Profile, error) {
	tok, err := p.tokens.token(ctx, providerUserID)
	if err != nil {
		return Profile{}, err
	}
	info, err := p.op.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return Profile{}, &Error{Provider: p.cfg.Name, Message: "userinfo failed", Err: err}
	}
	if info.Subject != providerUserID {
		return Profile{}, &Error{Provider: p.cfg.Name, Message: "provider returned a different user"}
	}

	var claims struct {
		PreferredUsername string `json:"preferred_username"`
		Name              string `json:"name"`
		Picture           string `json:"picture"`
	}
	if err := info.Claims(&claims); err != nil {
		return Profile{}, &Error{Provider: p.cfg.Name, Message: "malformed userinfo", Err: err}
	}
	username := claims.PreferredUsername
	if username == "" {
		username = claims.Name
	}
	return Profile{
		Provider:       p.cfg.Name,
		ProviderUserID: info.Subject,
		Username:       username,
		AvatarURL:      claims.Picture,
	}, nil
}

func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}
