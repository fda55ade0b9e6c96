package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

const maxUserResponse = 1 << 20

// OAuth2 is a plain OAuth2 provider with a JSON "current user" endpoint, such as Discord.
type OAuth2 struct {
	cfg    Config
	oauth  *oauth2.Config
	tokens *tokenCache
	logger *slog.Logger
}

// NewOAuth2 builds the adapter. cfg must already be validated.
func NewOAuth2(cfg Config, accounts Accounts, logger *slog.Logger) *OAuth2 {
	endpoint := oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       cfg.Scopes,
	}
	return &OAuth2{
		cfg:    cfg,
		oauth:  oauthCfg,
		tokens: newTokenCache(cfg.Name, oauthCfg, accounts, logger),
		logger: logger,
	}
}

func (p *OAuth2) Name() string { return p.cfg.Name }

func (p *OAuth2) LoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

func (p *OAuth2) State(params url.Values) string {
	return params.Get("state")
}

func (p *OAuth2) HandleResponse(ctx context.Context, params url.Values) (int64, error) {
	if err := callbackError(p.cfg.Name, params); err != nil {
		return 0, err
	}
	tok, err := p.oauth.Exchange(ctx, params.Get("code"))
	if err != nil {
		return 0, &Error{Provider: p.cfg.Name, Message: "code exchange failed", Err: err}
	}
	profile, err := p.fetchUser(ctx, tok)
	if err != nil {
		return 0, err
	}
	id, err := p.tokens.accounts.EnsureAccount(ctx, p.cfg.Name, profile.ProviderUserID, toStore(tok))
	if err != nil {
		return 0, fmt.Errorf("ensure account: %w", err)
	}
	p.tokens.remember(profile.ProviderUserID, tok)
	p.logger.Info("provider login", "provider", p.cfg.Name, "account_id", id)
	return id, nil
}

func (p *OAuth2) User(ctx context.Context, providerUserID string) (Profile, error) {
	tok, err := p.tokens.token(ctx, providerUserID)
	if err != nil {
		return Profile{}, err
	}
	profile, err := p.fetchUser(ctx, tok)
	if err != nil {
		return Profile{}, err
	}
	if profile.ProviderUserID != providerUserID {
		return Profile{}, &Error{Provider: p.cfg.Name, Message: "provider returned a different user"}
	}
	return profile, nil
}

func (p *OAuth2) fetchUser(ctx context.Context, tok *oauth2.Token) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("build user request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	tok.SetAuthHeader(req)

	resp, err := httpClient(ctx).Do(req)
	if err != nil {
		return Profile{}, &Error{Provider: p.cfg.Name, Message: "user lookup failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Profile{}, &Error{Provider: p.cfg.Name, Message: "user lookup failed", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var fields map[string]any
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxUserResponse))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return Profile{}, &Error{Provider: p.cfg.Name, Message: "malformed user response", Err: err}
	}
	profile := Profile{
		Provider:       p.cfg.Name,
		ProviderUserID: stringField(fields, p.cfg.IDField),
		Username:       stringField(fields, p.cfg.UsernameField),
	}
	if profile.ProviderUserID == "" {
		return Profile{}, &Error{Provider: p.cfg.Name, Message: "user response has no id"}
	}
	if p.cfg.AvatarField != "" {
		if avatar := stringField(fields, p.cfg.AvatarField); avatar != "" {
			profile.AvatarURL = avatarURL(p.cfg.AvatarURLTemplate, profile.ProviderUserID, avatar)
		}
	}
	return profile, nil
}

// callbackError turns an OAuth2 error redirect into an Error.
func callbackError(name string, params url.Values) error {
	if code := params.Get("error"); code != "" {
		msg := params.Get("error_description")
		if msg == "" {
			msg = strings.ReplaceAll(code, "_", " ")
		}
		return &Error{Provider: name, Message: msg}
	}
	if params.Get("code") == "" {
		return &Error{Provider: name, Message: "missing authorization code"}
	}
	return nil
}

func httpClient(ctx context.Context) *http.Client {
	if c, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && c != nil {
		return c
	}
	return http.DefaultClient
}

// stringField reads a top-level field as a string. Numeric ids keep their literal form.
func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// avatarURL expands {id} and {avatar}; absolute avatar values are used as is.
func avatarURL(template, id, avatar string) string {
	if strings.HasPrefix(avatar, "http://") || strings.HasPrefix(avatar, "https://") || template == "" {
		return avatar
	}
	r := strings.NewReplacer("{id}", url.PathEscape(id), "{avatar}", url.PathEscape(avatar))
	return r.Replace(template)
}
