// Package provider adapts upstream OAuth2 identity providers to the account
// model. One adapter is selected at startup from configuration.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"tokend/store"
)

// IdentityProvider is the minimal behaviour required from an upstream IdP.
type IdentityProvider interface {
	// Name is the path segment used in /login/{provider} and /auth/{provider}.
	Name() string
	LoginURL(state string) string
	// State extracts the correlation value the provider echoed on its callback.
	State(params url.Values) string
	// HandleResponse exchanges the callback for a stable account id, creating the account if new.
	HandleResponse(ctx context.Context, params url.Values) (int64, error)
	// User fetches the current profile, refreshing the cached provider token when needed.
	User(ctx context.Context, providerUserID string) (Profile, error)
}

// Profile is the provider-side view of a user.
type Profile struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"provider_user_id"`
	Username       string `json:"username"`
	AvatarURL      string `json:"avatar_url,omitempty"`
}

// Accounts is the slice of store.Store an adapter needs.
type Accounts interface {
	EnsureAccount(ctx context.Context, provider, providerUserID string, tok store.ProviderToken) (int64, error)
	ProviderToken(ctx context.Context, provider, providerUserID string) (store.ProviderToken, error)
	SaveProviderToken(ctx context.Context, provider, providerUserID string, tok store.ProviderToken) error
}

// Error is returned for every failure on the provider side of the boundary.
// Message is safe to show to the end user.
type Error struct {
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return e.Provider + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds the adapter named by cfg.Kind.
func New(ctx context.Context, cfg Config, accounts Accounts, logger *slog.Logger) (IdentityProvider, error) {
	cfg = cfg.WithPreset()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindOAuth2:
		return NewOAuth2(cfg, accounts, logger), nil
	case KindOIDC:
		return NewOIDC(ctx, cfg, accounts, logger)
	default:
		return nil, fmt.Errorf("provider: unknown kind %q", cfg.Kind)
	}
}
