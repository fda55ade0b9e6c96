package provider

import (
	"errors"
	"fmt"
	"strings"
)

const (
	KindOAuth2 = "oauth2"
	KindOIDC   = "oidc"
)

// Config describes the single upstream provider.
type Config struct {
	Kind         string   `yaml:"kind" env:"KIND"`
	Name         string   `yaml:"name" env:"NAME"`
	ClientID     string   `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"CLIENT_SECRET"`
	RedirectURL  string   `yaml:"redirect_url" env:"REDIRECT_URL"`
	Scopes       []string `yaml:"scopes" env:"SCOPES" envSeparator:","`

	// oauth2 kind
	AuthURL           string `yaml:"auth_url" env:"AUTH_URL"`
	TokenURL          string `yaml:"token_url" env:"TOKEN_URL"`
	UserURL           string `yaml:"user_url" env:"USER_URL"`
	IDField           string `yaml:"id_field" env:"ID_FIELD"`
	UsernameField     string `yaml:"username_field" env:"USERNAME_FIELD"`
	AvatarField       string `yaml:"avatar_field" env:"AVATAR_FIELD"`
	AvatarURLTemplate string `yaml:"avatar_url_template" env:"AVATAR_URL_TEMPLATE"`

	// oidc kind
	Issuer   string `yaml:"issuer" env:"ISSUER"`
	TenantID string `yaml:"tenant_id" env:"TENANT_ID"`
}

// Discord fills the well-known endpoints for discord.com.
func Discord() Config {
	return Config{
		Kind:              KindOAuth2,
		Name:              "discord",
		Scopes:            []string{"identify"},
		AuthURL:           "https://discord.com/oauth2/authorize",
		TokenURL:          "https://discord.com/api/oauth2/token",
		UserURL:           "https://discord.com/api/users/@me",
		IDField:           "id",
		UsernameField:     "username",
		AvatarField:       "avatar",
		AvatarURLTemplate: "https://cdn.discordapp.com/avatars/{id}/{avatar}.png",
	}
}

// WithPreset fills unset fields from the preset matching Name and the field defaults.
func (c Config) WithPreset() Config {
	if c.Kind == "" {
		c.Kind = KindOAuth2
	}
	if c.Name == "discord" && c.Kind == KindOAuth2 {
		p := Discord()
		fill(&c.AuthURL, p.AuthURL)
		fill(&c.TokenURL, p.TokenURL)
		fill(&c.UserURL, p.UserURL)
		fill(&c.IDField, p.IDField)
		fill(&c.UsernameField, p.UsernameField)
		fill(&c.AvatarField, p.AvatarField)
		fill(&c.AvatarURLTemplate, p.AvatarURLTemplate)
		if len(c.Scopes) == 0 {
			c.Scopes = p.Scopes
		}
	}
	fill(&c.IDField, "id")
	fill(&c.UsernameField, "username")
	return c
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Validate reports the first missing or malformed field.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("provider.name is required")
	}
	if strings.ContainsAny(c.Name, "/?#") {
		return fmt.Errorf("provider.name %q must be a single path segment", c.Name)
	}
	if c.ClientID == "" {
		return errors.New("provider.client_id is required")
	}
	if c.RedirectURL == "" {
		return errors.New("provider.redirect_url is required")
	}
	switch c.Kind {
	case KindOAuth2:
		if c.AuthURL == "" || c.TokenURL == "" || c.UserURL == "" {
			return errors.New("provider auth_url, token_url and user_url are required for oauth2")
		}
	case KindOIDC:
		if c.Issuer == "" {
			return errors.New("provider.issuer is required for oidc")
		}
	default:
		return fmt.Errorf("provider.kind must be %q or %q", KindOAuth2, KindOIDC)
	}
	return nil
}
