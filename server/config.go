package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"tokend/auth"
	"tokend/provider"
)

// Token and limiter defaults
const (
	DefaultAccessTTL   = 10 * time.Minute
	DefaultRefreshTTL  = 30 * 24 * time.Hour
	DefaultSweepEvery  = time.Minute
	MinServiceSecret   = 16
	EnvPrefix          = "TOKEND_"
	DefaultHSTSMaxAge  = 31536000
	defaultSecretsPath = "./secrets"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server       ServerConfig       `yaml:"server" envPrefix:"SERVER_"`
	Tokens       TokensConfig       `yaml:"tokens" envPrefix:"TOKENS_"`
	Login        LoginConfig        `yaml:"login" envPrefix:"LOGIN_"`
	Provider     provider.Config    `yaml:"provider" envPrefix:"PROVIDER_"`
	Storage      StorageConfig      `yaml:"storage" envPrefix:"STORAGE_"`
	RateLimits   RateLimitsConfig   `yaml:"rate_limits" envPrefix:"RATE_LIMITS_"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping" envPrefix:"HOUSEKEEPING_"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url" env:"PUBLIC_URL"`
	DevListenAddr     string    `yaml:"dev_listen_addr" env:"DEV_LISTEN_ADDR"`
	HTTPListenAddr    string    `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode           bool      `yaml:"dev_mode" env:"DEV_MODE"`
	SecretsPath       string    `yaml:"secrets_path" env:"SECRETS_PATH"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"`
	TLS               TLSConfig `yaml:"tls" envPrefix:"TLS_"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"DOMAINS" envSeparator:","`
	Email      string   `yaml:"email" env:"EMAIL"`
	MinVersion string   `yaml:"min_version" env:"MIN_VERSION"`
	HSTSMaxAge int      `yaml:"hsts_max_age" env:"HSTS_MAX_AGE"`
}

// TokensConfig controls issued credentials.
type TokensConfig struct {
	AccessTTL     time.Duration `yaml:"access_ttl" env:"ACCESS_TTL"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl" env:"REFRESH_TTL"`
	ServiceSecret string        `yaml:"service_secret" env:"SERVICE_SECRET"`
	Issuer        string        `yaml:"issuer" env:"ISSUER"`
	// IDAlphabet shuffles the obfuscated account id in issued tokens.
	IDAlphabet string `yaml:"id_alphabet" env:"ID_ALPHABET"`
}

// LoginConfig restricts where a finished login may send the browser.
type LoginConfig struct {
	RedirectAllowlist []string `yaml:"redirect_allowlist" env:"REDIRECT_ALLOWLIST" envSeparator:","`
	DefaultRedirect   string   `yaml:"default_redirect" env:"DEFAULT_REDIRECT"`
}

// StorageConfig selects the account and device store.
type StorageConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn" env:"DSN"`
}

// BucketConfig sizes one token bucket.
type BucketConfig struct {
	Capacity  float64 `yaml:"capacity" env:"CAPACITY"`
	PerSecond float64 `yaml:"per_second" env:"PER_SECOND"`
}

// RateLimitsConfig sizes the limiters.
type RateLimitsConfig struct {
	// Public gates login, callback, hand-off, refresh and revoke per address.
	Public BucketConfig `yaml:"public" envPrefix:"PUBLIC_"`
	// Verify gates bearer verification per address.
	Verify         BucketConfig `yaml:"verify" envPrefix:"VERIFY_"`
	FailurePenalty float64      `yaml:"failure_penalty" env:"FAILURE_PENALTY"`
}

// HousekeepingConfig controls the background sweep.
type HousekeepingConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// LoadConfig reads the YAML file at path, overlays TOKEND_* environment
// variables and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		slog.Error("Failed to parse environment overrides", "error", err)
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     defaultSecretsPath,
			TLS: TLSConfig{
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		Tokens: TokensConfig{
			AccessTTL:  DefaultAccessTTL,
			RefreshTTL: DefaultRefreshTTL,
			Issuer:     "tokend",
		},
		Provider: provider.Config{
			Kind: provider.KindOAuth2,
			Name: "discord",
		},
		Storage: StorageConfig{Driver: DriverMemory},
		RateLimits: RateLimitsConfig{
			Public:         BucketConfig{Capacity: 30, PerSecond: 0.5},
			Verify:         BucketConfig{Capacity: 100, PerSecond: 10},
			FailurePenalty: 4,
		},
		Housekeeping: HousekeepingConfig{Interval: DefaultSweepEvery},
	}
}

// DefaultConfig returns a development configuration with every optional field set.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// applyDerived fills values computed from other fields.
func (c *Config) applyDerived() {
	c.Server.PublicURL = strings.TrimSuffix(c.Server.PublicURL, "/")
	c.Provider = c.Provider.WithPreset()
	if c.Provider.RedirectURL == "" && c.Server.PublicURL != "" && c.Provider.Name != "" {
		c.Provider.RedirectURL = c.Server.PublicURL + "/auth/" + c.Provider.Name
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
}

// Validate checks the configuration and logs the first offending field.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}
	if c.Server.SecretsPath == "" {
		slog.Error("Missing required configuration", "field", "server.secrets_path")
		return errors.New("server.secrets_path is required")
	}

	if c.Tokens.AccessTTL <= auth.ExpiryMargin {
		slog.Error("Invalid configuration value", "field", "tokens.access_ttl", "value", c.Tokens.AccessTTL, "reason", "must exceed one minute")
		return fmt.Errorf("tokens.access_ttl must exceed 1m, got: %s", c.Tokens.AccessTTL)
	}
	if c.Tokens.RefreshTTL <= 0 {
		slog.Error("Invalid configuration value", "field", "tokens.refresh_ttl", "value", c.Tokens.RefreshTTL)
		return errors.New("tokens.refresh_ttl must be positive")
	}
	if len(c.Tokens.ServiceSecret) < MinServiceSecret {
		slog.Error("Missing required configuration", "field", "tokens.service_secret", "min_length", MinServiceSecret)
		return fmt.Errorf("tokens.service_secret must be at least %d bytes", MinServiceSecret)
	}

	if len(c.Login.RedirectAllowlist) == 0 {
		slog.Error("Missing required configuration", "field", "login.redirect_allowlist")
		return errors.New("login.redirect_allowlist must contain at least one target")
	}
	for i, target := range c.Login.RedirectAllowlist {
		u, err := url.Parse(target)
		if err != nil || u.Scheme == "" {
			slog.Error("Invalid redirect target", "field", "login.redirect_allowlist", "index", i, "value", target)
			return fmt.Errorf("login.redirect_allowlist[%d] must be an absolute URL, got: %s", i, target)
		}
	}
	if c.Login.DefaultRedirect != "" && !slices.Contains(c.Login.RedirectAllowlist, c.Login.DefaultRedirect) {
		slog.Error("Default redirect not allow-listed", "field", "login.default_redirect", "value", c.Login.DefaultRedirect)
		return errors.New("login.default_redirect must be one of login.redirect_allowlist")
	}

	if err := c.Provider.Validate(); err != nil {
		slog.Error("Invalid provider configuration", "field", "provider", "error", err)
		return fmt.Errorf("provider: %w", err)
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			slog.Error("Missing required configuration", "field", "storage.dsn", "driver", c.Storage.Driver)
			return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		slog.Error("Invalid storage driver", "field", "storage.driver", "value", c.Storage.Driver, "valid_values", []string{DriverMemory, DriverSQLite, DriverPostgres})
		return fmt.Errorf("storage.driver must be memory, sqlite or postgres, got: %s", c.Storage.Driver)
	}
	if !c.Server.DevMode && c.Storage.Driver == DriverMemory {
		slog.Warn("Memory storage loses all devices on restart", "field", "storage.driver")
	}

	for name, b := range map[string]BucketConfig{"public": c.RateLimits.Public, "verify": c.RateLimits.Verify} {
		if b.Capacity <= 0 || b.PerSecond <= 0 {
			slog.Error("Invalid rate limit", "field", "rate_limits."+name, "capacity", b.Capacity, "per_second", b.PerSecond)
			return fmt.Errorf("rate_limits.%s capacity and per_second must be positive", name)
		}
	}
	if c.RateLimits.FailurePenalty <= 0 {
		slog.Error("Invalid rate limit", "field", "rate_limits.failure_penalty", "value", c.RateLimits.FailurePenalty)
		return errors.New("rate_limits.failure_penalty must be positive")
	}

	return nil
}

