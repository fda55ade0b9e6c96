package server

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"tokend/auth"
	"tokend/provider"
	"tokend/ratelimit"
	"tokend/signer"
	"tokend/store"
	"tokend/store/memory"
	"tokend/store/postgres"
	"tokend/store/sqlite"
)

// Key file names under server.secrets_path.
const (
	PrivateKeyFile = "private.pem"
	PublicKeyFile  = "public.pem"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    store.Store
	Signer   *signer.Signer
	Provider provider.IdentityProvider
	Auth     *auth.Manager

	// PublicLimiter gates the unauthenticated login and token endpoints.
	PublicLimiter *ratelimit.Limiter
	// VerifyLimiter gates bearer and service secret checks.
	VerifyLimiter *ratelimit.Limiter
}

// Option customises NewApp, mainly for tests.
type Option func(*appOptions)

type appOptions struct {
	now      func() time.Time
	provider provider.IdentityProvider
}

// WithClock overrides the time source of the signer, limiters and manager.
func WithClock(now func() time.Time) Option {
	return func(o *appOptions) { o.now = now }
}

// WithProvider replaces the configured identity provider.
func WithProvider(p provider.IdentityProvider) Option {
	return func(o *appOptions) { o.provider = p }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := appOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := OpenStore(ctx, cfg.Storage, o.now, logger)
	if err != nil {
		return nil, err
	}

	sg, err := signer.New(signer.Config{
		PrivateKeyPath: filepath.Join(cfg.Server.SecretsPath, PrivateKeyFile),
		PublicKeyPath:  filepath.Join(cfg.Server.SecretsPath, PublicKeyFile),
		Issuer:         cfg.Tokens.Issuer,
		IDAlphabet:     cfg.Tokens.IDAlphabet,
		Now:            o.now,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init signer: %w", err)
	}

	idp := o.provider
	if idp == nil {
		idp, err = provider.New(ctx, cfg.Provider, st, logger)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("init provider: %w", err)
		}
	}

	public := ratelimit.New(cfg.RateLimits.Public.Capacity, cfg.RateLimits.Public.PerSecond, ratelimit.WithClock(o.now))
	verify := ratelimit.New(cfg.RateLimits.Verify.Capacity, cfg.RateLimits.Verify.PerSecond, ratelimit.WithClock(o.now))

	manager := auth.New(auth.Config{
		AccessTTL:         cfg.Tokens.AccessTTL,
		RefreshTTL:        cfg.Tokens.RefreshTTL,
		ServiceSecret:     cfg.Tokens.ServiceSecret,
		RedirectAllowlist: cfg.Login.RedirectAllowlist,
		DefaultRedirect:   cfg.Login.DefaultRedirect,
		FailurePenalty:    cfg.RateLimits.FailurePenalty,
		Now:               o.now,
	}, idp, st, sg, verify, logger)

	logger.Info("app initialised",
		"provider", idp.Name(),
		"storage", cfg.Storage.Driver,
		"kid", sg.KeyID(),
	)

	return &App{
		Config:        cfg,
		Logger:        logger,
		Store:         st,
		Signer:        sg,
		Provider:      idp,
		Auth:          manager,
		PublicLimiter: public,
		VerifyLimiter: verify,
	}, nil
}

// OpenStore opens the store selected by cfg.Driver. now stamps created and
// updated times.
func OpenStore(ctx context.Context, cfg StorageConfig, now func() time.Time, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return memory.New(memory.WithClock(now)), nil
	case DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.DSN, logger, sqlite.WithClock(now))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case DriverPostgres:
		st, err := postgres.Open(ctx, cfg.DSN, logger, postgres.WithClock(now))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Start launches housekeeping. It returns immediately; the loops stop with ctx.
func (a *App) Start(ctx context.Context) {
	interval := a.Config.Housekeeping.Interval
	if interval <= 0 {
		interval = DefaultSweepEvery
	}
	go a.Auth.Run(ctx, interval)
	go a.PublicLimiter.Run(ctx, interval)
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
