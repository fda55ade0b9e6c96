package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"tokend/provider"
	"tokend/server"
	"tokend/store/memory"
)

func main() {
	configPath := flag.String("config", os.Getenv("TOKEND_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Handle config commands (init/validate)
	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 && args[0] == "connect" {
		command = "connect"
		args = args[1:]
	}

	configFile := *configPath
	if configFile == "" && command == "" && len(args) > 0 {
		configFile = args[0]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil, nil); err != nil {
			logger.Error("provider connectivity failed", "provider", cfg.Provider.Name, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "provider", cfg.Provider.Name)
		return
	}

	// Validate URLs are accessible on startup
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), 10*time.Second)
	validateStartupURLs(probeCtx, cfg, logger)
	cancelProbe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()
	application.Start(ctx)

	if err := serve(ctx, newServers(cfg, application.Routes()), logger); err != nil {
		logger.Error("server stopped", "error", err)
	}
}

const (
	serverTimeout   = 15 * time.Second
	shutdownTimeout = 15 * time.Second
)

// newServers returns the plain listener in dev mode, or the autocert HTTPS
// listener plus the port 80 redirect/ACME listener in production.
func newServers(cfg server.Config, handler http.Handler) []*http.Server {
	if cfg.Server.DevMode {
		return []*http.Server{{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  serverTimeout,
			WriteTimeout: serverTimeout,
		}}
	}

	certs := &autocert.Manager{
		Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Email:      cfg.Server.TLS.Email,
	}
	return []*http.Server{
		{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           certs.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: serverTimeout,
		},
		{
			Addr:    cfg.Server.HTTPSListenAddr,
			Handler: handler,
			TLSConfig: &tls.Config{
				GetCertificate: certs.GetCertificate,
				MinVersion:     tlsVersion(cfg.Server.TLS.MinVersion),
			},
			ReadTimeout:  serverTimeout,
			WriteTimeout: serverTimeout,
		},
	}
}

// serve runs every server until ctx ends or one of them fails, then shuts
// all of them down.
func serve(ctx context.Context, servers []*http.Server, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info("server listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runConnect builds the configured provider, requests its login page and
// reports whether it is reachable. idp and httpClient may be nil.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, idp provider.IdentityProvider, httpClient *http.Client) error {
	if idp == nil {
		var err error
		idp, err = provider.New(ctx, cfg.Provider, memory.New(), logger)
		if err != nil {
			return fmt.Errorf("build provider: %w", err)
		}
	}

	authURL := idp.LoginURL(randomHex(8))
	logger.Info("connect.start", "provider", idp.Name(), "auth_url", authURL)
	logger.Info("connect.instructions", "provider", idp.Name(), "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		step := len(via) + 1
		logger.Info("connect.redirect", "step", step, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "provider", idp.Name(), "message", "Reached provider login endpoint")
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(os.Stdin, os.Stdout, path, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	probe := providerProbeURL(cfg.Provider)
	if err := validateURL(ctx, probe, logger); err != nil {
		logger.Error("provider URL validation failed", "provider", cfg.Provider.Name, "url", probe, "error", err)
	} else {
		logger.Info("provider URL is accessible", "provider", cfg.Provider.Name, "url", probe)
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	probe := providerProbeURL(cfg.Provider)
	if err := validateURL(ctx, probe, logger); err != nil {
		logger.Warn("provider URL may not be accessible",
			"provider", cfg.Provider.Name,
			"url", probe,
			"error", err,
			"note", "server will continue but authentication may fail")
		return
	}
	logger.Info("provider URL is accessible", "provider", cfg.Provider.Name, "url", probe)
}

// providerProbeURL is the endpoint checked for reachability: OIDC discovery or
// the OAuth2 token endpoint.
func providerProbeURL(p provider.Config) string {
	if p.Kind == provider.KindOIDC {
		return strings.TrimSuffix(p.Issuer, "/") + "/.well-known/openid-configuration"
	}
	return p.TokenURL
}

// validateURL reports transport failures and 5xx responses. Token endpoints
// answer 4xx to a bare request, which still proves reachability.
func validateURL(ctx context.Context, urlStr string, logger *slog.Logger) error {
	if urlStr == "" {
		return errors.New("no url configured")
	}
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Debug("probed url", "url", urlStr, "status", resp.StatusCode)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
