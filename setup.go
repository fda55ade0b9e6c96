package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tokend/provider"
	"tokend/server"
)

const defaultClientRedirect = "http://127.0.0.1:3000/callback"

var errSetupAborted = errors.New("setup aborted: input ended before all required answers")

// prompter asks questions on out and reads one answer per line from in. After
// the input ends every question takes its default.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	eof bool
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) readLine() (string, bool) {
	if p.eof {
		return "", false
	}
	line, err := p.in.ReadString('\n')
	if err != nil {
		p.eof = true
		if line == "" {
			return "", false
		}
	}
	return strings.TrimSpace(line), true
}

func (p *prompter) ask(label, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	if answer, _ := p.readLine(); answer != "" {
		return answer
	}
	return def
}

// required repeats the question until it gets an answer. It returns "" only
// when the input has ended.
func (p *prompter) required(label string) string {
	for {
		fmt.Fprintf(p.out, "%s: ", label)
		answer, ok := p.readLine()
		if !ok {
			return ""
		}
		if answer != "" {
			return answer
		}
		fmt.Fprintln(p.out, "This value is required.")
	}
}

func (p *prompter) confirm(label string, def bool) bool {
	hint := "Y/n"
	if !def {
		hint = "y/N"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", label, hint)
		answer, _ := p.readLine()
		switch strings.ToLower(answer) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		fmt.Fprintln(p.out, "Please answer y or n.")
	}
}

// runSetup walks through an interactive configuration, writes it to path and
// returns the loaded result. The service secret is always generated.
func runSetup(in io.Reader, out io.Writer, path string, logger *slog.Logger) (server.Config, error) {
	p := newPrompter(in, out)
	fmt.Fprintf(out, "Creating %s. Press Enter to accept defaults.\n", path)

	cfg := server.DefaultConfig()
	cfg.Server.DevMode = p.confirm("Run in development mode?", true)
	if cfg.Server.DevMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.ask("Public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.ask("Listen address", cfg.Server.DevListenAddr)
	} else {
		domain := strings.TrimSuffix(p.required("Public domain (e.g. auth.example.com)"), "/")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.TLS.Email = p.ask("ACME contact email", cfg.Server.TLS.Email)
		cfg.Storage.Driver = p.ask("Storage driver (memory, sqlite, postgres)", server.DriverSQLite)
		if cfg.Storage.Driver != server.DriverMemory {
			cfg.Storage.DSN = p.ask("Storage DSN or file", filepath.Join(cfg.Server.SecretsPath, "tokend.db"))
		}
	}

	cfg.Provider = provider.Config{Kind: p.ask("Provider kind (oauth2, oidc)", provider.KindOAuth2)}
	switch cfg.Provider.Kind {
	case provider.KindOIDC:
		cfg.Provider.Name = p.ask("Provider name (used in /login/<name>)", "oidc")
		cfg.Provider.Issuer = p.required("Issuer URL")
	default:
		cfg.Provider.Name = p.ask("Provider name (used in /login/<name>)", "discord")
		if cfg.Provider.Name != "discord" {
			cfg.Provider.AuthURL = p.required("Authorization URL")
			cfg.Provider.TokenURL = p.required("Token URL")
			cfg.Provider.UserURL = p.required("Current user URL")
		}
	}
	cfg.Provider.ClientID = p.required("Provider client ID")
	cfg.Provider.ClientSecret = p.ask("Provider client secret", "")

	redirects := splitList(p.ask("Allowed login redirects (comma separated)", defaultClientRedirect))
	if len(redirects) == 0 {
		redirects = []string{defaultClientRedirect}
	}
	cfg.Login.RedirectAllowlist = redirects
	cfg.Login.DefaultRedirect = redirects[0]

	if cfg.Provider.ClientID == "" {
		return server.Config{}, errSetupAborted
	}

	cfg.Tokens.ServiceSecret = randomHex(32)
	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)
	return server.LoadConfig(path)
}

func splitList(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
