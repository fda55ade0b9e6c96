package signer

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ExternalTTL is the lifetime of audience-scoped tokens handed to third parties.
const ExternalTTL = 60 * time.Second

// ErrInvalidToken is the only error Verify returns; callers must not be able to
// tell a bad signature from a malformed or expired token.
var ErrInvalidToken = errors.New("invalid token")

// TokenType distinguishes first-party access tokens from third-party tokens.
type TokenType string

const (
	TypeUser     TokenType = "user"
	TypeExternal TokenType = "external"
)

// Identity is what a signed token asserts about the caller.
type Identity struct {
	AccountID      int64  `json:"-"`
	Provider       string `json:"provider"`
	ProviderUserID string `json:"provider_user_id"`
	Username       string `json:"username,omitempty"`
	AvatarURL      string `json:"avatar_url,omitempty"`
}

// Token is a verified token.
type Token struct {
	Type TokenType
	Identity
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// claims is the JWT payload.
type claims struct {
	Type           TokenType `json:"typ"`
	UID            string    `json:"uid"`
	Provider       string    `json:"provider"`
	ProviderUserID string    `json:"provider_user_id"`
	Username       string    `json:"username,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	jwt.RegisteredClaims
}

// Validate is called by the jwt parser after the registered claims pass.
func (c *claims) Validate() error {
	if c.Type != TypeUser && c.Type != TypeExternal {
		return fmt.Errorf("unknown token type %q", c.Type)
	}
	if c.UID == "" || c.Provider == "" || c.ProviderUserID == "" {
		return errors.New("identity claims missing")
	}
	if c.Type == TypeExternal && len(c.Audience) == 0 {
		return errors.New("external token without audience")
	}
	return nil
}

// Config controls key locations and claim details.
type Config struct {
	PrivateKeyPath string
	PublicKeyPath  string
	Issuer         string
	// IDAlphabet shuffles the obfuscated account id; empty keeps the library default.
	IDAlphabet string
	Now        func() time.Time
}

// Signer issues and verifies RS256 tokens with a key pair fixed at startup.
type Signer struct {
	keys   keyPair
	ids    *idCodec
	issuer string
	now    func() time.Time
}

// New loads the persisted key pair, creating it on first run.
func New(cfg Config, logger *slog.Logger) (*Signer, error) {
	if cfg.PrivateKeyPath == "" || cfg.PublicKeyPath == "" {
		return nil, errors.New("signer: key paths required")
	}
	keys, err := loadOrGenerateKeys(cfg.PrivateKeyPath, cfg.PublicKeyPath, logger)
	if err != nil {
		return nil, err
	}
	ids, err := newIDCodec(cfg.IDAlphabet)
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger.Info("signing key loaded", "kid", keys.kid)
	return &Signer{keys: keys, ids: ids, issuer: cfg.Issuer, now: now}, nil
}

// SignAccess issues a first-party access token valid for ttl.
func (s *Signer) SignAccess(id Identity, ttl time.Duration) (string, error) {
	return s.sign(TypeUser, id, ttl, "")
}

// SignExternal issues a token usable only against host.
func (s *Signer) SignExternal(id Identity, host string) (string, error) {
	if host == "" {
		return "", errors.New("audience host required")
	}
	return s.sign(TypeExternal, id, ExternalTTL, host)
}

func (s *Signer) sign(typ TokenType, id Identity, ttl time.Duration, audience string) (string, error) {
	uid, err := s.ids.encode(id.AccountID)
	if err != nil {
		return "", fmt.Errorf("encode account id: %w", err)
	}
	now := s.now()
	c := claims{
		Type:           typ,
		UID:            uid,
		Provider:       id.Provider,
		ProviderUserID: id.ProviderUserID,
		Username:       id.Username,
		AvatarURL:      id.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if audience != "" {
		c.Audience = jwt.ClaimStrings{audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &c)
	token.Header["kid"] = s.keys.kid
	signed, err := token.SignedString(s.keys.private)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, issuer and claim shape.
func (s *Signer) Verify(raw string) (Token, error) {
	return s.verify(raw)
}

// VerifyAudience is Verify plus a check that the token was issued for host.
func (s *Signer) VerifyAudience(raw, host string) (Token, error) {
	if host == "" {
		return Token{}, ErrInvalidToken
	}
	return s.verify(raw, jwt.WithAudience(host))
}

func (s *Signer) verify(raw string, extra ...jwt.ParserOption) (Token, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	opts = append(opts, extra...)

	var c claims
	tok, err := jwt.ParseWithClaims(raw, &c, s.keyfunc, opts...)
	if err != nil || !tok.Valid {
		return Token{}, ErrInvalidToken
	}
	accountID, err := s.ids.decode(c.UID)
	if err != nil {
		return Token{}, ErrInvalidToken
	}

	out := Token{
		Type: c.Type,
		Identity: Identity{
			AccountID:      accountID,
			Provider:       c.Provider,
			ProviderUserID: c.ProviderUserID,
			Username:       c.Username,
			AvatarURL:      c.AvatarURL,
		},
		Audience: slices.Clone([]string(c.Audience)),
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

func (s *Signer) keyfunc(token *jwt.Token) (any, error) {
	if kid, _ := token.Header["kid"].(string); kid != "" && kid != s.keys.kid {
		return nil, errors.New("unknown key id")
	}
	return &s.keys.private.PublicKey, nil
}

// KeyID returns the kid stamped on every token.
func (s *Signer) KeyID() string {
	return s.keys.kid
}

// PublicJWKS exposes the verification key for third parties.
func (s *Signer) PublicJWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.keys.private.PublicKey,
		KeyID:     s.keys.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}
