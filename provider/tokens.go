package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"tokend/store"
)

// maxCachedTokens bounds the in-memory token map; the store stays authoritative.
const maxCachedTokens = 10000

// tokenCache keeps provider tokens in memory in front of the store and writes
// refreshed tokens back so the persisted refresh token stays current.
type tokenCache struct {
	name     string
	oauth    *oauth2.Config
	accounts Accounts
	logger   *slog.Logger

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
	max    int

	// one refresh per user at a time; providers rotate refresh tokens
	refreshes singleflight.Group
}

func newTokenCache(name string, oauth *oauth2.Config, accounts Accounts, logger *slog.Logger) *tokenCache {
	return &tokenCache{
		name:     name,
		oauth:    oauth,
		accounts: accounts,
		logger:   logger,
		tokens:   make(map[string]*oauth2.Token),
		max:      maxCachedTokens,
	}
}

// remember records a token obtained from a fresh code exchange.
func (c *tokenCache) remember(providerUserID string, tok *oauth2.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tokens[providerUserID]; !ok && len(c.tokens) >= c.max {
		c.evictLocked()
	}
	c.tokens[providerUserID] = tok
}

// evictLocked drops expired tokens, or one arbitrary entry when none has
// expired. Evicted users are reloaded from the store on their next lookup.
func (c *tokenCache) evictLocked() {
	for id, tok := range c.tokens {
		if !tok.Valid() {
			delete(c.tokens, id)
		}
	}
	if len(c.tokens) < c.max {
		return
	}
	for id := range c.tokens {
		delete(c.tokens, id)
		return
	}
}

func (c *tokenCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}

// token returns a valid access token for providerUserID, refreshing it with the
// stored refresh token if it has expired. Concurrent callers for the same user
// share one refresh.
func (c *tokenCache) token(ctx context.Context, providerUserID string) (*oauth2.Token, error) {
	v, err, _ := c.refreshes.Do(providerUserID, func() (any, error) {
		return c.load(ctx, providerUserID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (c *tokenCache) load(ctx context.Context, providerUserID string) (*oauth2.Token, error) {
	c.mu.Lock()
	cached, ok := c.tokens[providerUserID]
	c.mu.Unlock()

	if !ok {
		stored, err := c.accounts.ProviderToken(ctx, c.name, providerUserID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Provider: c.name, Message: "no provider token for user"}
		}
		if err != nil {
			return nil, fmt.Errorf("load provider token: %w", err)
		}
		cached = fromStore(stored)
	}

	fresh, err := c.oauth.TokenSource(ctx, cached).Token()
	if err != nil {
		return nil, &Error{Provider: c.name, Message: "refreshing provider token failed", Err: err}
	}

	if fresh.AccessToken != cached.AccessToken {
		c.logger.Debug("provider token refreshed", "provider", c.name, "provider_user_id", providerUserID)
		if err := c.accounts.SaveProviderToken(ctx, c.name, providerUserID, toStore(fresh)); err != nil {
			c.logger.Warn("persist refreshed provider token failed", "provider", c.name, "error", err)
		}
	}
	c.remember(providerUserID, fresh)
	return fresh, nil
}

func toStore(tok *oauth2.Token) store.ProviderToken {
	return store.ProviderToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

func fromStore(tok store.ProviderToken) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}
