package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tokend/auth"
	"tokend/signer"
)

// maxFormBytes bounds POST bodies; every form field is short.
const maxFormBytes = 8 << 10

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, a.Signer.PublicJWKS())
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleLogin starts the provider handshake.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.knownProvider(w, r) {
		return
	}
	q := r.URL.Query()
	target, err := a.Auth.Login(q.Get("state"), q.Get("redirect"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleCallback receives the provider redirect and sends the browser back to
// the client with a hand-off token.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !a.knownProvider(w, r) {
		return
	}
	target, err := a.Auth.Callback(r.Context(), r.URL.Query())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

// handleHandoff redeems a hand-off token for a device refresh token.
func (a *App) handleHandoff(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	refresh, err := a.Auth.RedeemHandoff(r.Context(), r.PostFormValue("token"), r.PostFormValue("device"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeText(w, refresh)
}

// handleToken rotates a refresh token and returns a new access token.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	resp, err := a.Auth.Refresh(r.Context(), r.PostFormValue("token"), r.PostFormValue("device"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, resp)
}

// handleExternalToken issues a host-bound token for the authenticated caller.
func (a *App) handleExternalToken(w http.ResponseWriter, r *http.Request) {
	tok, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	if !parseForm(w, r) {
		return
	}
	raw, err := a.Auth.ExternalToken(tok.Identity, r.PostFormValue("host"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeText(w, raw)
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	if err := a.Auth.Revoke(r.Context(), r.PostFormValue("token")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleLogout deletes every device of the caller's account.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	tok, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	if err := a.Auth.Logout(r.Context(), tok.AccountID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type meResponse struct {
	Anonymous      bool       `json:"anonymous,omitempty"`
	Provider       string     `json:"provider,omitempty"`
	ProviderUserID string     `json:"provider_user_id,omitempty"`
	Username       string     `json:"username,omitempty"`
	AvatarURL      string     `json:"avatar_url,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// handleMe describes the caller, or reports it as anonymous.
func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	tok, err := a.Auth.VerifyRequest(clientAddr(r, a.Config.Server.TrustProxyHeaders), r.Header.Get("Authorization"), false)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if tok == nil {
		writeJSON(w, meResponse{Anonymous: true})
		return
	}
	setAccountID(r.Context(), tok.AccountID)
	exp := tok.ExpiresAt.UTC()
	writeJSON(w, meResponse{
		Provider:       tok.Provider,
		ProviderUserID: tok.ProviderUserID,
		Username:       tok.Username,
		AvatarURL:      tok.AvatarURL,
		ExpiresAt:      &exp,
	})
}

type introspectResponse struct {
	Active         bool     `json:"active"`
	Type           string   `json:"typ,omitempty"`
	AccountID      int64    `json:"account_id,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	ProviderUserID string   `json:"provider_user_id,omitempty"`
	Username       string   `json:"username,omitempty"`
	AvatarURL      string   `json:"avatar_url,omitempty"`
	Audience       []string `json:"aud,omitempty"`
	IssuedAt       int64    `json:"iat,omitempty"`
	ExpiresAt      int64    `json:"exp,omitempty"`
}

// handleIntrospect reports whether a token is valid. Claims are disclosed only
// to callers holding the service secret; anonymous misses are charged like a
// failed bearer token.
func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	addr := clientAddr(r, a.Config.Server.TrustProxyHeaders)
	service, err := a.Auth.VerifyServiceRequest(addr, r.Header.Get("Authorization"), false)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !parseForm(w, r) {
		return
	}
	tok, active := a.Auth.Introspect(r.PostFormValue("token"), r.PostFormValue("host"))
	if !service && !active {
		a.Auth.Penalize(addr)
	}
	w.Header().Set("Cache-Control", "no-store")
	if !service || !active {
		writeJSON(w, introspectResponse{Active: active})
		return
	}
	writeJSON(w, introspectResponse{
		Active:         true,
		Type:           string(tok.Type),
		AccountID:      tok.AccountID,
		Provider:       tok.Provider,
		ProviderUserID: tok.ProviderUserID,
		Username:       tok.Username,
		AvatarURL:      tok.AvatarURL,
		Audience:       tok.Audience,
		IssuedAt:       tok.IssuedAt.Unix(),
		ExpiresAt:      tok.ExpiresAt.Unix(),
	})
}

// requireUser verifies the bearer access token and writes the error response
// when it is missing or invalid.
func (a *App) requireUser(w http.ResponseWriter, r *http.Request) (*signer.Token, bool) {
	tok, err := a.Auth.VerifyRequest(clientAddr(r, a.Config.Server.TrustProxyHeaders), r.Header.Get("Authorization"), true)
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	if tok == nil {
		a.writeError(w, r, &auth.Error{Kind: auth.KindUnauthorized, Message: "authorization required"})
		return nil, false
	}
	setAccountID(r.Context(), tok.AccountID)
	return tok, true
}

func (a *App) knownProvider(w http.ResponseWriter, r *http.Request) bool {
	if chi.URLParam(r, "provider") != a.Provider.Name() {
		http.NotFound(w, r)
		return false
	}
	return true
}

func parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(s))
}
