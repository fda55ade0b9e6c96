package server

import (
	"errors"
	"log/slog"
	"net/http"

	"tokend/auth"
	"tokend/ratelimit"
)

// statusFor maps a manager error kind to an HTTP status.
func statusFor(kind auth.Kind) int {
	switch kind {
	case auth.KindBadRequest:
		return http.StatusBadRequest
	case auth.KindUnauthorized:
		return http.StatusUnauthorized
	case auth.KindUpstream:
		return http.StatusUnprocessableEntity
	case auth.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as plain text. Internal causes are logged and replaced
// by a generic message.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var aerr *auth.Error
	if !errors.As(err, &aerr) {
		aerr = &auth.Error{Kind: auth.KindInternal, Message: "internal error", Err: err}
	}

	status := statusFor(aerr.Kind)
	attrs := []any{
		"request_id", RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"error", err,
	}
	a.Logger.Log(r.Context(), logLevelFor(aerr.Kind), "request failed", attrs...)
	switch aerr.Kind {
	case auth.KindRateLimited:
		ratelimit.TooManyRequests(w, aerr.RetryAfter)
		return
	case auth.KindInternal:
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, aerr.Message, status)
}

// logLevelFor keeps client mistakes out of the default log level.
func logLevelFor(kind auth.Kind) slog.Level {
	switch kind {
	case auth.KindInternal:
		return slog.LevelError
	case auth.KindUpstream:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}
