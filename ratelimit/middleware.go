package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc derives the bucket key for a request, usually the caller address.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests with 429 once the caller's bucket runs dry.
func Middleware(l *Limiter, cost float64, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if !l.Consume(k, cost) {
				TooManyRequests(w, l.TimeUntilRefill(k, cost))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TooManyRequests writes a 429 response carrying a Retry-After hint.
func TooManyRequests(w http.ResponseWriter, wait time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(wait)))
	http.Error(w, "too many requests", http.StatusTooManyRequests)
}

// RetryAfterSeconds rounds wait up to whole seconds, never below one.
func RetryAfterSeconds(wait time.Duration) int {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
