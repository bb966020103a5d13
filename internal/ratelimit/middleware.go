package ratelimit

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/egressguard/egressguard/internal/auth"
)

// Middleware runs the limiter in front of an http.Handler. The caller class
// comes from the authenticated identity on the request context, the
// identifier from the user ID or the client address. Rejections are passed
// through as 429 responses carrying a Retry-After header.
func Middleware(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class := CallerAnonymous
			identifier := clientAddress(r)

			if identity, ok := auth.FromContext(r.Context()); ok && identity.Authenticated {
				class = CallerAuthenticated
				if identity.UserID != "" {
					identifier = identity.UserID
				}
			}

			_, err := limiter.Check(r.URL.Path, class, identifier, time.Time{})
			if err != nil {
				var rateErr *Error
				if errors.As(err, &rateErr) {
					writeRateLimited(w, rateErr)
					return
				}
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimited(w http.ResponseWriter, rateErr *Error) {
	retryAfterSec := int(time.Until(rateErr.RetryAfter).Seconds()) + 1
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": rateErr.RetryAfter.Format(time.RFC3339),
	})
}
