package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// Identity describes the caller of a request as seen by the rate limiter
// and the diagnostics surface.
type Identity struct {
	UserID        string
	Authenticated bool
}

type contextKey struct{}

// WithIdentity stores the resolved identity on the request context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// FromContext retrieves the identity resolved by the auth middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(Identity)
	return identity, ok
}

// hashKey produces the cache key for an API key. Raw keys are never used as
// map keys or logged.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticator resolves API keys from the Authorization header against a
// configured key set. Lookups go through an LRU cache so repeated requests
// with the same key skip the constant-time comparison loop.
type Authenticator struct {
	keys  map[string]string // hashed key -> key name
	cache *Cache
}

// NewAuthenticator builds an authenticator over named API keys
// (name -> key). An empty key set authenticates nobody.
func NewAuthenticator(keys map[string]string, cacheSize int) (*Authenticator, error) {
	hashed := make(map[string]string, len(keys))
	for name, key := range keys {
		if key == "" {
			continue
		}
		hashed[hashKey(key)] = name
	}

	cache, err := NewCache(cacheSize, 0)
	if err != nil {
		return nil, err
	}

	return &Authenticator{
		keys:  hashed,
		cache: cache,
	}, nil
}

// Resolve returns the identity for a raw API key. Unknown or empty keys
// yield an unauthenticated identity.
func (a *Authenticator) Resolve(key string) Identity {
	if key == "" || len(a.keys) == 0 {
		return Identity{}
	}

	hashed := hashKey(key)
	if identity, ok := a.cache.Get(hashed); ok {
		return identity
	}

	for candidate, name := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(hashed)) == 1 {
			identity := Identity{UserID: name, Authenticated: true}
			a.cache.Set(hashed, identity)
			return identity
		}
	}

	identity := Identity{}
	a.cache.Set(hashed, identity)
	return identity
}

// Middleware resolves the bearer token (or X-Api-Key header) into an
// Identity on the request context. It never rejects: unauthenticated
// requests simply continue with the anonymous identity.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			header := r.Header.Get("Authorization")
			if strings.HasPrefix(header, "Bearer ") {
				key = strings.TrimPrefix(header, "Bearer ")
			}
		}

		identity := a.Resolve(key)
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}
