// Package identity resolves who is calling the proxy.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const callerKey contextKey = iota

// AnonymousPrefix marks callers identified only by address.
const AnonymousPrefix = "anon-"

// CallerFromContext extracts the caller id from the request context.
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey).(string); ok {
		return v
	}
	return ""
}

// WithCaller returns a context carrying caller.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerForKey derives a stable, non-secret id for an API key.
func CallerForKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key-" + hex.EncodeToString(sum[:])[:12]
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return r.Header.Get("X-API-Key")
}

func matchKey(token string, keys []string) bool {
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}

// Middleware injects the caller id. With keys configured, requests must
// present one of them as a bearer token; without keys every request is
// accepted and identified by its remote address.
func Middleware(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var caller string
			if len(keys) == 0 {
				caller = AnonymousPrefix + IPFromRequest(r)
			} else {
				token := bearerToken(r)
				if token == "" || !matchKey(token, keys) {
					writeUnauthorized(w)
					return
				}
				caller = CallerForKey(token)
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="webchat-proxy"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": "invalid or missing API key",
			"type":    "authentication_error",
			"code":    "invalid_api_key",
		},
	})
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
