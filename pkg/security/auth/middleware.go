package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// KeyHeader is the alternative to "Authorization: Bearer".
const KeyHeader = "X-API-Key"

type contextKey struct{}

// WithKey returns ctx carrying the authenticated key.
func WithKey(ctx context.Context, k *Key) context.Context {
	return context.WithValue(ctx, contextKey{}, k)
}

// KeyFromContext returns the key that authenticated the request.
func KeyFromContext(ctx context.Context) (*Key, bool) {
	k, ok := ctx.Value(contextKey{}).(*Key)
	return k, ok
}

// Require returns middleware admitting requests whose key grants scope.
// Unknown or missing keys get 401 and keys lacking the scope get 403.
func Require(ring *Keyring, scope Scope, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k, err := ring.Authenticate(secretFrom(r))
			if err != nil {
				logger.WarnContext(r.Context(), "rejected API request",
					"error", err,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="sase-policy"`)
				deny(w, http.StatusUnauthorized, err)
				return
			}
			if !k.Allows(scope) {
				logger.WarnContext(r.Context(), "API key lacks scope",
					"key", k.Name,
					"scope", string(scope),
					"path", r.URL.Path,
				)
				deny(w, http.StatusForbidden, errors.New("API key lacks scope "+string(scope)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithKey(r.Context(), k)))
		})
	}
}

func secretFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.Header.Get(KeyHeader)
}

func deny(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
