package auth

import (
	"context"
	"net/http"
	"strings"
)

// TokenValidator resolves a raw access token to its owner.
type TokenValidator interface {
	ValidateToken(ctx context.Context, raw string) (Identity, error)
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

// Middleware requires a valid bearer access token and stores the resolved
// Identity in the request context.
func Middleware(validator TokenValidator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		tokenStr, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		identity, err := validator.ValidateToken(r.Context(), tokenStr)
		if err != nil {
			if CodeOf(err) == CodeInternal {
				writeError(w, http.StatusInternalServerError, "failed to validate token")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tokenStr := strings.TrimSpace(parts[1])
	if tokenStr == "" {
		return "", false
	}
	return tokenStr, true
}
