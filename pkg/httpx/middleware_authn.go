package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/relay/pkg/jwtx"
	"github.com/aussiebroadwan/relay/pkg/slogx"
)

// BearerCheck authenticates a raw bearer token. The error text is sent back
// to the client, so it must not leak internals.
type BearerCheck func(ctx context.Context, raw string) (jwtx.Claims, error)

// AuthnMiddleware admits requests whose bearer token passes check.
func AuthnMiddleware(check BearerCheck) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := slogx.FromContext(ctx)

			raw, ok := BearerToken(r)
			if !ok {
				writeBearerError(w, "missing bearer token")
				return
			}

			claims, err := check(ctx, raw)
			if err != nil {
				log.Info("bearer token rejected", "err", err)
				writeBearerError(w, err.Error())
				return
			}

			ctx = contextWithAuth(ctx, raw, claims)
			ctx = slogx.With(ctx, "sub", claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, raw, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

// RFC 6750-compliant error response for bearer auth.
func writeBearerError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	ErrInvalidToken.WithDescription(desc).Write(w)
}
