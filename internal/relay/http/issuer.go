package http

import (
	"net/http"

	"github.com/aussiebroadwan/relay/pkg/cryptox"
	"github.com/aussiebroadwan/relay/pkg/httpx"
	"github.com/aussiebroadwan/relay/pkg/slogx"
)

// requireIssuerKey admits requests presenting key as a bearer token.
func requireIssuerKey(key string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := httpx.BearerToken(r)
			if !ok || !cryptox.EqualTokens(raw, key) {
				slogx.FromContext(r.Context()).Warn("issuer key rejected")
				w.Header().Set("WWW-Authenticate", `Bearer realm="relay"`)
				httpx.ErrUnauthorized.Write(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
