package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/aussiebroadwan/relay/internal/relay/service"
	"github.com/aussiebroadwan/relay/pkg/httpx"
	"github.com/aussiebroadwan/relay/pkg/slogx"
)

// RevokeHandler serves POST /v1/tokens/revoke following RFC 7009: the answer
// is 200 whether or not the token was valid. Only a store failure under the
// strict policy is reported, as 503.
type RevokeHandler struct {
	TokenService *service.TokenService
}

func (h *RevokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	ctx := r.Context()

	raw := r.Form.Get("token")
	if raw == "" {
		httpx.ErrInvalidRequest.WithDescription("token is required").Write(w)
		return
	}

	classes, ok := hintedClasses(r.Form.Get("token_type_hint"))
	if !ok {
		httpx.ErrInvalidRequest.WithDescription("unsupported token_type_hint").Write(w)
		return
	}

	if err := revoke(ctx, h.TokenService, raw, classes...); err != nil && !writeRevokeError(w, h.TokenService, err) {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, struct{}{})
}

// revoke invalidates raw under the first class it decodes as.
func revoke(ctx context.Context, svc *service.TokenService, raw string, classes ...domain.TokenClass) error {
	var err error
	for _, class := range classes {
		err = svc.Invalidate(ctx, raw, class)
		if !errors.Is(err, service.ErrUndecodableToken) {
			return err
		}
	}
	return err
}

// writeRevokeError decides how a revocation failure is reported. It returns
// true when the request should still succeed.
func writeRevokeError(w http.ResponseWriter, svc *service.TokenService, err error) bool {
	switch {
	case errors.Is(err, service.ErrUndecodableToken):
		return true
	case errors.Is(err, service.ErrRevocationFailed) && svc.Policy.Strict():
		httpx.ErrTemporarilyUnavailable.Write(w)
		return false
	case errors.Is(err, service.ErrRevocationFailed):
		return true
	default:
		httpx.ErrServerError.Write(w)
		return false
	}
}

// LogoutHandler serves POST /v1/logout. It revokes the bearer access token
// and, when present, the refresh token from the form body.
type LogoutHandler struct {
	TokenService *service.TokenService
}

func (h *LogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	access, ok := httpx.BearerFromContext(ctx)
	if !ok {
		httpx.ErrUnauthorized.Write(w)
		return
	}

	if err := h.TokenService.Invalidate(ctx, access, domain.ClassAccess); err != nil &&
		!writeRevokeError(w, h.TokenService, err) {
		return
	}

	if refresh := r.Form.Get("refresh_token"); refresh != "" {
		if err := h.TokenService.Invalidate(ctx, refresh, domain.ClassRefresh); err != nil {
			log.Info("refresh token not revoked on logout", slog.Any("err", err))
			if !writeRevokeError(w, h.TokenService, err) {
				return
			}
		}
	}

	log.Info("logged out")
	w.WriteHeader(http.StatusNoContent)
}
