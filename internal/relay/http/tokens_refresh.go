package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/aussiebroadwan/relay/internal/relay/service"
	"github.com/aussiebroadwan/relay/pkg/httpx"
	"github.com/aussiebroadwan/relay/pkg/slogx"
)

// RefreshHandler serves POST /v1/tokens/refresh. The presented refresh token
// is rotated: it is revoked and a new pair is returned.
type RefreshHandler struct {
	TokenService *service.TokenService
}

func (h *RefreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	raw := r.Form.Get("refresh_token")
	if raw == "" {
		httpx.ErrInvalidRequest.WithDescription("refresh_token is required").Write(w)
		return
	}

	access, refresh, err := h.TokenService.Refresh(ctx, raw)
	switch {
	case errors.Is(err, service.ErrInvalidRefreshToken):
		log.Info("refresh rejected", slogx.Token(raw), slog.Any("err", err))
		httpx.ErrInvalidGrant.Write(w)
		return
	case errors.Is(err, service.ErrRevocationFailed):
		httpx.ErrTemporarilyUnavailable.Write(w)
		return
	case err != nil:
		log.Error("failed to rotate refresh token", slog.Any("err", err))
		httpx.ErrServerError.Write(w)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, domain.NewTokenPair(access, refresh, access.SessionID, h.TokenService.Now()))
}
