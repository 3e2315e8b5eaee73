package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/aussiebroadwan/relay/internal/relay/service"
	"github.com/aussiebroadwan/relay/pkg/httpx"
	"github.com/aussiebroadwan/relay/pkg/slogx"
)

const maxIssueBodyBytes = 64 << 10

type IssueRequest struct {
	Subject   string         `json:"subject"`
	SessionID string         `json:"session_id,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
	Audience  []string       `json:"audience,omitempty"`
}

// IssueHandler serves POST /v1/tokens. Callers are trusted backends that
// have already authenticated the subject.
type IssueHandler struct {
	TokenService *service.TokenService
}

func (h *IssueHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req IssueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIssueBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		httpx.ErrInvalidRequest.WithDescription("body must be a JSON object").Write(w)
		return
	}

	access, refresh, err := h.TokenService.IssuePair(ctx, service.IssueRequest{
		Subject:   req.Subject,
		SessionID: req.SessionID,
		Extra:     req.Claims,
		Audience:  req.Audience,
	})
	switch {
	case errors.Is(err, service.ErrMissingSubject), errors.Is(err, service.ErrReservedClaim):
		httpx.ErrInvalidRequest.WithDescription(err.Error()).Write(w)
		return
	case err != nil:
		log.Error("failed to issue tokens", slog.Any("err", err))
		httpx.ErrServerError.Write(w)
		return
	}

	log.Info("tokens issued",
		slog.String("sub", req.Subject),
		slog.String("sid", access.SessionID),
		slog.String("jti", access.TokenID),
	)
	httpx.WriteJSON(w, http.StatusOK, domain.NewTokenPair(access, refresh, access.SessionID, h.TokenService.Now()))
}
