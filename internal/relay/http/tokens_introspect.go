package http

import (
	"net/http"

	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/aussiebroadwan/relay/internal/relay/service"
	"github.com/aussiebroadwan/relay/pkg/httpx"
	"github.com/aussiebroadwan/relay/pkg/slogx"
)

// IntrospectHandler serves POST /v1/tokens/introspect. The response is the
// validation verdict, so clients see the same error kinds the gateway sends.
type IntrospectHandler struct {
	TokenService *service.TokenService
}

func (h *IntrospectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	var v domain.Verdict
	for _, class := range classes {
		v = h.TokenService.Validate(ctx, raw, class)
		// Only a token that did not verify under this class is worth
		// retrying under the next one.
		if v.ErrorKind != domain.ErrorKindInvalid {
			break
		}
	}

	slogx.FromContext(ctx).Debug("token introspected",
		slogx.Token(raw),
		"valid", v.Valid,
		"reason", v.Reason,
	)
	httpx.WriteJSON(w, http.StatusOK, v)
}

// hintedClasses turns an RFC 7009 token_type_hint into the classes to try,
// in order. Without a hint access tokens are tried first.
func hintedClasses(hint string) ([]domain.TokenClass, bool) {
	if hint == "" {
		return []domain.TokenClass{domain.ClassAccess, domain.ClassRefresh}, true
	}
	class, err := domain.ParseTokenClass(hint)
	if err != nil {
		return nil, false
	}
	return []domain.TokenClass{class}, true
}
