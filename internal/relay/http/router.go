package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/aussiebroadwan/relay/internal/relay/gateway"
	"github.com/aussiebroadwan/relay/internal/relay/metrics"
	"github.com/aussiebroadwan/relay/internal/relay/revocation"
	"github.com/aussiebroadwan/relay/internal/relay/service"
	"github.com/aussiebroadwan/relay/internal/relay/store"
	"github.com/aussiebroadwan/relay/pkg/httpx"
	"github.com/aussiebroadwan/relay/pkg/jwtx"
	"github.com/aussiebroadwan/relay/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	buildVersion string
	startTime    time.Time
	logger       *slog.Logger
	metrics      *metrics.Metrics

	TokenService *service.TokenService
	Gateway      *gateway.Gateway
	Revocations  *revocation.Store
	Store        store.Store // optional audit log

	// IssuerKey guards POST /v1/tokens. The route is not registered when
	// it is empty.
	IssuerKey string
}

func NewRouter(buildVersion string, logger *slog.Logger, m *metrics.Metrics) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		buildVersion: buildVersion,
		startTime:    time.Now(),
		logger:       logger,
		metrics:      m,
	}

	// The metrics middleware must sit inside the logger so it sees the
	// route pattern the mux records on the request.
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
		m.HTTPMiddleware,
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerTokens()
	r.registerGateway()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerTokens() {
	if r.IssuerKey != "" {
		// POST /v1/tokens - trusted backends only
		r.Mux.Handle("POST /v1/tokens",
			httpx.Chain(&IssueHandler{TokenService: r.TokenService},
				httpx.RateLimitByIP(httpx.IssueLimit),
				requireIssuerKey(r.IssuerKey),
			),
		)
	} else {
		r.logger.Info("token issuing endpoint disabled, no issuer key configured")
	}

	r.Mux.Handle("POST /v1/tokens/refresh",
		httpx.Chain(&RefreshHandler{TokenService: r.TokenService},
			httpx.RateLimitByIP(httpx.IssueLimit),
		),
	)

	r.Mux.Handle("POST /v1/tokens/introspect",
		httpx.Chain(&IntrospectHandler{TokenService: r.TokenService},
			httpx.RateLimitByIP(httpx.RevokeLimit),
		),
	)

	r.Mux.Handle("POST /v1/tokens/revoke",
		httpx.Chain(&RevokeHandler{TokenService: r.TokenService},
			httpx.RateLimitByIP(httpx.RevokeLimit),
		),
	)

	// POST /v1/logout - bearer access token, limited per subject
	r.Mux.Handle("POST /v1/logout",
		httpx.Chain(&LogoutHandler{TokenService: r.TokenService},
			httpx.AuthnMiddleware(r.bearerCheck),
			httpx.RateLimitBySubject(httpx.RevokeLimit),
		),
	)
}

func (r *Router) registerGateway() {
	if r.Gateway == nil {
		return
	}
	r.Mux.Handle("GET /ws",
		httpx.Chain(r.Gateway,
			httpx.RateLimitByIP(httpx.UpgradeLimit),
		),
	)
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez", LivezHandler(r.startTime, r.buildVersion))
	r.Mux.Handle("GET /readyz", ReadyzHandler(r.startTime, r.buildVersion, r.Revocations, r.Store, r.Gateway))

	if r.metrics != nil {
		r.Mux.Handle("GET /metrics", r.metrics.Handler())
	}
}

// bearerCheck authenticates logout requests through the token service, so a
// revoked access token cannot be used to log out twice.
func (r *Router) bearerCheck(ctx context.Context, raw string) (jwtx.Claims, error) {
	v := r.TokenService.Validate(ctx, raw, domain.ClassAccess)
	if !v.Valid {
		return jwtx.Claims{}, errors.New(v.Message)
	}
	return *v.Claims, nil
}
