package http

import (
	"net/http"
	"time"

	"github.com/aussiebroadwan/relay/internal/relay/gateway"
	"github.com/aussiebroadwan/relay/internal/relay/revocation"
	"github.com/aussiebroadwan/relay/internal/relay/store"
	"github.com/aussiebroadwan/relay/pkg/httpx"
)

type HealthChecks struct {
	RevocationCache string `json:"revocation_cache"`
	AuditLog        string `json:"audit_log"`
	Gateway         string `json:"gateway"`
}

// ReadyzHandler reports dependency health. Token validation fails open and
// audit writes are best-effort, so an unreachable cache or database only
// degrades the status. A gateway that has begun shutting down makes the
// instance unready.
func ReadyzHandler(
	startTime time.Time,
	version string,
	revocations *revocation.Store,
	st store.Store,
	gw *gateway.Gateway,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		checks := &HealthChecks{
			RevocationCache: "disabled",
			AuditLog:        "disabled",
			Gateway:         "disabled",
		}
		status := "ok"
		code := http.StatusOK

		if revocations != nil && revocations.Enabled() {
			checks.RevocationCache = "ok"
			if err := revocations.Ping(ctx); err != nil {
				checks.RevocationCache = "error: " + err.Error()
				status = "degraded"
			}
		}

		if st != nil {
			checks.AuditLog = "ok"
			if err := st.Ping(ctx); err != nil {
				checks.AuditLog = "error: " + err.Error()
				status = "degraded"
			}
		}

		if gw != nil {
			checks.Gateway = "ok"
			if !gw.Accepting() {
				checks.Gateway = "shutting down"
				status = "unavailable"
				code = http.StatusServiceUnavailable
			}
		}

		httpx.WriteJSON(w, code, HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).String(),
			Version: version,
			Checks:  checks,
		})
	}
}
