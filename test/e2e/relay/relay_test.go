package relay_test

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestSessionLifecycle walks one session from issue to logout: the token
// opens a connection, logging out revokes it in Redis and a second handshake
// with it is refused.
func TestSessionLifecycle(t *testing.T) {
	r := setupRelay(t)
	pair := r.issue(t, "user-1")

	ws := r.dial(t, pair.AccessToken)
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	require.Equal(t, "pong", readJSON(t, ws)["response"])

	resp := r.postForm(t, "/v1/logout", url.Values{"refresh_token": {pair.RefreshToken}}, pair.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	refused := r.dial(t, pair.AccessToken)
	out := readJSON(t, refused)
	require.Equal(t, "AuthError", out["response"])
	require.Equal(t, domain.MessageLoggedOut, out["message"])
	require.Equal(t, map[string]any{"errorType": string(domain.ErrorKindLoggedOut)}, out["data"])
	require.Equal(t, websocket.ClosePolicyViolation, readClose(t, refused).Code)

	resp = r.postForm(t, "/v1/tokens/refresh", url.Values{"refresh_token": {pair.RefreshToken}}, "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The open connection was admitted before logout and stays up.
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	require.Equal(t, "pong", readJSON(t, ws)["response"])
}

func TestRefreshRotation(t *testing.T) {
	r := setupRelay(t)
	pair := r.issue(t, "user-2")

	var rotated domain.TokenPair
	resp := r.postForm(t, "/v1/tokens/refresh", url.Values{"refresh_token": {pair.RefreshToken}}, "", &rotated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, pair.SessionID, rotated.SessionID)

	var v domain.Verdict
	resp = r.postForm(t, "/v1/tokens/introspect", url.Values{"token": {pair.RefreshToken}, "token_type_hint": {"refresh_token"}}, "", &v)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.ErrorKindLoggedOut, v.ErrorKind)

	resp = r.postForm(t, "/v1/tokens/introspect", url.Values{"token": {rotated.AccessToken}}, "", &v)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, v.Valid)
	require.Equal(t, "user-2", v.Claims.Subject)
}

func TestShutdownClosesConnections(t *testing.T) {
	r := setupRelay(t)

	var conns []*websocket.Conn
	for _, subject := range []string{"a", "b", "c"} {
		conns = append(conns, r.dial(t, r.issue(t, subject).AccessToken))
	}

	require.NoError(t, r.app.Shutdown())

	for _, ws := range conns {
		ce := readClose(t, ws)
		require.Equal(t, websocket.CloseGoingAway, ce.Code)
		require.Equal(t, "server shutting down", ce.Text)
	}
}

func TestReadiness(t *testing.T) {
	r := setupRelay(t)

	var health struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, r.baseURL+"/readyz", nil)
	require.NoError(t, err)
	resp := do(t, req, &health)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "ok", health.Checks["revocation_cache"])
	require.Equal(t, "ok", health.Checks["audit_log"])
	require.Equal(t, "ok", health.Checks["gateway"])
}
