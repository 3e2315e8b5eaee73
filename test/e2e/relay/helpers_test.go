package relay_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aussiebroadwan/relay/internal/relay/app"
	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

/*
 * End-to-end tests run the whole application in process against a real
 * Redis started with testcontainers. They are skipped in -short mode and
 * when Docker is not available.
 */

const issuerKey = "e2e-issuer-key"

type relay struct {
	app     *app.Application
	baseURL string
}

// setupRedis starts a throwaway Redis and returns its URL.
func setupRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	mappedPort, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	host, err := container.Host(ctx)
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s", host, mappedPort.Port())
}

// setupRelay runs the application against Redis and serves it on a loopback
// port.
func setupRelay(t *testing.T) *relay {
	t.Helper()
	redisURL := setupRedis(t)

	t.Setenv("ENV", "test")
	t.Setenv("JWT_MASTER_SECRET", "e2e-master-secret-at-least-32-bytes-long")
	t.Setenv("REVOCATION_BACKEND", "redis")
	t.Setenv("REDIS_URL", redisURL)
	t.Setenv("AUDIT_DATABASE_FILE", filepath.Join(t.TempDir(), "relay.db"))
	t.Setenv("RELAY_ISSUER_KEY", issuerKey)
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("SHUTDOWN_GRACE_PERIOD_MS", "3000")

	a, err := app.New(app.LoadConfig())
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		_ = a.Shutdown()
		srv.Close()
	})

	return &relay{app: a, baseURL: srv.URL}
}

func (r *relay) issue(t *testing.T, subject string) domain.TokenPair {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, r.baseURL+"/v1/tokens",
		strings.NewReader(`{"subject":"`+subject+`"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+issuerKey)

	var pair domain.TokenPair
	resp := do(t, req, &pair)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return pair
}

func (r *relay) postForm(t *testing.T, path string, form url.Values, bearer string, out any) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, r.baseURL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return do(t, req, out)
}

func (r *relay) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(r.baseURL, "http") + "/ws?token=" + url.QueryEscape(token)
	ws, resp, err := websocket.DefaultDialer.DialContext(t.Context(), u, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func do(t *testing.T, req *http.Request, out any) *http.Response {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var out map[string]any
	require.NoError(t, ws.ReadJSON(&out))
	return out
}

func readClose(t *testing.T, ws *websocket.Conn) *websocket.CloseError {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce
	}
}
