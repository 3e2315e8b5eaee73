package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/aussiebroadwan/relay/internal/relay/gateway"
	relayhttp "github.com/aussiebroadwan/relay/internal/relay/http"
	"github.com/aussiebroadwan/relay/internal/relay/metrics"
	"github.com/aussiebroadwan/relay/internal/relay/revocation"
	"github.com/aussiebroadwan/relay/internal/relay/service"
	"github.com/aussiebroadwan/relay/pkg/clock"
	"github.com/aussiebroadwan/relay/pkg/jwtx"
	"github.com/aussiebroadwan/relay/pkg/slogx"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const issuerKey = "issuer-key-for-tests"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	router *relayhttp.Router
	svc    *service.TokenService
	gw     *gateway.Gateway
}

func newEnv(t *testing.T, cache revocation.Cache, policy service.RevocationPolicy) *testEnv {
	t.Helper()

	fake := clock.Fake(epoch)
	if cache == nil {
		cache = revocation.NewMemoryCache(fake)
	}

	svc := &service.TokenService{
		Codec: jwtx.NewCodec(fake),
		Secrets: service.Secrets{
			Access:  []byte("access-secret-0123456789abcdefgh"),
			Refresh: []byte("refresh-secret-0123456789abcdefg"),
		},
		Revocations: revocation.New(cache,
			revocation.WithClock(fake),
			revocation.WithLogger(slogx.Discard()),
		),
		Clock:  fake,
		Issuer: "https://relay.test",
		Policy: policy,
	}

	gw, err := gateway.New(gateway.Config{AuthMethod: gateway.AuthToken},
		gateway.WithAuthenticator(svc),
		gateway.WithClock(fake),
		gateway.WithLogger(slogx.Discard()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	r := relayhttp.NewRouter("test", slogx.Discard(), metrics.New("relay"))
	r.TokenService = svc
	r.Gateway = gw
	r.Revocations = svc.Revocations
	r.IssuerKey = issuerKey
	r.ApplyRoutes()

	return &testEnv{router: r, svc: svc, gw: gw}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	req.RemoteAddr = "192.0.2.1:5555"
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return e.do(t, req)
}

func (e *testEnv) issue(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+issuerKey)
	return e.do(t, req)
}

func (e *testEnv) pair(t *testing.T, subject string) domain.TokenPair {
	t.Helper()
	rec := e.issue(t, `{"subject":"`+subject+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[domain.TokenPair](t, rec)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestIssue(t *testing.T) {
	env := newEnv(t, nil, service.PolicyBestEffort)

	t.Run("returns a token pair", func(t *testing.T) {
		rec := env.issue(t, `{"subject":"user-1","session_id":"sid-1","claims":{"room":"lobby"},"audience":["chat"]}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

		pair := decode[domain.TokenPair](t, rec)
		require.Equal(t, "Bearer", pair.TokenType)
		require.Equal(t, "sid-1", pair.SessionID)
		require.EqualValues(t, service.DefaultAccessTTL.Seconds(), pair.ExpiresIn)

		v := env.svc.Validate(context.Background(), pair.AccessToken, domain.ClassAccess)
		require.True(t, v.Valid)
		require.Equal(t, "lobby", v.Claims.Extra["room"])
		require.Equal(t, "chat", v.Claims.Audience[0])
		require.True(t, env.svc.Validate(context.Background(), pair.RefreshToken, domain.ClassRefresh).Valid)
	})

	t.Run("generates a session id", func(t *testing.T) {
		require.NotEmpty(t, env.pair(t, "user-2").SessionID)
	})

	t.Run("requires the issuer key", func(t *testing.T) {
		for _, auth := range []string{"", "Bearer wrong", "Basic " + issuerKey} {
			req := httptest.NewRequest(http.MethodPost, "/v1/tokens", strings.NewReader(`{"subject":"user-1"}`))
			if auth != "" {
				req.Header.Set("Authorization", auth)
			}
			rec := env.do(t, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code, auth)
			require.Contains(t, rec.Body.String(), "unauthorized")
		}
	})

	t.Run("rejects bad requests", func(t *testing.T) {
		for _, body := range []string{
			`not json`,
			`{"subject":"  "}`,
			`{"subject":"user-1","claims":{"exp":1}}`,
		} {
			rec := env.issue(t, body)
			require.Equal(t, http.StatusBadRequest, rec.Code, body)
			require.Contains(t, rec.Body.String(), "invalid_request")
		}
	})

	t.Run("disabled without an issuer key", func(t *testing.T) {
		r := relayhttp.NewRouter("test", slogx.Discard(), nil)
		r.TokenService = env.svc
		r.ApplyRoutes()

		req := httptest.NewRequest(http.MethodPost, "/v1/tokens", strings.NewReader(`{"subject":"user-1"}`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRefreshEndpoint(t *testing.T) {
	env := newEnv(t, nil, service.PolicyBestEffort)
	pair := env.pair(t, "user-1")

	rec := env.postForm(t, "/v1/tokens/refresh", url.Values{"refresh_token": {pair.RefreshToken}}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rotated := decode[domain.TokenPair](t, rec)
	require.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)
	require.Equal(t, pair.SessionID, rotated.SessionID)

	t.Run("old refresh token is spent", func(t *testing.T) {
		rec := env.postForm(t, "/v1/tokens/refresh", url.Values{"refresh_token": {pair.RefreshToken}}, "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "invalid_grant")
	})

	t.Run("access token is not a refresh token", func(t *testing.T) {
		rec := env.postForm(t, "/v1/tokens/refresh", url.Values{"refresh_token": {rotated.AccessToken}}, "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rec := env.postForm(t, "/v1/tokens/refresh", url.Values{}, "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "invalid_request")
	})

	t.Run("wrong content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/tokens/refresh", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		require.Equal(t, http.StatusBadRequest, env.do(t, req).Code)
	})
}

func TestIntrospectAndRevoke(t *testing.T) {
	env := newEnv(t, nil, service.PolicyBestEffort)
	pair := env.pair(t, "user-1")

	introspect := func(t *testing.T, token, hint string) domain.Verdict {
		t.Helper()
		form := url.Values{"token": {token}}
		if hint != "" {
			form.Set("token_type_hint", hint)
		}
		rec := env.postForm(t, "/v1/tokens/introspect", form, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[domain.Verdict](t, rec)
	}

	t.Run("introspect", func(t *testing.T) {
		v := introspect(t, pair.AccessToken, "")
		require.True(t, v.Valid)
		require.Equal(t, "user-1", v.Claims.Subject)

		// Without a hint a refresh token is found on the second try.
		require.True(t, introspect(t, pair.RefreshToken, "").Valid)
		require.False(t, introspect(t, pair.RefreshToken, "access_token").Valid)

		v = introspect(t, "garbage", "")
		require.False(t, v.Valid)
		require.Equal(t, domain.ErrorKindInvalid, v.ErrorKind)

		rec := env.postForm(t, "/v1/tokens/introspect", url.Values{"token": {pair.AccessToken}, "token_type_hint": {"id_token"}}, "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("revoke", func(t *testing.T) {
		rec := env.postForm(t, "/v1/tokens/revoke", url.Values{"token": {pair.AccessToken}}, "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{}`, rec.Body.String())

		v := introspect(t, pair.AccessToken, "access_token")
		require.False(t, v.Valid)
		require.Equal(t, domain.ErrorKindLoggedOut, v.ErrorKind)

		// Revoking twice and revoking garbage both succeed.
		require.Equal(t, http.StatusOK, env.postForm(t, "/v1/tokens/revoke", url.Values{"token": {pair.AccessToken}}, "").Code)
		require.Equal(t, http.StatusOK, env.postForm(t, "/v1/tokens/revoke", url.Values{"token": {"garbage"}}, "").Code)
	})

	t.Run("revoke refresh without hint", func(t *testing.T) {
		rec := env.postForm(t, "/v1/tokens/revoke", url.Values{"token": {pair.RefreshToken}}, "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, domain.ErrorKindLoggedOut, introspect(t, pair.RefreshToken, "refresh_token").ErrorKind)
	})
}

func TestRevocationPolicy(t *testing.T) {
	newBrokenEnv := func(t *testing.T, policy service.RevocationPolicy) *testEnv {
		mr := miniredis.RunT(t)
		cache, err := revocation.DialRedis("redis://" + mr.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { _ = cache.Close() })

		env := newEnv(t, cache, policy)
		mr.Close()
		return env
	}

	t.Run("best effort succeeds", func(t *testing.T) {
		env := newBrokenEnv(t, service.PolicyBestEffort)
		pair := env.pair(t, "user-1")

		rec := env.postForm(t, "/v1/tokens/revoke", url.Values{"token": {pair.AccessToken}}, "")
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.postForm(t, "/v1/logout", url.Values{}, pair.AccessToken)
		require.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("strict reports unavailable", func(t *testing.T) {
		env := newBrokenEnv(t, service.PolicyStrict)
		pair := env.pair(t, "user-1")

		rec := env.postForm(t, "/v1/tokens/revoke", url.Values{"token": {pair.AccessToken}}, "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Contains(t, rec.Body.String(), "temporarily_unavailable")

		rec = env.postForm(t, "/v1/logout", url.Values{}, pair.AccessToken)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestLogout(t *testing.T) {
	env := newEnv(t, nil, service.PolicyBestEffort)
	pair := env.pair(t, "user-1")

	t.Run("requires a bearer token", func(t *testing.T) {
		rec := env.postForm(t, "/v1/logout", url.Values{}, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
	})

	rec := env.postForm(t, "/v1/logout", url.Values{"refresh_token": {pair.RefreshToken}}, pair.AccessToken)
	require.Equal(t, http.StatusNoContent, rec.Code)

	ctx := context.Background()
	require.Equal(t, domain.ErrorKindLoggedOut, env.svc.Validate(ctx, pair.AccessToken, domain.ClassAccess).ErrorKind)
	require.Equal(t, domain.ErrorKindLoggedOut, env.svc.Validate(ctx, pair.RefreshToken, domain.ClassRefresh).ErrorKind)

	t.Run("revoked token cannot log out again", func(t *testing.T) {
		rec := env.postForm(t, "/v1/logout", url.Values{}, pair.AccessToken)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Contains(t, rec.Body.String(), domain.MessageLoggedOut)
	})
}

func TestHealth(t *testing.T) {
	t.Run("livez", func(t *testing.T) {
		env := newEnv(t, nil, service.PolicyBestEffort)
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/livez", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode[relayhttp.HealthResponse](t, rec)
		require.Equal(t, "ok", body.Status)
		require.Equal(t, "test", body.Version)
	})

	t.Run("readyz", func(t *testing.T) {
		env := newEnv(t, nil, service.PolicyBestEffort)
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode[relayhttp.HealthResponse](t, rec)
		require.Equal(t, "ok", body.Status)
		require.Equal(t, "ok", body.Checks.RevocationCache)
		require.Equal(t, "disabled", body.Checks.AuditLog)
		require.Equal(t, "ok", body.Checks.Gateway)
	})

	t.Run("readyz degrades when the cache is down", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cache, err := revocation.DialRedis("redis://" + mr.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { _ = cache.Close() })

		env := newEnv(t, cache, service.PolicyBestEffort)
		mr.Close()

		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[relayhttp.HealthResponse](t, rec)
		require.Equal(t, "degraded", body.Status)
		require.Contains(t, body.Checks.RevocationCache, "error")
	})

	t.Run("readyz fails once the gateway shuts down", func(t *testing.T) {
		env := newEnv(t, nil, service.PolicyBestEffort)
		require.NoError(t, env.gw.Shutdown(context.Background()))

		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, "shutting down", decode[relayhttp.HealthResponse](t, rec).Checks.Gateway)
	})

	t.Run("metrics", func(t *testing.T) {
		env := newEnv(t, nil, service.PolicyBestEffort)
		env.pair(t, "user-1")

		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), `relay_http_requests_total`)
	})
}

func TestWebSocketThroughRouter(t *testing.T) {
	env := newEnv(t, nil, service.PolicyBestEffort)
	pair := env.pair(t, "user-1")

	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + url.QueryEscape(pair.AccessToken)
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })

	require.Eventually(t, func() bool {
		return env.gw.Registry().Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	var pong map[string]any
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&pong))
	require.Equal(t, "pong", pong["response"])
}
