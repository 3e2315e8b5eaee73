package app_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aussiebroadwan/relay/internal/relay/app"
	"github.com/aussiebroadwan/relay/internal/relay/gateway"
	"github.com/aussiebroadwan/relay/internal/relay/service"
	"github.com/aussiebroadwan/relay/pkg/slogx"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"ENV", "PORT", "LOG_LEVEL", "LOG_FORMAT",
	"JWT_ACCESS_SECRET", "JWT_REFRESH_SECRET", "JWT_MASTER_SECRET",
	"ACCESS_TOKEN_EXPIRY", "REFRESH_TOKEN_EXPIRY",
	"JWT_ISSUER", "DOMAIN", "JWT_FORCE_ISSUER_HTTPS", "JWT_AUDIENCE",
	"REVOCATION_BACKEND", "REDIS_URL", "REDIS_HOST", "REDIS_PORT", "REDIS_USER", "REDIS_PASSWORD",
	"REVOCATION_POLICY", "AUDIT_DATABASE_FILE",
	"WS_AUTH_METHOD", "WS_TOKEN_PARAM", "WS_PING_INTERVAL_MS", "WS_MAX_MISSED_PINGS", "WS_MAX_MESSAGE_BYTES",
	"SHUTDOWN_GRACE_PERIOD_MS", "HOUSEKEEPING_INTERVAL", "RELAY_ISSUER_KEY", "METRICS_ENABLED",
}

// cleanEnv unsets every variable LoadConfig reads and restores them after
// the test.
func cleanEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir()) // keep a developer's .env out of the test
	for _, key := range configKeys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cleanEnv(t)

	cfg := app.LoadConfig()
	require.Equal(t, "dev", cfg.Env)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, service.DefaultAccessTTL, cfg.AccessTTL)
	require.Equal(t, service.DefaultRefreshTTL, cfg.RefreshTTL)
	require.Equal(t, "http://localhost", cfg.Issuer)
	require.Equal(t, "relay", cfg.Audience)
	require.Equal(t, app.BackendRedis, cfg.RevocationBackend)
	require.Equal(t, "redis://127.0.0.1:6379", cfg.RedisURL)
	require.Equal(t, string(service.PolicyBestEffort), cfg.RevocationPolicy)
	require.Equal(t, "relay.db", cfg.AuditDatabaseFile)
	require.Equal(t, 30*time.Second, cfg.WSPingInterval)
	require.Equal(t, 2, cfg.WSMaxMissed)
	require.Equal(t, 10*time.Second, cfg.ShutdownGracePeriod)
	require.Equal(t, time.Hour, cfg.HousekeepingInterval)
	require.True(t, cfg.MetricsEnabled)
	require.NoError(t, cfg.Validate())

	gw := cfg.GatewayConfig()
	require.Equal(t, gateway.AuthToken, gw.AuthMethod)
	require.Equal(t, "token", gw.TokenParam)
	require.EqualValues(t, 65536, gw.MaxMessageBytes)
}

func TestLoadConfigOverrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("ACCESS_TOKEN_EXPIRY", "60")
	t.Setenv("WS_PING_INTERVAL_MS", "1500")
	t.Setenv("WS_AUTH_METHOD", "none")
	t.Setenv("HOUSEKEEPING_INTERVAL", "15")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PASSWORD", "hunter2")

	cfg := app.LoadConfig()
	require.Equal(t, time.Minute, cfg.AccessTTL)
	require.Equal(t, 1500*time.Millisecond, cfg.WSPingInterval)
	require.Equal(t, gateway.AuthNone, cfg.GatewayConfig().AuthMethod)
	require.Equal(t, 15*time.Minute, cfg.HousekeepingInterval)
	require.Equal(t, "redis://:hunter2@cache.internal:6379", cfg.RedisURL)

	t.Run("explicit redis url wins", func(t *testing.T) {
		t.Setenv("REDIS_URL", "redis://other:6380/2")
		require.Equal(t, "redis://other:6380/2", app.LoadConfig().RedisURL)
	})
}

func TestLoadConfigDotEnv(t *testing.T) {
	cleanEnv(t)

	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("PORT=9090\n"), 0o600))
	t.Chdir(nested)
	t.Cleanup(func() { _ = os.Unsetenv("PORT") })

	require.Equal(t, 9090, app.LoadConfig().Port)
}

func TestIssuerDerivation(t *testing.T) {
	for name, tc := range map[string]struct {
		env  map[string]string
		want string
	}{
		"explicit": {map[string]string{"JWT_ISSUER": "relay-prod", "DOMAIN": "chat.example.com"}, "relay-prod"},
		"domain":   {map[string]string{"DOMAIN": "chat.example.com"}, "http://chat.example.com"},
		"https":    {map[string]string{"DOMAIN": "chat.example.com", "JWT_FORCE_ISSUER_HTTPS": "true"}, "https://chat.example.com"},
		"fallback": {nil, "http://localhost"},
	} {
		t.Run(name, func(t *testing.T) {
			cleanEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			require.Equal(t, tc.want, app.LoadConfig().Issuer)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cleanEnv(t)
	base := app.LoadConfig()
	valid := func() app.Config { return base }

	for name, mutate := range map[string]func(*app.Config){
		"port":           func(c *app.Config) { c.Port = 70000 },
		"backend":        func(c *app.Config) { c.RevocationBackend = "memcached" },
		"policy":         func(c *app.Config) { c.RevocationPolicy = "yolo" },
		"auth method":    func(c *app.Config) { c.WSAuthMethod = "basic" },
		"missed pings":   func(c *app.Config) { c.WSMaxMissed = 0 },
		"log format":     func(c *app.Config) { c.LogFormat = "xml" },
		"access ttl":     func(c *app.Config) { c.AccessTTL = 0 },
		"redis url":      func(c *app.Config) { c.RedisURL = "" },
		"shared secrets": func(c *app.Config) { c.AccessSecret, c.RefreshSecret = "same", "same" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	t.Run("redis url not needed for memory", func(t *testing.T) {
		cfg := valid()
		cfg.RevocationBackend = app.BackendMemory
		cfg.RedisURL = ""
		require.NoError(t, cfg.Validate())
	})
}

func TestConfigSecrets(t *testing.T) {
	master := "a-master-secret-that-is-at-least-32-bytes"

	t.Run("explicit", func(t *testing.T) {
		cfg := app.Config{Env: "prod", AccessSecret: "access-secret-0123456789abcdefgh", RefreshSecret: "refresh-secret-0123456789abcdefg"}
		s, ok, err := cfg.Secrets()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte(cfg.AccessSecret), s.Access)
	})

	t.Run("explicit requires both", func(t *testing.T) {
		_, _, err := app.Config{AccessSecret: "only-one"}.Secrets()
		require.ErrorIs(t, err, service.ErrMissingSecret)
	})

	t.Run("derived from master", func(t *testing.T) {
		s, ok, err := app.Config{Env: "prod", MasterSecret: master}.Secrets()
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.Validate())

		again, _, err := app.Config{Env: "prod", MasterSecret: master}.Secrets()
		require.NoError(t, err)
		require.Equal(t, s, again)
	})

	t.Run("ephemeral in dev", func(t *testing.T) {
		s, ok, err := app.Config{Env: "dev"}.Secrets()
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, s.Validate())
	})

	t.Run("refused outside dev", func(t *testing.T) {
		_, _, err := app.Config{Env: "prod"}.Secrets()
		require.ErrorIs(t, err, app.ErrNoSecrets)
	})
}

func nopLogger() *slog.Logger { return slogx.Discard() }
