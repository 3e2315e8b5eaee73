package app

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/allisson/go-env"
	"github.com/aussiebroadwan/relay/internal/relay/gateway"
	"github.com/aussiebroadwan/relay/internal/relay/revocation"
	"github.com/aussiebroadwan/relay/internal/relay/service"
	"github.com/jellydator/validation"
	"github.com/joho/godotenv"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNone   = "none"
)

var ErrNoSecrets = errors.New("app: no JWT secrets configured")

type Config struct {
	Env       string // dev, staging, prod (default: dev)
	Port      int    // HTTP server port (default: 8080)
	LogLevel  string // debug, info, warn, error (default: info)
	LogFormat string // json, text (default: json)

	AccessSecret  string // JWT_ACCESS_SECRET
	RefreshSecret string // JWT_REFRESH_SECRET
	MasterSecret  string // JWT_MASTER_SECRET, HKDF source when the class secrets are unset
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      string

	RevocationBackend string // redis, memory, none (default: redis)
	RedisURL          string
	RevocationPolicy  string // best-effort, strict (default: best-effort)

	// Optional: path to the SQLite audit log. Empty disables it.
	AuditDatabaseFile string

	WSAuthMethod    string
	WSTokenParam    string
	WSPingInterval  time.Duration
	WSMaxMissed     int
	WSMaxMessageLen int

	ShutdownGracePeriod  time.Duration
	HousekeepingInterval time.Duration

	IssuerKey      string // bearer key for POST /v1/tokens; unset disables the route
	MetricsEnabled bool
}

// LoadConfig reads configuration from the environment, after loading the
// nearest .env file if there is one.
func LoadConfig() Config {
	loadDotEnv()

	redisURL := env.GetString("REDIS_URL", "")
	if redisURL == "" {
		redisURL = revocation.RedisURL(
			env.GetString("REDIS_HOST", "127.0.0.1"),
			env.GetInt("REDIS_PORT", 6379),
			env.GetString("REDIS_USER", ""),
			env.GetString("REDIS_PASSWORD", ""),
		)
	}

	return Config{
		Env:       env.GetString("ENV", "dev"),
		Port:      env.GetInt("PORT", 8080),
		LogLevel:  env.GetString("LOG_LEVEL", "info"),
		LogFormat: env.GetString("LOG_FORMAT", "json"),

		AccessSecret:  env.GetString("JWT_ACCESS_SECRET", ""),
		RefreshSecret: env.GetString("JWT_REFRESH_SECRET", ""),
		MasterSecret:  env.GetString("JWT_MASTER_SECRET", ""),
		AccessTTL:     env.GetDuration("ACCESS_TOKEN_EXPIRY", int(service.DefaultAccessTTL/time.Second), time.Second),
		RefreshTTL:    env.GetDuration("REFRESH_TOKEN_EXPIRY", int(service.DefaultRefreshTTL/time.Second), time.Second),
		Issuer: deriveIssuer(
			env.GetString("JWT_ISSUER", ""),
			env.GetString("DOMAIN", ""),
			env.GetBool("JWT_FORCE_ISSUER_HTTPS", false),
		),
		Audience: env.GetString("JWT_AUDIENCE", "relay"),

		RevocationBackend: env.GetString("REVOCATION_BACKEND", BackendRedis),
		RedisURL:          redisURL,
		RevocationPolicy:  env.GetString("REVOCATION_POLICY", string(service.PolicyBestEffort)),

		AuditDatabaseFile: env.GetString("AUDIT_DATABASE_FILE", "relay.db"),

		WSAuthMethod:    env.GetString("WS_AUTH_METHOD", string(gateway.AuthToken)),
		WSTokenParam:    env.GetString("WS_TOKEN_PARAM", gateway.DefaultTokenParam),
		WSPingInterval:  env.GetDuration("WS_PING_INTERVAL_MS", int(gateway.DefaultPingInterval/time.Millisecond), time.Millisecond),
		WSMaxMissed:     env.GetInt("WS_MAX_MISSED_PINGS", gateway.DefaultMaxMissedPings),
		WSMaxMessageLen: env.GetInt("WS_MAX_MESSAGE_BYTES", gateway.DefaultMaxMessageBytes),

		ShutdownGracePeriod:  env.GetDuration("SHUTDOWN_GRACE_PERIOD_MS", 10000, time.Millisecond),
		HousekeepingInterval: parseInterval(env.GetString("HOUSEKEEPING_INTERVAL", "1h"), time.Hour),

		IssuerKey:      env.GetString("RELAY_ISSUER_KEY", ""),
		MetricsEnabled: env.GetBool("METRICS_ENABLED", true),
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.LogFormat, validation.In("json", "text")),
		validation.Field(&c.AccessTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.RefreshTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.Issuer, validation.Required),
		validation.Field(&c.RevocationBackend, validation.In(BackendRedis, BackendMemory, BackendNone)),
		validation.Field(&c.RedisURL, validation.When(c.RevocationBackend == BackendRedis, validation.Required)),
		validation.Field(&c.RevocationPolicy,
			validation.In(string(service.PolicyBestEffort), string(service.PolicyStrict)),
		),
		validation.Field(&c.WSAuthMethod, validation.In(string(gateway.AuthNone), string(gateway.AuthToken))),
		validation.Field(&c.WSTokenParam, validation.Required),
		validation.Field(&c.WSPingInterval, validation.Required, validation.Min(100*time.Millisecond)),
		validation.Field(&c.WSMaxMissed, validation.Required, validation.Min(1)),
		validation.Field(&c.WSMaxMessageLen, validation.Required, validation.Min(128)),
		validation.Field(&c.ShutdownGracePeriod, validation.Required),
		validation.Field(&c.HousekeepingInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.RefreshSecret,
			validation.When(c.AccessSecret != "" && c.RefreshSecret != "",
				validation.NotIn(c.AccessSecret).Error("must differ from the access secret"),
			),
		),
	)
}

// Secrets resolves the signing secrets. Explicit class secrets win over a
// master secret. With neither, development environments get ephemeral
// secrets and ok is false; every other environment is refused.
func (c Config) Secrets() (secrets service.Secrets, ok bool, err error) {
	switch {
	case c.AccessSecret != "" || c.RefreshSecret != "":
		secrets = service.Secrets{Access: []byte(c.AccessSecret), Refresh: []byte(c.RefreshSecret)}
		return secrets, true, secrets.Validate()

	case c.MasterSecret != "":
		secrets, err = service.DeriveSecrets([]byte(c.MasterSecret))
		return secrets, true, err

	case c.Env == "dev":
		secrets, err = service.EphemeralSecrets()
		return secrets, false, err

	default:
		return service.Secrets{}, false, ErrNoSecrets
	}
}

// GatewayConfig maps the WS_* settings onto the gateway.
func (c Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		AuthMethod:      gateway.AuthMethod(c.WSAuthMethod),
		TokenParam:      c.WSTokenParam,
		PingInterval:    c.WSPingInterval,
		MaxMissedPings:  c.WSMaxMissed,
		MaxMessageBytes: int64(c.WSMaxMessageLen),
	}
}

// deriveIssuer picks the iss claim: an explicit issuer, else one built from
// the public domain, else http://localhost.
func deriveIssuer(explicit, domain string, forceHTTPS bool) string {
	if explicit != "" {
		return explicit
	}
	if domain == "" {
		return "http://localhost"
	}

	scheme := "http"
	if forceHTTPS {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: strings.TrimSuffix(domain, "/")}
	return u.String()
}

// parseInterval accepts a Go duration ("90s", "1h") or whole minutes.
func parseInterval(raw string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if minutes, err := strconv.Atoi(raw); err == nil && minutes > 0 {
		return time.Duration(minutes) * time.Minute
	}
	return def
}

// loadDotEnv loads the first .env file found walking up from the working
// directory.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}

	for {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
