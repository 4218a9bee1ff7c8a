package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultJWTSecret is only acceptable outside strict production mode.
const DefaultJWTSecret = "dev-insecure-change-me"

type Config struct {
	Version          string
	Environment      string
	StrictProduction bool
	LogLevel         string

	HTTPAddr string
	GRPCAddr string

	DatabaseURL string

	JWTSecret     string
	JWTKeysetSpec string
	JWTActiveKID  string
	JWTKeysetFile string

	TLS TLSConfig

	Relworx RelworxConfig

	// WebhookTrustedCIDRs restricts which source networks may call the
	// webhook route. Empty means any source, relying on the signature alone.
	WebhookTrustedCIDRs []string
	TrustForwardedFor   bool

	SweepInterval time.Duration
	SweepMinAge   time.Duration
	SweepBatch    int
	// SweepBackoff is the first wait before re-checking a deposit the sweeper
	// left PENDING; it doubles up to SweepMaxBackoff.
	SweepBackoff    time.Duration
	SweepMaxBackoff time.Duration

	// AuditRetain bounds the in-memory audit ring.
	AuditRetain int

	Events EventsConfig
}

type RelworxConfig struct {
	BaseURL     string
	APIKey      string
	AccountNo   string
	WebhookKey  string
	CallbackURL string
	Timeout     time.Duration
	// CountryCode completes local numbers when no deposit currency is known.
	CountryCode string
}

type EventsConfig struct {
	Backend      string
	RedisAddr    string
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads SACCO_* variables. A .env file, when present, fills in
// variables that are not already set in the process environment.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var errs []error
	cfg := Config{
		Version:          envOr("SACCO_VERSION", "dev"),
		Environment:      envOr("SACCO_ENV", "development"),
		StrictProduction: envBool("SACCO_STRICT_PRODUCTION", false, &errs),
		LogLevel:         envOr("SACCO_LOG_LEVEL", "info"),
		HTTPAddr:         envOr("SACCO_HTTP_ADDR", ":8080"),
		GRPCAddr:         envOr("SACCO_GRPC_ADDR", ":8081"),
		DatabaseURL:      envOr("SACCO_DATABASE_URL", ""),
		JWTSecret:        envOr("SACCO_JWT_SECRET", DefaultJWTSecret),
		JWTKeysetSpec:    envOr("SACCO_JWT_KEYSET", ""),
		JWTActiveKID:     envOr("SACCO_JWT_ACTIVE_KID", ""),
		JWTKeysetFile:    envOr("SACCO_JWT_KEYSET_FILE", ""),
		TLS: TLSConfig{
			Enabled:           envBool("SACCO_TLS_ENABLED", false, &errs),
			CertFile:          envOr("SACCO_TLS_CERT_FILE", ""),
			KeyFile:           envOr("SACCO_TLS_KEY_FILE", ""),
			ClientCAFile:      envOr("SACCO_TLS_CLIENT_CA_FILE", ""),
			RequireClientCert: envBool("SACCO_TLS_REQUIRE_CLIENT_CERT", false, &errs),
		},
		Relworx: RelworxConfig{
			BaseURL:     envOr("SACCO_RELWORX_BASE_URL", "https://payments.relworx.com/api"),
			APIKey:      envOr("SACCO_RELWORX_API_KEY", ""),
			AccountNo:   envOr("SACCO_RELWORX_ACCOUNT_NO", ""),
			WebhookKey:  envOr("SACCO_RELWORX_WEBHOOK_KEY", ""),
			CallbackURL: envOr("SACCO_RELWORX_CALLBACK_URL", ""),
			Timeout:     envDuration("SACCO_RELWORX_TIMEOUT", 30*time.Second, &errs),
			CountryCode: envOr("SACCO_DEFAULT_COUNTRY_CODE", "256"),
		},
		WebhookTrustedCIDRs: envList("SACCO_WEBHOOK_TRUSTED_CIDRS"),
		TrustForwardedFor:   envBool("SACCO_TRUST_FORWARDED_FOR", false, &errs),
		SweepInterval:       envDuration("SACCO_SWEEP_INTERVAL", time.Minute, &errs),
		SweepMinAge:         envDuration("SACCO_SWEEP_MIN_AGE", 2*time.Minute, &errs),
		SweepBatch:          envInt("SACCO_SWEEP_BATCH", 50, &errs),
		SweepBackoff:        envDuration("SACCO_SWEEP_BACKOFF", 30*time.Second, &errs),
		SweepMaxBackoff:     envDuration("SACCO_SWEEP_MAX_BACKOFF", 30*time.Minute, &errs),
		AuditRetain:         envInt("SACCO_AUDIT_RETAIN", 10000, &errs),
		Events: EventsConfig{
			Backend:      envOr("SACCO_EVENTS_BACKEND", "none"),
			RedisAddr:    envOr("SACCO_REDIS_ADDR", ""),
			RedisChannel: envOr("SACCO_REDIS_CHANNEL", "sacco.deposit_events"),
			KafkaBrokers: envList("SACCO_KAFKA_BROKERS"),
			KafkaTopic:   envOr("SACCO_KAFKA_TOPIC", "sacco.deposit-events"),
		},
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot serve traffic, and in strict
// mode also the ones that would run with development defaults.
func (c Config) Validate() error {
	var errs []error
	if c.Relworx.Timeout <= 0 || c.Relworx.Timeout > 30*time.Second {
		errs = append(errs, errors.New("SACCO_RELWORX_TIMEOUT must be within (0s, 30s]"))
	}
	if c.Relworx.CallbackURL != "" {
		if u, err := url.Parse(c.Relworx.CallbackURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, errors.New("SACCO_RELWORX_CALLBACK_URL must be an absolute URL"))
		}
	}
	if c.SweepBatch <= 0 {
		errs = append(errs, errors.New("SACCO_SWEEP_BATCH must be > 0"))
	}
	if c.SweepBackoff <= 0 || c.SweepMaxBackoff < c.SweepBackoff {
		errs = append(errs, errors.New("SACCO_SWEEP_BACKOFF must be > 0 and at most SACCO_SWEEP_MAX_BACKOFF"))
	}
	if c.AuditRetain <= 0 {
		errs = append(errs, errors.New("SACCO_AUDIT_RETAIN must be > 0"))
	}
	if c.StrictProduction {
		errs = append(errs, validateProductionRuntime(c)...)
	}
	return errors.Join(errs...)
}

func validateProductionRuntime(c Config) []error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("strict production requires SACCO_DATABASE_URL"))
	}
	if !c.TLS.Enabled {
		errs = append(errs, errors.New("strict production requires SACCO_TLS_ENABLED=true"))
	}
	if c.JWTKeysetSpec == "" && c.JWTKeysetFile == "" && (c.JWTSecret == "" || c.JWTSecret == DefaultJWTSecret) {
		errs = append(errs, errors.New("strict production requires a non-default SACCO_JWT_SECRET or a keyset"))
	}
	if c.Relworx.APIKey == "" || c.Relworx.AccountNo == "" {
		errs = append(errs, errors.New("strict production requires SACCO_RELWORX_API_KEY and SACCO_RELWORX_ACCOUNT_NO"))
	}
	if c.Relworx.WebhookKey == "" {
		errs = append(errs, errors.New("strict production requires SACCO_RELWORX_WEBHOOK_KEY"))
	}
	if c.Relworx.CallbackURL == "" || !strings.HasPrefix(c.Relworx.CallbackURL, "https://") {
		errs = append(errs, errors.New("strict production requires an https SACCO_RELWORX_CALLBACK_URL"))
	}
	return errs
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make([]string, 0)
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBool(key string, def bool, errs *[]error) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func envInt(key string, def int, errs *[]error) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}
