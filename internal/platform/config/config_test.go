package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":8081" {
		t.Fatalf("unexpected listen addresses: %s %s", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.Relworx.Timeout != 30*time.Second || cfg.Relworx.CountryCode != "256" {
		t.Fatalf("unexpected relworx defaults: %+v", cfg.Relworx)
	}
	if cfg.SweepBackoff != 30*time.Second || cfg.SweepMaxBackoff != 30*time.Minute || cfg.AuditRetain != 10000 {
		t.Fatalf("unexpected sweep backoff or audit defaults: %+v", cfg)
	}
	if cfg.Events.Backend != "none" || cfg.SweepBatch != 50 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate outside strict mode: %v", err)
	}
}

func TestLoadReadsDotEnvWithoutOverridingEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "SACCO_HTTP_ADDR=:9090\nSACCO_KAFKA_BROKERS=k1:9092, k2:9092\nSACCO_SWEEP_INTERVAL=15s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("SACCO_HTTP_ADDR", ":7070")
	for _, key := range []string{"SACCO_SWEEP_INTERVAL", "SACCO_KAFKA_BROKERS"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("process env must win over .env, got %s", cfg.HTTPAddr)
	}
	if len(cfg.Events.KafkaBrokers) != 2 || cfg.Events.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Events.KafkaBrokers)
	}
	if cfg.SweepInterval != 15*time.Second {
		t.Fatalf("unexpected sweep interval: %s", cfg.SweepInterval)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("SACCO_STRICT_PRODUCTION", "sometimes")
	t.Setenv("SACCO_SWEEP_INTERVAL", "soon")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected malformed values to fail")
	}
}

func TestValidateProductionRuntimeStrictRequirements(t *testing.T) {
	valid := func() Config {
		return Config{
			StrictProduction: true,
			DatabaseURL:      "postgres://x",
			JWTSecret:        "prod-secret",
			TLS:              TLSConfig{Enabled: true},
			SweepBatch:       50,
			SweepBackoff:     30 * time.Second,
			SweepMaxBackoff:  30 * time.Minute,
			AuditRetain:      10000,
			Relworx: RelworxConfig{
				APIKey:      "key",
				AccountNo:   "REL123",
				WebhookKey:  "whk",
				CallbackURL: "https://sacco.example/v1/webhooks/relworx",
				Timeout:     30 * time.Second,
			},
		}
	}
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "strict valid config", mutate: func(*Config) {}},
		{name: "non-strict allows dev defaults", mutate: func(c *Config) {
			c.StrictProduction = false
			c.DatabaseURL = ""
			c.TLS.Enabled = false
			c.JWTSecret = DefaultJWTSecret
			c.Relworx.WebhookKey = ""
		}},
		{name: "strict requires database", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: true},
		{name: "strict requires tls", mutate: func(c *Config) { c.TLS.Enabled = false }, wantErr: true},
		{name: "strict rejects default jwt secret without keyset", mutate: func(c *Config) { c.JWTSecret = DefaultJWTSecret }, wantErr: true},
		{name: "strict allows keyset with default single secret value", mutate: func(c *Config) {
			c.JWTSecret = DefaultJWTSecret
			c.JWTKeysetSpec = "k1:rotated-secret"
		}},
		{name: "strict requires webhook key", mutate: func(c *Config) { c.Relworx.WebhookKey = "" }, wantErr: true},
		{name: "strict requires https callback", mutate: func(c *Config) { c.Relworx.CallbackURL = "http://sacco.example/cb" }, wantErr: true},
		{name: "timeout above provider ceiling", mutate: func(c *Config) { c.Relworx.Timeout = time.Minute }, wantErr: true},
		{name: "max backoff below first backoff", mutate: func(c *Config) { c.SweepMaxBackoff = time.Second }, wantErr: true},
		{name: "unbounded audit ring", mutate: func(c *Config) { c.AuditRetain = 0 }, wantErr: true},
		{name: "relative callback url", mutate: func(c *Config) {
			c.StrictProduction = false
			c.Relworx.CallbackURL = "/v1/webhooks/relworx"
		}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := BuildTLSConfig(TLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("disabled tls should yield nil config, got %v err=%v", cfg, err)
	}
	if _, err := BuildTLSConfig(TLSConfig{Enabled: true}); err == nil {
		t.Fatalf("expected error without cert/key")
	}
	if _, err := BuildTLSConfig(TLSConfig{Enabled: true, CertFile: "missing.pem", KeyFile: "missing.key"}); err == nil {
		t.Fatalf("expected error for unreadable keypair")
	}
}
