// Package config loads server settings from THIRDPLACE_* environment
// variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	HTTPAddr   string `env:"THIRDPLACE_HTTP_ADDR" envDefault:":8080"`
	HealthAddr string `env:"THIRDPLACE_HEALTH_ADDR" envDefault:":8081"` // gRPC health; empty disables

	Env string `env:"THIRDPLACE_ENV" envDefault:"dev"` // "dev" | "prod"

	// Storage
	StoreDriver string `env:"THIRDPLACE_STORE" envDefault:"sqlite" validate:"oneof=memory sqlite"`
	DBPath      string `env:"THIRDPLACE_DB_PATH" envDefault:"./data/thirdplace.db"`
	CatalogPath string `env:"THIRDPLACE_CATALOG_PATH"` // empty uses the embedded catalog
	SeedOnStart bool   `env:"THIRDPLACE_SEED_ON_START" envDefault:"true"`

	// Logging
	LogLevel  string `env:"THIRDPLACE_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn warning error"`
	LogFormat string `env:"THIRDPLACE_LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
	LogOutput string `env:"THIRDPLACE_LOG_OUTPUT" envDefault:"stdout"`

	// Coverage
	CertificateBaseURL string        `env:"THIRDPLACE_CERT_BASE_URL" envDefault:"https://certs.thirdplace.local" validate:"url"`
	SweepInterval      time.Duration `env:"THIRDPLACE_SWEEP_INTERVAL" envDefault:"1m" validate:"gt=0"`

	// Lock revocation delivery
	RevocationQueue       string        `env:"THIRDPLACE_REVOCATION_QUEUE" envDefault:"memory" validate:"oneof=memory redis"`
	RedisAddr             string        `env:"THIRDPLACE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB               int           `env:"THIRDPLACE_REDIS_DB" envDefault:"0" validate:"gte=0"`
	RevocationMaxAttempts int           `env:"THIRDPLACE_REVOCATION_MAX_ATTEMPTS" envDefault:"8" validate:"gt=0"`
	RevocationBackoff     time.Duration `env:"THIRDPLACE_REVOCATION_BACKOFF" envDefault:"2s" validate:"gt=0"`

	// Lock vendors
	KisiAPIKey      string   `env:"THIRDPLACE_KISI_API_KEY"`
	SchlageAPIKey   string   `env:"THIRDPLACE_SCHLAGE_API_KEY"`
	QRSigningSecret string   `env:"THIRDPLACE_QR_SIGNING_SECRET" envDefault:"dev-insecure-qr-secret"`
	LockBridgeAddr  string   `env:"THIRDPLACE_LOCK_BRIDGE_ADDR"` // vendors routed through a gRPC bridge
	BridgeVendors   []string `env:"THIRDPLACE_LOCK_BRIDGE_VENDORS" envSeparator:","`
}

// FromEnv reads the process environment.
func FromEnv() (Config, error) {
	return parse(env.Options{})
}

// FromMap reads settings from environ instead of the process environment.
func FromMap(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if cfg.Env != "dev" && cfg.Env != "prod" {
		// fail-soft: treat unknown as dev
		cfg.Env = "dev"
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.RevocationQueue = strings.ToLower(cfg.RevocationQueue)
	cfg.BridgeVendors = normalize(cfg.BridgeVendors)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Env == "prod" && cfg.QRSigningSecret == "dev-insecure-qr-secret" {
		return Config{}, fmt.Errorf("invalid config: THIRDPLACE_QR_SIGNING_SECRET must be set in prod")
	}
	if len(cfg.BridgeVendors) > 0 && cfg.LockBridgeAddr == "" {
		return Config{}, fmt.Errorf("invalid config: THIRDPLACE_LOCK_BRIDGE_VENDORS needs THIRDPLACE_LOCK_BRIDGE_ADDR")
	}
	return cfg, nil
}

// IsProd reports whether the server runs with production defaults.
func (c Config) IsProd() bool { return c.Env == "prod" }

func normalize(list []string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
