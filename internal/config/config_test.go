package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thirdplace/server/internal/config"
)

func TestFromMap_Defaults(t *testing.T) {
	cfg, err := config.FromMap(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, "memory", cfg.RevocationQueue)
	assert.Equal(t, 8, cfg.RevocationMaxAttempts)
	assert.True(t, cfg.SeedOnStart)
	assert.False(t, cfg.IsProd())
}

func TestFromMap_Overrides(t *testing.T) {
	cfg, err := config.FromMap(map[string]string{
		"THIRDPLACE_ENV":                 "PROD",
		"THIRDPLACE_STORE":               "Memory",
		"THIRDPLACE_SWEEP_INTERVAL":      "15s",
		"THIRDPLACE_QR_SIGNING_SECRET":   "s3cret",
		"THIRDPLACE_LOCK_BRIDGE_ADDR":    "localhost:9090",
		"THIRDPLACE_LOCK_BRIDGE_VENDORS": " Salto, ,august",
	})
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, []string{"salto", "august"}, cfg.BridgeVendors)
}

func TestFromMap_UnknownEnvFallsBackToDev(t *testing.T) {
	cfg, err := config.FromMap(map[string]string{"THIRDPLACE_ENV": "staging"})
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Env)
}

func TestFromMap_Rejects(t *testing.T) {
	cases := map[string]map[string]string{
		"bad store":          {"THIRDPLACE_STORE": "postgres"},
		"bad queue":          {"THIRDPLACE_REVOCATION_QUEUE": "kafka"},
		"bad duration":       {"THIRDPLACE_SWEEP_INTERVAL": "soon"},
		"zero attempts":      {"THIRDPLACE_REVOCATION_MAX_ATTEMPTS": "0"},
		"bad cert url":       {"THIRDPLACE_CERT_BASE_URL": "not a url"},
		"prod default qr":    {"THIRDPLACE_ENV": "prod"},
		"bridge without url": {"THIRDPLACE_LOCK_BRIDGE_VENDORS": "salto"},
	}
	for name, environ := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromMap(environ)
			assert.Error(t, err)
		})
	}
}
