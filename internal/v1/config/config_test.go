package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "AUTH_ENABLED", "JWT_ISSUER_DOMAIN", "JWT_AUDIENCE", "REDIS_ENABLED", "REDIS_ADDR",
		"REDIS_PASSWORD", "GO_ENV", "LOG_LEVEL", "ALLOWED_ORIGINS",
		"MAX_PAYLOAD_BYTES", "COMPRESS_THRESHOLD_BYTES", "OTEL_COLLECTOR_ADDR",
	} {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}
}

func TestValidateEnvDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, "4000", cfg.Port)
	assert.False(t, cfg.AuthEnabled)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, defaultMaxPayloadBytes, cfg.MaxPayloadBytes)
}

func TestValidateEnvRejectsBadPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-port")

	_, err := ValidateEnv()
	assert.Error(t, err)
}

func TestValidateEnvRequiresJWTIssuerWhenAuthEnabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_ENABLED", "true")

	_, err := ValidateEnv()
	assert.Error(t, err)

	t.Setenv("JWT_ISSUER_DOMAIN", "example.auth0.com")
	t.Setenv("JWT_AUDIENCE", "https://meshsignal.example.com")
	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.AuthEnabled)
}

func TestValidateEnvRequiresValidRedisAddr(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "not-a-host-port")

	_, err := ValidateEnv()
	assert.Error(t, err)
}
