// Package config validates and exposes process environment configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/wrightline/meshsignal/internal/v1/logging"
)

// Config holds validated environment configuration for the signaling hub.
type Config struct {
	Port string

	AuthEnabled     bool
	JWTIssuerDomain string
	JWTAudience     string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	GoEnv    string
	LogLevel string

	AllowedOrigins []string

	MaxPayloadBytes   int
	CompressThreshold int

	RateLimitWsIP   string
	RateLimitWsUser string

	OtelCollectorAddr string
}

const (
	defaultMaxPayloadBytes   = 1 << 20 // 1 MiB — resolves spec.md's Open Question on buffer ceiling.
	defaultCompressThreshold = 1024    // 1 KiB
)

// ValidateEnv validates all environment variables and returns a Config.
// Every problem is collected and returned together, rather than failing on
// the first one, so misconfiguration is diagnosed in a single pass.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "4000")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.AuthEnabled = os.Getenv("AUTH_ENABLED") == "true"
	cfg.JWTIssuerDomain = os.Getenv("JWT_ISSUER_DOMAIN")
	cfg.JWTAudience = os.Getenv("JWT_AUDIENCE")
	if cfg.AuthEnabled && (cfg.JWTIssuerDomain == "" || cfg.JWTAudience == "") {
		errs = append(errs, "JWT_ISSUER_DOMAIN and JWT_AUDIENCE must both be set when AUTH_ENABLED=true")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	originsStr := os.Getenv("ALLOWED_ORIGINS")
	if originsStr == "" {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	} else {
		cfg.AllowedOrigins = strings.Split(originsStr, ",")
	}

	cfg.MaxPayloadBytes = getEnvIntOrDefault("MAX_PAYLOAD_BYTES", defaultMaxPayloadBytes)
	cfg.CompressThreshold = getEnvIntOrDefault("COMPRESS_THRESHOLD_BYTES", defaultCompressThreshold)

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	logging.GetLogger().Sugar().Infow("environment configuration validated",
		"port", cfg.Port,
		"auth_enabled", cfg.AuthEnabled,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"allowed_origins", cfg.AllowedOrigins,
		"max_payload_bytes", cfg.MaxPayloadBytes,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
