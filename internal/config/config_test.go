// --- File: internal/config/config_test.go ---
package config_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-apns-client/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseTokenConfig() *config.Config {
	return &config.Config{
		ServerAddress: "api.push.apple.com:443",
		Credentials: config.Credentials{
			SigningKeyFile: "key.p8",
			KeyID:          "ABCD123456",
			TeamID:         "TEAM1234ZZ",
		},
	}
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	t.Run("success - env overrides applied", func(t *testing.T) {
		cfg := baseTokenConfig()
		t.Setenv("APNS_SERVER_ADDRESS", "api.development.push.apple.com:443")
		t.Setenv("APNS_CONCURRENT_CONNECTIONS", "4")

		out, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)
		assert.Equal(t, "api.development.push.apple.com:443", out.ServerAddress)
		assert.Equal(t, 4, out.ConcurrentConns)
	})

	t.Run("defaults filled in", func(t *testing.T) {
		cfg := baseTokenConfig()
		out, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)
		assert.Equal(t, 1, out.ConcurrentConns)
		assert.Equal(t, 50*time.Minute, out.TokenExpiration)
		assert.Equal(t, 60*time.Second, out.IdlePingInterval)
		assert.Equal(t, 10*time.Second, out.GracefulShutdown)
	})

	t.Run("missing server address is an error", func(t *testing.T) {
		cfg := baseTokenConfig()
		cfg.ServerAddress = ""
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("mixing TLS and token credentials is an error", func(t *testing.T) {
		cfg := baseTokenConfig()
		cfg.Credentials.TLSCertFile = "cert.pem"
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("neither credential kind is an error", func(t *testing.T) {
		cfg := &config.Config{ServerAddress: "api.push.apple.com:443"}
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})
}
