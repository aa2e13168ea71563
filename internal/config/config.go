// --- File: internal/config/config.go ---
// Package config loads the configuration surface the APNs/channel
// management clients need: server address, credentials, pool sizing and
// timeouts. Loading is two-stage: a YAML file (NewConfigFromYaml)
// establishes the base, then UpdateConfigWithEnvOverrides
// applies environment variables and performs final validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Credentials carries exactly one of { TLS cert+key } or { signing
// key+team-id+key-id }; mixing is an error.
type Credentials struct {
	TLSCertFile string
	TLSKeyFile  string

	SigningKeyFile string
	KeyID          string
	TeamID         string
}

// IsTLS reports whether certificate-based auth was configured.
func (c Credentials) IsTLS() bool {
	return c.TLSCertFile != "" || c.TLSKeyFile != ""
}

// IsToken reports whether JWT-based auth was configured.
func (c Credentials) IsToken() bool {
	return c.SigningKeyFile != "" || c.KeyID != "" || c.TeamID != ""
}

// Config is the single, authoritative configuration for a client.
type Config struct {
	ServerAddress        string
	HostnameVerification bool
	UseALPN              bool
	ConcurrentConns      int
	TokenExpiration      time.Duration
	ConnectionTimeout    time.Duration
	IdlePingInterval     time.Duration
	CloseAfterIdle       bool
	GracefulShutdown     time.Duration
	PendingAcquireLimit  int // 0 means unbounded

	Credentials  Credentials
	ProxyAddress string
}

const (
	defaultIdlePingInterval  = 60 * time.Second
	defaultGracefulShutdown  = 10 * time.Second
	defaultConcurrentConns   = 1
)

// UpdateConfigWithEnvOverrides applies environment variables on top of the
// YAML-derived base configuration and performs final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("applying environment variable overrides")

	if v := os.Getenv("APNS_SERVER_ADDRESS"); v != "" {
		logger.Debug("overriding config value", "key", "APNS_SERVER_ADDRESS", "source", "env")
		cfg.ServerAddress = v
	}
	if v := os.Getenv("APNS_CONCURRENT_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			logger.Debug("overriding config value", "key", "APNS_CONCURRENT_CONNECTIONS", "source", "env")
			cfg.ConcurrentConns = n
		}
	}
	if v := os.Getenv("APNS_KEY_ID"); v != "" {
		cfg.Credentials.KeyID = v
	}
	if v := os.Getenv("APNS_TEAM_ID"); v != "" {
		cfg.Credentials.TeamID = v
	}
	if v := os.Getenv("APNS_SIGNING_KEY_FILE"); v != "" {
		cfg.Credentials.SigningKeyFile = v
	}
	if v := os.Getenv("APNS_TLS_CERT_FILE"); v != "" {
		cfg.Credentials.TLSCertFile = v
	}
	if v := os.Getenv("APNS_TLS_KEY_FILE"); v != "" {
		cfg.Credentials.TLSKeyFile = v
	}
	if v := os.Getenv("APNS_PROXY_ADDRESS"); v != "" {
		cfg.ProxyAddress = v
	}

	if cfg.ServerAddress == "" {
		return nil, fmt.Errorf("server_address is required (set via YAML or APNS_SERVER_ADDRESS env var)")
	}
	if cfg.Credentials.IsTLS() == cfg.Credentials.IsToken() {
		return nil, fmt.Errorf("exactly one of TLS or token credentials must be configured, got tls=%v token=%v",
			cfg.Credentials.IsTLS(), cfg.Credentials.IsToken())
	}
	if cfg.ConcurrentConns <= 0 {
		cfg.ConcurrentConns = defaultConcurrentConns
	}
	if cfg.TokenExpiration <= 0 {
		cfg.TokenExpiration = 50 * time.Minute
	}
	if cfg.IdlePingInterval <= 0 {
		cfg.IdlePingInterval = defaultIdlePingInterval
	}
	if cfg.GracefulShutdown <= 0 {
		cfg.GracefulShutdown = defaultGracefulShutdown
	}

	logger.Debug("configuration finalized and validated successfully")
	return cfg, nil
}
