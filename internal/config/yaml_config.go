// --- File: internal/config/yaml_config.go ---
package config

import "time"

// YamlConfig mirrors the raw config.yaml file on disk. It is the "stage 1"
// shape; NewConfigFromYaml maps it into the validated Config struct that the
// rest of the module consumes.
type YamlConfig struct {
	ServerAddress        string        `yaml:"server_address"`
	HostnameVerification bool          `yaml:"hostname_verification_enabled"`
	UseALPN              bool          `yaml:"use_alpn"`
	ConcurrentConns       int           `yaml:"concurrent_connections"`
	TokenExpiration      time.Duration `yaml:"token_expiration"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
	IdlePingInterval     time.Duration `yaml:"idle_ping_interval"`
	CloseAfterIdle       bool          `yaml:"close_after_idle"`
	GracefulShutdown     time.Duration `yaml:"graceful_shutdown_timeout"`
	PendingAcquireLimit  int           `yaml:"pending_acquire_limit"`

	Credentials YamlCredentials `yaml:"credentials"`
	Proxy       YamlProxy       `yaml:"proxy"`
}

// YamlCredentials carries exactly one of the two supported credential kinds.
// Validation that exactly one is populated happens in
// UpdateConfigWithEnvOverrides, after environment overrides are applied.
type YamlCredentials struct {
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	SigningKeyFile string `yaml:"signing_key_file"`
	KeyID          string `yaml:"key_id"`
	TeamID         string `yaml:"team_id"`
}

// YamlProxy describes an optional proxy chain hop.
type YamlProxy struct {
	Address string `yaml:"address"`
}

// NewConfigFromYaml converts the raw YamlConfig into a clean base Config,
// ready to be completed by environment overrides.
func NewConfigFromYaml(raw *YamlConfig) (*Config, error) {
	cfg := &Config{
		ServerAddress:        raw.ServerAddress,
		HostnameVerification: raw.HostnameVerification,
		UseALPN:              raw.UseALPN,
		ConcurrentConns:      raw.ConcurrentConns,
		TokenExpiration:      raw.TokenExpiration,
		ConnectionTimeout:    raw.ConnectionTimeout,
		IdlePingInterval:     raw.IdlePingInterval,
		CloseAfterIdle:       raw.CloseAfterIdle,
		GracefulShutdown:     raw.GracefulShutdown,
		PendingAcquireLimit:  raw.PendingAcquireLimit,
		Credentials: Credentials{
			TLSCertFile:    raw.Credentials.TLSCertFile,
			TLSKeyFile:     raw.Credentials.TLSKeyFile,
			SigningKeyFile: raw.Credentials.SigningKeyFile,
			KeyID:          raw.Credentials.KeyID,
			TeamID:         raw.Credentials.TeamID,
		},
	}
	if raw.Proxy.Address != "" {
		cfg.ProxyAddress = raw.Proxy.Address
	}
	return cfg, nil
}
