// Command apnsclient sends one push notification through the full
// auth/transport/pool/facade pipeline, the same wiring shape as a
// long-running service's startup
// but condensed into a single send-and-exit CLI for manual testing against
// the APNs sandbox.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-apns-client/internal/auth"
	"github.com/tinywideclouds/go-apns-client/internal/config"
	"github.com/tinywideclouds/go-apns-client/internal/metrics"
	"github.com/tinywideclouds/go-apns-client/internal/pool"
	"github.com/tinywideclouds/go-apns-client/internal/transport"
	"github.com/tinywideclouds/go-apns-client/pkg/apns"
)

//go:embed local.yaml
var embeddedConfig []byte

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevelFromEnv(),
	})).With("service", "apnsclient")
	slog.SetDefault(logger)

	deviceToken := flag.String("device-token", "", "64-character hex device token to send to")
	payload := flag.String("payload", `{"aps":{"alert":"hello"}}`, "raw JSON notification payload")
	flag.Parse()

	if *deviceToken == "" {
		logger.Error("-device-token is required")
		os.Exit(1)
	}

	ctx := context.Background()
	client, err := buildClient(logger)
	if err != nil {
		logger.Error("failed to build client", "err", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Error("graceful shutdown failed", "err", err)
		}
	}()

	resp, err := client.Send(ctx, apns.Notification{
		DeviceToken: *deviceToken,
		Topic:       os.Getenv("APNS_TOPIC"),
		Payload:     []byte(*payload),
		PushType:    apns.PushTypeAlert,
	})
	if err != nil {
		logger.Error("send failed", "err", err)
		os.Exit(1)
	}

	if resp.Accepted {
		logger.Info("notification accepted", "apns_id", resp.ApnsID)
		return
	}
	logger.Warn("notification rejected", "apns_id", resp.ApnsID, "reason", resp.RejectionReason, "status", resp.StatusCode)
	os.Exit(1)
}

func logLevelFromEnv() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "WARN":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildClient wires auth -> transport factory -> pool -> facade, the same
// collaborator graph a longer-running service's startup would build, just
// without the pubsub/firestore/FCM concerns this module doesn't carry.
func buildClient(logger *slog.Logger) (*apns.Client, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(embeddedConfig, &yamlCfg); err != nil {
		return nil, fmt.Errorf("unmarshal embedded config: %w", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg)
	if err != nil {
		return nil, fmt.Errorf("build base config: %w", err)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("apply config overrides: %w", err)
	}

	if !cfg.Credentials.IsToken() {
		return nil, errors.New("apnsclient only demonstrates token-based auth; configure credentials.signing_key_file/key_id/team_id")
	}

	privateKey, err := loadSigningKey(cfg.Credentials.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	tokenProvider, err := auth.NewProvider(auth.SigningKey{
		PrivateKey: privateKey,
		KeyID:      cfg.Credentials.KeyID,
		TeamID:     cfg.Credentials.TeamID,
	}, cfg.TokenExpiration, logger)
	if err != nil {
		return nil, fmt.Errorf("construct token provider: %w", err)
	}

	metricsListener := metrics.NewPrometheusListener(prometheus.DefaultRegisterer, "apnsclient")

	p := apns.NewTokenAuthPoolFactory(
		cfg.ServerAddress,
		tokenProvider,
		transport.FactoryConfig{
			HostnameVerification: cfg.HostnameVerification,
			UseALPN:              cfg.UseALPN,
			ProxyAddress:         cfg.ProxyAddress,
			ConnectionTimeout:    cfg.ConnectionTimeout,
			IdlePingInterval:     cfg.IdlePingInterval,
			CloseAfterIdle:       cfg.CloseAfterIdle,
			Logger:               logger,
		},
		pool.Config{
			Size:                cfg.ConcurrentConns,
			PendingAcquireLimit: cfg.PendingAcquireLimit,
			Metrics:             metricsListener,
			Logger:              logger,
		},
	)

	return apns.NewClient(apns.ClientConfig{
		Pool:        p,
		Development: cfg.ServerAddress == apns.HostDevelopment,
		Metrics:     metricsListener,
		Logger:      logger,
	}), nil
}

// loadSigningKey parses an APNs AuthKey .p8 file: a PEM block wrapping a
// PKCS#8-encoded EC private key. This lives in the CLI, not the library,
// since spec.md scopes PEM/PKCS#8 loading as an external collaborator
// concern rather than part of the client core.
func loadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: not a PEM file", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: parse PKCS#8 key: %w", path, err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an EC private key", path)
	}
	return ecKey, nil
}
