// Package transport implements the channel factory (one configured
// HTTP/2 connection per Connect call) and the per-connection stream
// multiplexer built on top of it.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/tinywideclouds/go-apns-client/internal/auth"
)

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	ServerAddress        string // host:port
	TLSConfig            *tls.Config
	HostnameVerification bool
	ProxyAddress         string // empty means dial directly
	ConnectionTimeout    time.Duration
	IdlePingInterval     time.Duration // zero disables keep-alive (channel-mgmt connections)
	CloseAfterIdle       bool
	// UseALPN negotiates "h2" over TLS ALPN before framing the connection as
	// HTTP/2. False (the default) connects with HTTP/2 by prior knowledge:
	// no protocol extension is advertised at all.
	UseALPN bool

	TokenProvider *auth.Provider // nil when the factory authenticates via TLS client cert
	Logger        *slog.Logger
}

// Factory builds configured HTTP/2 connections and enforces the
// exponential back-off between successive connect attempts. A Factory is
// not safe for concurrent Connect calls that should share one back-off
// sequence: the pool serializes creation per pending slot, one Factory per
// pool.
type Factory struct {
	cfg     FactoryConfig
	backOff interface{ NextBackOff() time.Duration; Reset() }
	nextID  atomic.Uint64
}

// NewFactory constructs a Factory from cfg.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	return &Factory{
		cfg:     cfg,
		backOff: newConnectBackOff(),
	}
}

// Connect performs one connect attempt, honoring the factory's current
// back-off delay, and returns a ready Connection once the TLS handshake,
// protocol negotiation and HTTP/2 setup have all completed.
// On success the back-off resets to zero; on failure it doubles (clamped to
// 60s) for the next call.
func (f *Factory) Connect(ctx context.Context) (*Connection, error) {
	delay := f.backOff.NextBackOff()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectionTimeout)
	defer cancel()

	rawConn, err := f.dial(connCtx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", f.cfg.ServerAddress, err)
	}

	tlsConn, err := f.negotiateTLS(connCtx, rawConn)
	if err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", f.cfg.ServerAddress, err)
	}

	h2Transport := &http2.Transport{
		TLSClientConfig: f.cfg.TLSConfig,
	}
	cc, err := h2Transport.NewClientConn(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("establish HTTP/2 connection to %s: %w", f.cfg.ServerAddress, err)
	}

	// The ready slot succeeds on the first SETTINGS frame. The
	// x/net/http2 ClientConn processes SETTINGS on its internal read loop
	// before it will answer anything at all, including a PING; a successful
	// Ping round-trip is therefore our observable proxy for "ready".
	if err := cc.Ping(connCtx); err != nil {
		cc.Close()
		return nil, fmt.Errorf("waiting for SETTINGS from %s: %w", f.cfg.ServerAddress, err)
	}

	f.backOff.Reset()

	id := fmt.Sprintf("conn-%d", f.nextID.Add(1))
	conn := newConnection(connectionConfig{
		id:               id,
		cc:               cc,
		rawConn:          tlsConn,
		authority:        f.cfg.ServerAddress,
		tokenProvider:    f.cfg.TokenProvider,
		idlePingInterval: f.cfg.IdlePingInterval,
		closeAfterIdle:   f.cfg.CloseAfterIdle,
		logger:           f.cfg.Logger.With("connection_id", id),
	})
	return conn, nil
}

func (f *Factory) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{}
	target := f.cfg.ServerAddress
	if f.cfg.ProxyAddress != "" {
		// Only the transparent TCP proxy hop is modeled here; a CONNECT-based
		// proxy handshake is a separate external concern.
		target = f.cfg.ProxyAddress
	}
	return d.DialContext(ctx, "tcp", target)
}

func (f *Factory) negotiateTLS(ctx context.Context, rawConn net.Conn) (net.Conn, error) {
	cfg := f.cfg.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if !f.cfg.HostnameVerification {
		cfg.InsecureSkipVerify = true
	} else if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(f.cfg.ServerAddress)
		if err == nil {
			cfg.ServerName = host
		}
	}
	if f.cfg.UseALPN && len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"h2"}
	}

	tlsConn := tls.Client(rawConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}

	if f.cfg.UseALPN {
		if got := tlsConn.ConnectionState().NegotiatedProtocol; got != "h2" {
			tlsConn.Close()
			return nil, fmt.Errorf("unexpected ALPN result: negotiated %q, want \"h2\"", got)
		}
	}

	return tlsConn, nil
}
