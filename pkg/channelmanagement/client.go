package channelmanagement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-apns-client/internal/metrics"
	"github.com/tinywideclouds/go-apns-client/internal/pool"
	"github.com/tinywideclouds/go-apns-client/internal/transport"
)

// ClientConfig configures a Client. Channel-management connections
// always use a size-1 pool and never enable idle-ping
// keep-alive.
type ClientConfig struct {
	Pool    *pool.Pool
	Bundle  string
	Metrics metrics.Listener
	Logger  *slog.Logger
}

// Client is the thin public facade over Apple's Live Activity
// channel-management endpoints. It has the same shape as apns.Client but a
// different wire contract: REST-ish status codes per operation instead of
// always-200.
type Client struct {
	pool    *pool.Pool
	bundle  string
	metrics metrics.Listener
	logger  *slog.Logger
}

// NewClient constructs a Client over an already-built size-1 pool.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopListener{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		pool:    cfg.Pool,
		bundle:  cfg.Bundle,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "channelmanagement.Client"),
	}
}

// CreateChannel creates a new Live Activity push-to-start channel for the
// configured bundle and returns its channel id.
func (c *Client) CreateChannel(ctx context.Context) (string, error) {
	raw, err := c.do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/1/apps/" + c.bundle + "/channels",
	}, http.StatusCreated)
	if err != nil {
		return "", err
	}
	return raw.Headers.Get("apns-channel-id"), nil
}

// GetChannelConfig fetches the configuration of an existing channel.
func (c *Client) GetChannelConfig(ctx context.Context, channelID string) (*ChannelConfig, error) {
	raw, err := c.do(ctx, transport.Request{
		Method:  http.MethodGet,
		Path:    "/1/apps/" + c.bundle + "/channels",
		Headers: map[string]string{"apns-channel-id": channelID},
	}, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var cfg ChannelConfig
	if err := json.Unmarshal(raw.Body, &cfg); err != nil {
		return nil, &ChannelManagementException{
			Status:        raw.StatusCode,
			ApnsRequestID: raw.Headers.Get("apns-request-id"),
			Cause:         fmt.Errorf("decode channel config: %w", err),
		}
	}
	return &cfg, nil
}

// DeleteChannel removes a channel. Unlike some client
// implementations in the wild, this performs a single request/response
// round trip: it is not recursive.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := c.do(ctx, transport.Request{
		Method:  http.MethodDelete,
		Path:    "/1/apps/" + c.bundle + "/channels",
		Headers: map[string]string{"apns-channel-id": channelID},
	}, http.StatusNoContent)
	return err
}

// ListChannelIDs lists every channel id registered for the configured
// bundle.
func (c *Client) ListChannelIDs(ctx context.Context) ([]string, error) {
	raw, err := c.do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "/1/apps/" + c.bundle + "/all-channels",
	}, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var body struct {
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, &ChannelManagementException{
			Status:        raw.StatusCode,
			ApnsRequestID: raw.Headers.Get("apns-request-id"),
			Cause:         fmt.Errorf("decode channel list: %w", err),
		}
	}
	return body.Channels, nil
}

// Close releases the underlying pool.
func (c *Client) Close(ctx context.Context) error {
	return c.pool.Close(ctx)
}

// do runs one request/response round trip and enforces the expected success
// status, converting anything else into a ChannelManagementException,
// including the 404 a missing bundle or channel id produces for get/list.
func (c *Client) do(ctx context.Context, req transport.Request, wantStatus int) (*transport.RawResponse, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := conn.Send(ctx, req)
	if err != nil {
		c.pool.Destroy(conn)
		return nil, err
	}
	c.pool.Release(conn)

	if raw.StatusCode != wantStatus {
		reason, _, ok := transport.ParseErrorBody(raw.Body)
		var cause error
		if ok {
			cause = fmt.Errorf("%s", reason)
		}
		return nil, &ChannelManagementException{
			Status:        raw.StatusCode,
			ApnsRequestID: raw.Headers.Get("apns-request-id"),
			Cause:         cause,
		}
	}
	return raw, nil
}
