package apns

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-apns-client/internal/auth"
	"github.com/tinywideclouds/go-apns-client/internal/metrics"
	"github.com/tinywideclouds/go-apns-client/internal/pool"
	"github.com/tinywideclouds/go-apns-client/internal/transport"
)

// Host-selection constants: development vs.
// production is a constructor-time choice, not a per-request field,
// matching every example client in the retrieval pack.
const (
	HostProduction  = "api.push.apple.com:443"
	HostDevelopment = "api.development.push.apple.com:443"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Pool *pool.Pool

	// Development marks the pool's target host as api.development.push.apple.com.
	// apns-unique-id is only read from responses when this is true.
	Development bool

	Metrics metrics.Listener
	Logger  *slog.Logger
}

// Client is the thin public facade over the connection pool: per-send it
// acquires a connection, writes the request, and once the outcome is known
// either returns the connection to the pool or, on a local write failure,
// destroys it.
type Client struct {
	pool        *pool.Pool
	development bool
	metrics     metrics.Listener
	logger      *slog.Logger
}

// NewClient constructs a Client over an already-built pool.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopListener{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		pool:        cfg.Pool,
		development: cfg.Development,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "apns.Client"),
	}
}

// Send delivers one notification, acquiring a pooled connection, writing the
// request, and releasing the connection back to the pool. The
// request's ApnsID, if left empty, is filled in from the server's response.
func (c *Client) Send(ctx context.Context, n Notification) (*Response, error) {
	req, err := buildNotificationRequest(n)
	if err != nil {
		return nil, &WriteFailureError{Cause: err}
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := conn.Send(ctx, req)
	if err != nil {
		c.pool.Destroy(conn)
		c.metrics.WriteFailure(n.Topic)
		c.logger.Debug("notification write failed", "connection_id", conn.ID(), "topic", n.Topic, "err", err)
		return nil, err
	}
	c.pool.Release(conn)
	c.metrics.NotificationSent(n.Topic)

	resp := finalizeNotificationResponse(raw, n.ApnsID, c.development)
	c.metrics.NotificationAcknowledged(resp, time.Since(start))
	return resp, nil
}

// Close releases the pool. It does not close a token provider or logger
// passed in by the caller; whoever constructed those owns their lifecycle.
func (c *Client) Close(ctx context.Context) error {
	return c.pool.Close(ctx)
}

func buildNotificationRequest(n Notification) (transport.Request, error) {
	if n.DeviceToken == "" {
		return transport.Request{}, fmt.Errorf("device token is required")
	}

	headers := map[string]string{}
	if !n.Expiration.IsZero() {
		headers["apns-expiration"] = strconv.FormatInt(n.Expiration.Unix(), 10)
	} else {
		headers["apns-expiration"] = "0"
	}
	if n.Topic != "" {
		headers["apns-topic"] = n.Topic
	}
	if n.Priority != 0 {
		headers["apns-priority"] = strconv.Itoa(int(n.Priority))
	}
	if n.PushType != "" {
		headers["apns-push-type"] = string(n.PushType)
	}
	if n.CollapseID != "" {
		headers["apns-collapse-id"] = n.CollapseID
	}
	if n.ApnsID != "" {
		id, err := uuid.Parse(n.ApnsID)
		if err != nil {
			return transport.Request{}, fmt.Errorf("apns_id %q is not a canonical UUID: %w", n.ApnsID, err)
		}
		headers["apns-id"] = id.String()
	}

	return transport.Request{
		Method:         "POST",
		Path:           "/3/device/" + n.DeviceToken,
		Headers:        headers,
		Body:           n.Payload,
		UseBearerToken: true,
	}, nil
}

// finalizeNotificationResponse classifies the response for the notification
// path: 200 is accepted, anything else is a rejection carried as data
// rather than an error.
func finalizeNotificationResponse(raw *transport.RawResponse, requestedApnsID string, development bool) *Response {
	resp := &Response{
		StatusCode: raw.StatusCode,
		ApnsID:     requestedApnsID,
	}
	if resp.ApnsID == "" {
		resp.ApnsID = raw.Headers.Get("apns-id")
	}
	if development {
		resp.ApnsUniqueID = raw.Headers.Get("apns-unique-id")
	}

	if raw.StatusCode == 200 {
		resp.Accepted = true
		return resp
	}

	reason, timestampMillis, ok := transport.ParseErrorBody(raw.Body)
	if ok {
		resp.RejectionReason = reason
		if timestampMillis > 0 {
			resp.TokenInvalidationAt = time.UnixMilli(timestampMillis)
		}
	}
	return resp
}

// NewTokenAuthPoolFactory is a convenience constructor gluing together the
// auth provider, transport factory and pool for the common token-auth
// notification-client wiring.
func NewTokenAuthPoolFactory(serverAddress string, tp *auth.Provider, factoryCfg transport.FactoryConfig, poolCfg pool.Config) *pool.Pool {
	factoryCfg.ServerAddress = serverAddress
	factoryCfg.TokenProvider = tp
	f := transport.NewFactory(factoryCfg)
	poolCfg.Factory = pool.NewTransportFactory(f)
	return pool.New(poolCfg)
}
