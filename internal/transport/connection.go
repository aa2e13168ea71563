package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/tinywideclouds/go-apns-client/internal/auth"
	"github.com/tinywideclouds/go-apns-client/pkg/apns"
)

// maxRefusedStreamRetries bounds REFUSED_STREAM retries so a misbehaving
// peer can't spin a caller forever.
const maxRefusedStreamRetries = 5

// Request is a wire-level request: method/path/headers/body. Notification
// and channel-management specific header composition happens in the
// packages that build these (pkg/apns, pkg/channelmanagement); this package
// only knows how to write and demultiplex HTTP/2 exchanges.
type Request struct {
	Method         string
	Path           string
	Headers        map[string]string
	Body           []byte
	UseBearerToken bool // authorization: bearer <token> from the shared auth.Provider
}

// RawResponse is the demultiplexed result of one request/response exchange:
// status code, headers and fully-buffered body.
type RawResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

type connectionConfig struct {
	id               string
	cc               *http2.ClientConn
	rawConn          net.Conn
	authority        string
	tokenProvider    *auth.Provider
	idlePingInterval time.Duration
	closeAfterIdle   bool
	logger           *slog.Logger
}

// Connection is the per-connection stream multiplexer, built on top of
// an *http2.ClientConn which does the actual HTTP/2 framing/demuxing. It
// adds APNs-specific behavior: REFUSED_STREAM retry, ExpiredProviderToken
// retry, idle-ping keep-alive with timeout teardown, and stream-id
// exhaustion detection.
type Connection struct {
	id            string
	cc            *http2.ClientConn
	rawConn       net.Conn
	authority     string
	tokenProvider *auth.Provider
	logger        *slog.Logger

	idlePingInterval time.Duration
	closeAfterIdle   bool

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	doneCh    chan struct{}

	lastActivity  atomicTime
	stopKeepAlive chan struct{}
	keepAliveDone chan struct{}
}

func newConnection(cfg connectionConfig) *Connection {
	c := &Connection{
		id:               cfg.id,
		cc:               cfg.cc,
		rawConn:          cfg.rawConn,
		authority:        cfg.authority,
		tokenProvider:    cfg.tokenProvider,
		logger:           cfg.logger,
		idlePingInterval: cfg.idlePingInterval,
		closeAfterIdle:   cfg.closeAfterIdle,
		doneCh:           make(chan struct{}),
		stopKeepAlive:    make(chan struct{}),
		keepAliveDone:    make(chan struct{}),
	}
	c.lastActivity.Store(time.Now())

	if c.idlePingInterval > 0 {
		go c.keepAliveLoop()
	} else {
		close(c.keepAliveDone)
	}
	return c
}

// ID identifies the connection for logging/metrics correlation.
func (c *Connection) ID() string { return c.id }

// Done is closed once Close has run: explicitly, after a keep-alive timeout
// or close_after_idle, or when a Send fails (for example on GOAWAY). A GOAWAY
// that arrives while no Send is in flight does not close the connection by
// itself; IsUsable reports false from then on.
func (c *Connection) Done() <-chan struct{} { return c.doneCh }

// IsUsable reports whether the connection can still accept a new request:
// not closed locally, and the underlying ClientConn still has stream-id
// space and hasn't seen a GOAWAY.
func (c *Connection) IsUsable() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	return !closed && c.cc.CanTakeNewRequest()
}

// Close tears the connection down and releases the underlying socket.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stopKeepAlive)
		<-c.keepAliveDone
		err = c.cc.Close()
		close(c.doneCh)
	})
	return err
}

// Send writes req and waits for the demultiplexed response, retrying
// REFUSED_STREAM and ExpiredProviderToken transparently on this same
// connection.
func (c *Connection) Send(ctx context.Context, req Request) (*RawResponse, error) {
	if !c.IsUsable() {
		c.Close()
		return nil, &apns.StreamsExhaustedError{}
	}

	retriedExpiredToken := false
	for attempt := 0; ; attempt++ {
		resp, usedToken, err := c.sendOnce(ctx, req)
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) && se.Code == http2.ErrCodeRefusedStream && attempt < maxRefusedStreamRetries {
				c.logger.Debug("REFUSED_STREAM, retrying on same connection", "attempt", attempt+1)
				c.touch()
				continue
			}
			var gae http2.GoAwayError
			if errors.As(err, &gae) {
				c.logger.Info("GOAWAY received, closing connection", "err", err)
				c.Close()
				return nil, &apns.StreamClosedBeforeReplyError{Cause: err}
			}
			c.Close()
			return nil, &apns.StreamClosedBeforeReplyError{Cause: err}
		}

		if !retriedExpiredToken && resp.StatusCode == http.StatusForbidden && req.UseBearerToken && c.tokenProvider != nil {
			if reason, ok := parseRejectionReason(resp.Body); ok && reason == "ExpiredProviderToken" {
				retriedExpiredToken = true
				c.tokenProvider.Invalidate(usedToken)
				c.logger.Debug("ExpiredProviderToken, regenerating and retrying once")
				c.touch()
				continue
			}
		}
		c.touch()
		return resp, nil
	}
}

func (c *Connection) sendOnce(ctx context.Context, req Request) (*RawResponse, string, error) {
	httpReq, usedToken, err := c.buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, "", &apns.WriteFailureError{Cause: err}
	}

	resp, err := c.cc.RoundTrip(httpReq)
	if err != nil {
		return nil, usedToken, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, usedToken, fmt.Errorf("read response body: %w", err)
	}

	return &RawResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}, usedToken, nil
}

func (c *Connection) buildHTTPRequest(ctx context.Context, req Request) (*http.Request, string, error) {
	url := "https://" + c.authority + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, "", err
	}
	httpReq.Host = c.authority
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	var usedToken string
	if req.UseBearerToken && c.tokenProvider != nil {
		usedToken = c.tokenProvider.CurrentToken()
		httpReq.Header.Set("authorization", "bearer "+usedToken)
	}
	httpReq.ContentLength = int64(len(req.Body))
	return httpReq, usedToken, nil
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now())
}

// keepAliveLoop implements idle-ping keep-alive: if no read or write
// is observed for idlePingInterval, send a PING; if no PING-ACK arrives
// within idlePingInterval/2, close the connection. http2.ClientConn.Ping
// already blocks until the ACK or returns an error on timeout/connection
// loss, so a timed Ping call on an otherwise-idle connection implements both
// halves of this rule in one step.
func (c *Connection) keepAliveLoop() {
	defer close(c.keepAliveDone)
	ticker := time.NewTicker(c.idlePingInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopKeepAlive:
			return
		case now := <-ticker.C:
			last := c.lastActivity.Load()
			if now.Sub(last) < c.idlePingInterval {
				continue
			}
			if c.closeAfterIdle {
				c.logger.Debug("idle with close_after_idle set, closing")
				go c.Close()
				return
			}
			c.logger.Debug("idle, sending keep-alive PING")
			pingCtx, cancel := context.WithTimeout(context.Background(), c.idlePingInterval/2)
			err := c.cc.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Info("keep-alive PING timed out, closing connection", "err", err)
				go c.Close()
				return
			}
			c.touch()
		}
	}
}

func parseRejectionReason(body []byte) (string, bool) {
	reason, _, ok := ParseErrorBody(body)
	return reason, ok
}

// ParseErrorBody parses the APNs/channel-management JSON error body
// {"reason":"<Reason>","timestamp":<millis>?}.
func ParseErrorBody(body []byte) (reason string, timestampMillis int64, ok bool) {
	var parsed struct {
		Reason    string `json:"reason"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, false
	}
	if parsed.Reason == "" {
		return "", 0, false
	}
	return parsed.Reason, parsed.Timestamp, true
}

// atomicTime is a tiny mutex-guarded time.Time.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
