// Package auth produces and refreshes the ES256 JWT bearer token shared by
// every stream on every connection of one client.
package auth

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenAge is the APNs-recommended maximum lifetime of a provider
// token before it must be regenerated.
const DefaultTokenAge = 50 * time.Minute

// SigningKey holds the credentials needed to sign provider tokens.
type SigningKey struct {
	PrivateKey *ecdsa.PrivateKey
	KeyID      string // ten-character APNs key id
	TeamID     string // ten-character Apple team id
}

// clock is overridden in tests so token age and iat are deterministic.
type clock func() time.Time

// Provider builds, caches and refreshes a single ES256 JWT. current_token()
// never blocks: it always returns the most recently generated value.
//
// Provider is safe for concurrent use. Regeneration happens on its own timer
// goroutine or synchronously inside Invalidate; callers on other goroutines
// only ever read the cached value.
type Provider struct {
	key       SigningKey
	maxAge    time.Duration
	now       clock
	logger    *slog.Logger

	mu      sync.RWMutex
	current string

	stop chan struct{}
	done chan struct{}
}

// NewProvider constructs a Provider and signs the first token immediately.
// A signing error here propagates straight to the caller.
func NewProvider(key SigningKey, maxAge time.Duration, logger *slog.Logger) (*Provider, error) {
	if maxAge <= 0 {
		maxAge = DefaultTokenAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		key:    key,
		maxAge: maxAge,
		now:    time.Now,
		logger: logger.With("component", "auth.Provider"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	tok, err := p.sign()
	if err != nil {
		return nil, fmt.Errorf("sign initial provider token: %w", err)
	}
	p.current = tok

	go p.refreshLoop()
	return p, nil
}

// CurrentToken returns the most recently generated bearer token. Callers
// never block.
func (p *Provider) CurrentToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Invalidate compares tokenValue against the cached token by value and, if
// equal, triggers an immediate regeneration. Concurrent streams that all
// observed the same expired token and all call Invalidate cause at most one
// regeneration: the second and later callers find the cache has already
// moved on and are no-ops.
func (p *Provider) Invalidate(tokenValue string) {
	p.mu.Lock()
	if p.current != tokenValue {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	tok, err := p.sign()
	if err != nil {
		p.logger.Error("failed to regenerate invalidated provider token", "err", err)
		return
	}

	p.mu.Lock()
	if p.current == tokenValue {
		p.current = tok
	}
	p.mu.Unlock()
}

// Close stops the refresh timer goroutine.
func (p *Provider) Close() {
	close(p.stop)
	<-p.done
}

func (p *Provider) refreshLoop() {
	defer close(p.done)
	t := time.NewTicker(p.maxAge)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			tok, err := p.sign()
			if err != nil {
				// Signing errors during refresh are logged; the previous token
				// is retained.
				p.logger.Error("failed to refresh provider token, keeping previous", "err", err)
				continue
			}
			p.mu.Lock()
			p.current = tok
			p.mu.Unlock()
		}
	}
}

// sign builds and signs a new JWT: header {alg:ES256, typ:JWT, kid}, claims
// {iss:team_id, iat:unix_seconds}.
func (p *Provider) sign() (string, error) {
	claims := jwt.MapClaims{
		"iss": p.key.TeamID,
		"iat": p.now().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = p.key.KeyID

	signed, err := tok.SignedString(p.key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign ES256 provider token: %w", err)
	}
	return signed, nil
}
