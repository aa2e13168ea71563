package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// TestProvider_GoldenJWTShape verifies that, for a fixed key/team/key-id/iat,
// the produced JWT's header and claims base64url-encode exactly as the APNs
// token format requires, and the signature verifies against the paired
// public key.
func TestProvider_GoldenJWTShape(t *testing.T) {
	key := genKey(t)
	fixedIat := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

	p, err := NewProvider(SigningKey{
		PrivateKey: key,
		KeyID:      "ABCD123456",
		TeamID:     "TEAM1234ZZ",
	}, time.Hour, newTestLogger())
	require.NoError(t, err)
	defer p.Close()
	p.now = func() time.Time { return fixedIat }

	tok, err := p.sign()
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	var header map[string]any
	require.NoError(t, json.Unmarshal(headerJSON, &header))
	assert.Equal(t, "ES256", header["alg"])
	assert.Equal(t, "JWT", header["typ"])
	assert.Equal(t, "ABCD123456", header["kid"])

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(claimsJSON, &claims))
	assert.Equal(t, "TEAM1234ZZ", claims["iss"])
	assert.EqualValues(t, fixedIat.Unix(), claims["iat"])

	// No padding characters anywhere (base64url without padding).
	assert.NotContains(t, tok, "=")

	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	require.Len(t, sigBytes, 64) // ES256: two 32-byte big-endian integers

	signingInput := parts[0] + "." + parts[1]
	digest := sha256.Sum256([]byte(signingInput))
	r := new(big.Int).SetBytes(sigBytes[:32])
	s := new(big.Int).SetBytes(sigBytes[32:])
	assert.True(t, ecdsa.Verify(&key.PublicKey, digest[:], r, s), "signature must verify against paired public key")
}

// TestProvider_CurrentTokenNeverBlocks exercises the common-case cache read.
func TestProvider_CurrentTokenNeverBlocks(t *testing.T) {
	key := genKey(t)
	p, err := NewProvider(SigningKey{PrivateKey: key, KeyID: "K", TeamID: "T"}, time.Hour, newTestLogger())
	require.NoError(t, err)
	defer p.Close()

	tok1 := p.CurrentToken()
	tok2 := p.CurrentToken()
	assert.Equal(t, tok1, tok2)
	assert.NotEmpty(t, tok1)
}

// TestProvider_InvalidateRegeneratesOnce exercises stampede avoidance: N
// concurrent Invalidate(sameValue) calls must only regenerate
// once, because only the first to observe the match wins the compare and the
// later ones see the already-updated cache.
func TestProvider_InvalidateRegeneratesOnce(t *testing.T) {
	key := genKey(t)
	p, err := NewProvider(SigningKey{PrivateKey: key, KeyID: "K", TeamID: "T"}, time.Hour, newTestLogger())
	require.NoError(t, err)
	defer p.Close()

	original := p.CurrentToken()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			p.Invalidate(original)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	assert.NotEqual(t, original, p.CurrentToken())
}

// TestProvider_InvalidateStaleValueIsNoop ensures value-compare semantics: an
// invalidate call for a token that is no longer current does nothing.
func TestProvider_InvalidateStaleValueIsNoop(t *testing.T) {
	key := genKey(t)
	p, err := NewProvider(SigningKey{PrivateKey: key, KeyID: "K", TeamID: "T"}, time.Hour, newTestLogger())
	require.NoError(t, err)
	defer p.Close()

	current := p.CurrentToken()
	p.Invalidate("not-the-current-token")
	assert.Equal(t, current, p.CurrentToken())
}

func TestNewProvider_DefaultMaxAge(t *testing.T) {
	key := genKey(t)
	p, err := NewProvider(SigningKey{PrivateKey: key, KeyID: "K", TeamID: "T"}, 0, newTestLogger())
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, DefaultTokenAge, p.maxAge)
}
