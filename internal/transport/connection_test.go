package transport_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-apns-client/internal/auth"
	"github.com/tinywideclouds/go-apns-client/internal/mockserver"
	"github.com/tinywideclouds/go-apns-client/internal/transport"
)

func newTestSigningKey() (auth.SigningKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return auth.SigningKey{}, err
	}
	return auth.SigningKey{PrivateKey: key, KeyID: "ABCDEFGHIJ", TeamID: "KLMNOPQRST"}, nil
}

func newTestConnection(t *testing.T, factoryCfg transport.FactoryConfig, steps ...mockserver.Step) (*transport.Connection, *mockserver.Server) {
	t.Helper()
	srv := mockserver.New(steps...)
	addr, err := srv.Start(selfSignedServerConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	factoryCfg.ServerAddress = addr
	if factoryCfg.ConnectionTimeout == 0 {
		factoryCfg.ConnectionTimeout = 2 * time.Second
	}
	factoryCfg.Logger = newTestLogger()
	f := transport.NewFactory(factoryCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := f.Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, srv
}

func TestConnection_Send_Accepted(t *testing.T) {
	conn, _ := newTestConnection(t, transport.FactoryConfig{}, mockserver.Step{Status: 200})

	resp, err := conn.Send(context.Background(), transport.Request{
		Method: "POST",
		Path:   "/3/device/abc123",
		Body:   []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestConnection_Send_Rejected(t *testing.T) {
	conn, _ := newTestConnection(t, transport.FactoryConfig{}, mockserver.Step{
		Status: 400,
		Body:   []byte(`{"reason":"BadDeviceToken"}`),
	})

	resp, err := conn.Send(context.Background(), transport.Request{Method: "POST", Path: "/3/device/bad"})
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
	reason, _, ok := transport.ParseErrorBody(resp.Body)
	require.True(t, ok)
	assert.Equal(t, "BadDeviceToken", reason)
}

func TestConnection_Send_RefusedStreamRetriesTransparently(t *testing.T) {
	conn, srv := newTestConnection(t, transport.FactoryConfig{},
		mockserver.Step{Outcome: mockserver.OutcomeRefuseStream},
		mockserver.Step{Status: 200},
	)

	resp, err := conn.Send(context.Background(), transport.Request{Method: "POST", Path: "/3/device/abc"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.GreaterOrEqual(t, srv.RequestCount(), int64(2), "REFUSED_STREAM must cause a retry, visible as a second request")
}

func TestConnection_Send_GoAwayClosesConnectionAndFailsWaiter(t *testing.T) {
	conn, _ := newTestConnection(t, transport.FactoryConfig{}, mockserver.Step{Outcome: mockserver.OutcomeGoAway})

	_, err := conn.Send(context.Background(), transport.Request{Method: "POST", Path: "/3/device/abc"})
	require.Error(t, err)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection should be closed after GOAWAY")
	}
	assert.False(t, conn.IsUsable())
}

func TestConnection_Send_ExpiredProviderTokenRetriesOnce(t *testing.T) {
	key, err := newTestSigningKey()
	require.NoError(t, err)
	provider, err := auth.NewProvider(key, time.Hour, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(provider.Close)

	conn, srv := newTestConnection(t, transport.FactoryConfig{TokenProvider: provider},
		mockserver.Step{Status: 403, Body: []byte(`{"reason":"ExpiredProviderToken"}`)},
		mockserver.Step{Status: 200},
	)

	resp, err := conn.Send(context.Background(), transport.Request{
		Method:         "POST",
		Path:           "/3/device/abc",
		UseBearerToken: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.GreaterOrEqual(t, srv.RequestCount(), int64(2))
}

func TestConnection_KeepAlive_PingSucceedsAcrossIdlePeriod(t *testing.T) {
	conn, srv := newTestConnection(t, transport.FactoryConfig{
		IdlePingInterval: 40 * time.Millisecond,
	}, mockserver.Step{Outcome: mockserver.OutcomeSilent})

	sendCtx, cancelSend := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancelSend()
	go func() {
		_, _ = conn.Send(sendCtx, transport.Request{Method: "POST", Path: "/3/device/abc"})
	}()

	time.Sleep(120 * time.Millisecond)
	assert.True(t, conn.IsUsable(),
		"keep-alive PING must keep the connection open across idle periods even with an outstanding silent stream")
	assert.GreaterOrEqual(t, srv.RequestCount(), int64(1))
}

func TestConnection_KeepAlive_ClosesConnectionWhenPingTimesOut(t *testing.T) {
	conn, srv := newTestConnection(t, transport.FactoryConfig{
		IdlePingInterval: 40 * time.Millisecond,
	})
	srv.SetDropPings(true)

	select {
	case <-conn.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a keep-alive PING timeout to close the idle connection")
	}
	assert.False(t, conn.IsUsable())
}

func TestConnection_IsUsable_FalseAfterClose(t *testing.T) {
	conn, _ := newTestConnection(t, transport.FactoryConfig{}, mockserver.Step{Status: 200})
	require.NoError(t, conn.Close())
	assert.False(t, conn.IsUsable())
}
