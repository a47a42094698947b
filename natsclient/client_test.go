package natsclient

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, -1, c.maxReconnects)
	assert.Equal(t, 2*time.Second, c.reconnectWait)
	assert.Equal(t, 30*time.Second, c.drainTimeout)
}

func TestNewClientAppliesOptions(t *testing.T) {
	logger := slog.Default()
	c, err := NewClient("nats://localhost:4222",
		WithLogger(logger),
		WithMaxReconnects(5),
		WithReconnectWait(time.Second),
		WithTimeout(3*time.Second),
		WithDrainTimeout(10*time.Second),
		WithClientName("fleetgate-test"),
		WithCompression(true),
		WithUserInfo("user", "pass"),
	)
	require.NoError(t, err)

	assert.Equal(t, 5, c.maxReconnects)
	assert.Equal(t, time.Second, c.reconnectWait)
	assert.Equal(t, 3*time.Second, c.timeout)
	assert.Equal(t, 10*time.Second, c.drainTimeout)
	assert.Equal(t, "fleetgate-test", c.clientName)
	assert.True(t, c.compression)
	assert.Equal(t, "user", c.username)
}

func TestNewClientRejectsBadOption(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithReconnectWait(-time.Second))
	require.Error(t, err)
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestJetStreamBeforeConnect(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = c.JetStream()
	assert.Error(t, err)
}

func TestFlushBeforeConnect(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Flush(context.Background()), ErrNotConnected)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, c.Close(ctx))
	assert.NoError(t, c.Close(ctx))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConnectAfterCloseFails(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))

	assert.Error(t, c.Connect(ctx))
}
