package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetgate/errors"
	"github.com/c360/fleetgate/natsclient"
)

func testClient(t *testing.T) *natsclient.Client {
	t.Helper()
	c, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	return c
}

func TestNewNATSPublisherRequiresClient(t *testing.T) {
	_, err := NewNATSPublisher(nil, NATSConfig{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNewNATSPublisherDefaults(t *testing.T) {
	p, err := NewNATSPublisher(testClient(t), NATSConfig{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, p.cfg.Timeout)
	assert.Equal(t, AcksAll, p.cfg.Acks)
	assert.False(t, p.cfg.Idempotence)
}

func TestPublishWithoutConnectionFails(t *testing.T) {
	tests := []struct {
		name string
		acks AcksPolicy
	}{
		{"jetstream acks", AcksAll},
		{"fire and forget", AcksNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewNATSPublisher(testClient(t), NATSConfig{Acks: tt.acks, Timeout: time.Second}, nil)
			require.NoError(t, err)

			err = p.Publish(context.Background(), "device.messages", "01-02-03-04",
				[]byte(`{}`), Headers{"source": "message-sender-service"})
			require.Error(t, err)
			assert.True(t, errors.IsTransient(err))
		})
	}
}
