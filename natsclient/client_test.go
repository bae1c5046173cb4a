package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czalinski/hwtest/errors"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
	assert.Equal(t, int32(5), c.circuitThreshold)
	assert.Equal(t, time.Minute, c.maxBackoff)
}

func TestClientOptions(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithName("rack-1"),
		WithTimeout(time.Second),
		WithCircuitBreakerThreshold(3),
		WithMaxBackoff(10*time.Second),
		WithReconnectWait(time.Second),
		WithMaxReconnects(7),
	)
	require.NoError(t, err)

	assert.Equal(t, "rack-1", c.clientName)
	assert.Equal(t, time.Second, c.timeout)
	assert.Equal(t, int32(3), c.circuitThreshold)
	assert.Equal(t, 10*time.Second, c.maxBackoff)
	assert.Equal(t, 7, c.maxReconnects)

	opts := c.ConnectionOptions()
	assert.NotEmpty(t, opts)
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(3),
		WithMaxBackoff(5*time.Second))
	require.NoError(t, err)

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(3), c.Failures())
	assert.Equal(t, 2*time.Second, c.Backoff(), "backoff doubles when the circuit opens")
}

func TestCircuitBreakerBackoffCapped(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(1),
		WithMaxBackoff(4*time.Second))
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		c.recordFailure()
	}
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.LessOrEqual(t, c.Backoff(), 4*time.Second)
}

func TestResetCircuit(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestConnectRefusedWhileCircuitOpen(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.True(t, errors.IsTransient(err))
}

func TestPublishWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = c.Publish(context.Background(), "telemetry.rack.r.c", []byte("x"))
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestSubscribeWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = c.Subscribe(context.Background(), "telemetry.rack.r.c", func([]byte) {})
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestJetStreamWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = c.EnsureStream(context.Background(), jetstream.StreamConfig{Name: "telemetry"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.True(t, errors.IsTransient(err))

	err = c.PublishToStream(context.Background(), "telemetry.rack.r.c", []byte("x"))
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	err = c.ConsumeStream(context.Background(), "telemetry", "telemetry.rack.r.c", func([]byte) {})
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestWaitForConnectionTimeout(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = c.WaitForConnection(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestCloseIdempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, StatusDisconnected, c.Status())
}
