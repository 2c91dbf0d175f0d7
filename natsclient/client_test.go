package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbus/metric"
)

func TestStateNames(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "circuit_open", StateCircuitOpen.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
}

func TestNewClient_Options(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithName("node-a"),
		WithTimeouts(time.Second, 0),
		WithReconnect(0, time.Second),
		WithAuth(Auth{Token: "secret"}),
	)
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, time.Second, c.Backoff())
	assert.Equal(t, time.Second, c.s.connectTimeout)
	assert.Equal(t, 30*time.Second, c.s.drainTimeout, "zero keeps the default")

	_, err = NewClient("nats://x", WithBreaker(0, time.Minute))
	assert.Error(t, err)
	_, err = NewClient("nats://x", WithBreaker(3, time.Millisecond))
	assert.Error(t, err)
	_, err = NewClient("nats://x", WithReconnect(1, -time.Second))
	assert.Error(t, err)
}

func TestAuthOptions(t *testing.T) {
	assert.Empty(t, Auth{}.natsOptions())
	assert.Len(t, Auth{Username: "u", Password: "p"}.natsOptions(), 1)
	assert.Len(t, Auth{Username: "u", Password: "p", Token: "t"}.natsOptions(), 1)
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "mbus.x", nil), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(ctx, "mbus.x", func(context.Context, []byte) {}), ErrNotConnected)
	assert.ErrorIs(t, c.Flush(ctx), ErrNotConnected)
	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.EnsureBucket(ctx, jetstream.KeyValueConfig{Bucket: "b"})
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.NoError(t, c.Close(ctx))
	assert.NoError(t, c.Close(ctx), "second close is a no-op")
	assert.Error(t, c.Connect(ctx), "closed clients stay closed")
}

func TestClient_CircuitBreaker(t *testing.T) {
	mock := clock.NewMock()
	metrics := metric.NewMetrics()
	c, err := NewClient("nats://localhost:4222",
		WithBreaker(2, time.Hour),
		WithMetrics(metrics),
		WithClock(mock),
	)
	require.NoError(t, err)

	c.brk.failure()
	assert.Equal(t, StateDisconnected, c.State())
	c.brk.failure()
	assert.Equal(t, StateCircuitOpen, c.State())
	assert.Equal(t, 2*time.Second, c.Backoff(), "the next trip lasts twice as long")
	assert.Equal(t, float64(BreakerOpen), testutil.ToFloat64(metrics.NATSCircuitBreaker))

	assert.ErrorIs(t, c.Connect(context.Background()), ErrCircuitOpen)
	_, err = c.EnsureBucket(context.Background(), jetstream.KeyValueConfig{Bucket: "b"})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	mock.Add(999 * time.Millisecond)
	assert.Equal(t, StateCircuitOpen, c.State())
	mock.Add(time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, float64(BreakerHalfOpen), testutil.ToFloat64(metrics.NATSCircuitBreaker))

	// Half-open needs a full round of failures to trip again.
	c.brk.failure()
	assert.Equal(t, StateDisconnected, c.State())
	c.brk.failure()
	assert.Equal(t, StateCircuitOpen, c.State())
	mock.Add(time.Second)
	assert.Equal(t, StateCircuitOpen, c.State(), "second trip lasts 2s")
	mock.Add(time.Second)
	assert.Equal(t, StateDisconnected, c.State())

	c.brk.success()
	assert.Zero(t, c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
	assert.Equal(t, float64(BreakerClosed), testutil.ToFloat64(metrics.NATSCircuitBreaker))
}

func TestClient_BreakerBackoffCapped(t *testing.T) {
	mock := clock.NewMock()
	c, err := NewClient("nats://x", WithBreaker(1, 3*time.Second), WithClock(mock))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		c.brk.failure()
		mock.Add(c.Backoff())
	}
	assert.Equal(t, 3*time.Second, c.Backoff())
	assert.Equal(t, int32(4), c.Failures())
}

func TestClient_StateListener(t *testing.T) {
	var seen []State
	c, err := NewClient("nats://x", WithStateListener(func(s State) { seen = append(seen, s) }))
	require.NoError(t, err)

	c.setState(StateConnecting)
	c.setState(StateConnected)
	c.setState(StateConnected)
	c.onDisconnect(nil, nil)
	assert.Equal(t, []State{StateConnecting, StateConnected, StateReconnecting}, seen)
}

func TestClient_ConnectFailure(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeouts(200*time.Millisecond, 0),
		WithReconnect(0, 0),
		WithBreaker(5, time.Minute),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, c.Connect(ctx))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(1), c.Failures())
}

func TestKVErrorHelpers(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyNotFound))
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyDeleted))
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(jetstream.ErrKeyExists))
	assert.False(t, IsKVConflictError(ErrKVKeyNotFound))
	assert.True(t, isAlreadyExistsError(jetstream.ErrBucketExists))

	assert.Equal(t, ErrKVKeyExists, translate("create", "k", jetstream.ErrKeyExists, ErrKVKeyExists))
	assert.Equal(t, ErrKVKeyNotFound, translate("get", "k", jetstream.ErrKeyNotFound, nil))
	assert.ErrorIs(t, translate("put", "k", jetstream.ErrKeyExists, nil), jetstream.ErrKeyExists)
	assert.NoError(t, translate("put", "k", nil, nil))
}
