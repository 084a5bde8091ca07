// file: ratelimit/redis/redis_test.go
package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, policy Policy) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	backend, err := New(Options{Client: client, Policy: policy})
	require.NoError(t, err)
	return backend, srv
}

func TestNew_Validation(t *testing.T) {
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, err := New(Options{Policy: Policy{Capacity: 1, Window: time.Second}})
	require.Error(t, err, "client is required")

	_, err = New(Options{Client: client, Policy: Policy{Capacity: 0, Window: time.Second}})
	require.Error(t, err)

	_, err = New(Options{Client: client, Policy: Policy{Capacity: 1, Window: 0}})
	require.Error(t, err)
}

func TestConsume_FixedWindow(t *testing.T) {
	backend, _ := newTestBackend(t, Policy{Capacity: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 3; i > 0; i-- {
		decision, err := backend.Consume(ctx, "k", 1)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, i-1, decision.Remaining)
	}

	decision, err := backend.Consume(ctx, "k", 1)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	require.NotNil(t, decision.RetryAfter)
	assert.Greater(t, *decision.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, *decision.RetryAfter, time.Minute)
}

func TestConsume_WindowExpiryResets(t *testing.T) {
	backend, srv := newTestBackend(t, Policy{Capacity: 1, Window: time.Minute})
	ctx := context.Background()

	first, err := backend.Consume(ctx, "k", 1)
	require.NoError(t, err)
	require.True(t, first.Allowed)

	denied, err := backend.Consume(ctx, "k", 1)
	require.NoError(t, err)
	require.False(t, denied.Allowed)

	srv.FastForward(time.Minute + time.Second)

	again, err := backend.Consume(ctx, "k", 1)
	require.NoError(t, err)
	assert.True(t, again.Allowed)
}

func TestConsume_KeysAreIndependent(t *testing.T) {
	backend, _ := newTestBackend(t, Policy{Capacity: 1, Window: time.Minute})
	ctx := context.Background()

	a, err := backend.Consume(ctx, "a", 1)
	require.NoError(t, err)
	assert.True(t, a.Allowed)
	b, err := backend.Consume(ctx, "b", 1)
	require.NoError(t, err)
	assert.True(t, b.Allowed)
}

func TestConsume_CostAboveCapacityIsUnsatisfiable(t *testing.T) {
	backend, _ := newTestBackend(t, Policy{Capacity: 5, Window: time.Minute})

	decision, err := backend.Consume(context.Background(), "k", 6)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Nil(t, decision.RetryAfter)

	// The window was not charged.
	next, err := backend.Consume(context.Background(), "k", 5)
	require.NoError(t, err)
	assert.True(t, next.Allowed)
}

func TestConsume_BackendFailureSurfaces(t *testing.T) {
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	backend, err := New(Options{Client: client, Policy: Policy{Capacity: 1, Window: time.Second}})
	require.NoError(t, err)

	srv.Close()
	_ = client.Close()
	_, err = backend.Consume(context.Background(), "k", 1)
	require.Error(t, err)
}
