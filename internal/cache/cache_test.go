package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"duetrack/internal/cache"
)

func newCache() *cache.Cache {
	return cache.New(cache.NewMemoryStore(128, time.Minute), time.Minute)
}

func TestKey_KeepsParameterOrder(t *testing.T) {
	a := cache.Key("u1", "/tasks?status=NEW&sort=deadline")
	b := cache.Key("u1", "/tasks?sort=deadline&status=NEW")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, cache.Key("u1", "/tasks"), cache.Key("u2", "/tasks"))
}

func TestKey_OwnerPrefixesDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	c := newCache()
	require.NoError(t, c.Store(ctx, "u1:x", cache.Key("u1:x", "/tasks"), []byte(`1`)))
	require.NoError(t, c.Invalidate(ctx, "u1"))

	_, ok, err := c.Lookup(ctx, cache.Key("u1:x", "/tasks"))
	require.NoError(t, err)
	assert.True(t, ok, "invalidating u1 must not touch u1:x")
}

func TestCache_InvalidateDropsEverySignatureOfOwner(t *testing.T) {
	ctx := context.Background()
	c := newCache()
	sigs := []string{"/tasks", "/tasks?page=2", "/tasks/stats", "/tasks?sort=-deadline&status=NEW"}
	for _, s := range sigs {
		require.NoError(t, c.Store(ctx, "u1", cache.Key("u1", s), []byte(`[]`)))
	}
	require.NoError(t, c.Store(ctx, "u2", cache.Key("u2", "/tasks"), []byte(`[]`)))

	require.NoError(t, c.Invalidate(ctx, "u1"))

	for _, s := range sigs {
		_, ok, err := c.Lookup(ctx, cache.Key("u1", s))
		require.NoError(t, err)
		assert.False(t, ok, s)
	}
	_, ok, err := c.Lookup(ctx, cache.Key("u2", "/tasks"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_ReadThroughSerializesOnce(t *testing.T) {
	ctx := context.Background()
	c := newCache()
	key := cache.Key("u1", "/tasks")
	calls := 0
	compute := func(context.Context) (any, error) {
		calls++
		return map[string]string{"title": "a \"quoted\" title"}, nil
	}

	first, hit, err := c.ReadThrough(ctx, "u1", key, compute)
	require.NoError(t, err)
	assert.False(t, hit)

	second, hit, err := c.ReadThrough(ctx, "u1", key, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second, "cached bytes are served verbatim")
	assert.JSONEq(t, `{"title":"a \"quoted\" title"}`, string(second))
}

func TestCache_ReadThroughPropagatesComputeError(t *testing.T) {
	c := newCache()
	boom := errors.New("db down")
	_, _, err := c.ReadThrough(context.Background(), "u1", cache.Key("u1", "/tasks"), func(context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestMemoryStore_EntriesExpire(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.NewMemoryStore(16, 20*time.Millisecond), 20*time.Millisecond)
	key := cache.Key("u1", "/tasks")
	require.NoError(t, c.Store(ctx, "u1", key, []byte(`[]`)))

	assert.Eventually(t, func() bool {
		_, ok, _ := c.Lookup(ctx, key)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

// The accepted race: a read computes with pre-write data, the write
// invalidates, then the read stores. The stale entry survives until its TTL.
func TestCache_InFlightReadCanRepopulateAfterInvalidate(t *testing.T) {
	ctx := context.Background()
	c := newCache()
	key := cache.Key("u1", "/tasks")

	computed := make(chan struct{})
	release := make(chan struct{})
	done := make(chan []byte)
	go func() {
		body, _, _ := c.ReadThrough(ctx, "u1", key, func(context.Context) (any, error) {
			close(computed)
			<-release
			return []string{"before-write"}, nil
		})
		done <- body
	}()

	<-computed
	require.NoError(t, c.Invalidate(ctx, "u1"))
	close(release)
	<-done

	v, ok, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `["before-write"]`, string(v))

	// The next mutation's invalidation clears it again.
	require.NoError(t, c.Invalidate(ctx, "u1"))
	_, ok, err = c.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

type mockStore struct{ mock.Mock }

func (m *mockStore) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockStore) Set(ctx context.Context, ownerID, key string, value []byte, ttl time.Duration) error {
	return m.Called(ctx, ownerID, key, value, ttl).Error(0)
}

func (m *mockStore) DeleteOwner(ctx context.Context, ownerID string) error {
	return m.Called(ctx, ownerID).Error(0)
}

func TestCache_TransportFailureFallsBackToCompute(t *testing.T) {
	ctx := context.Background()
	st := &mockStore{}
	key := cache.Key("u1", "/tasks/stats")
	down := errors.New("connection refused")
	st.On("Get", ctx, key).Return(nil, down)
	st.On("Set", ctx, "u1", key, []byte(`{"NEW":1}`), time.Minute).Return(down)

	c := cache.New(st, time.Minute)
	body, hit, err := c.ReadThrough(ctx, "u1", key, func(context.Context) (any, error) {
		return map[string]int{"NEW": 1}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.JSONEq(t, `{"NEW":1}`, string(body))
	st.AssertExpectations(t)

	st.On("DeleteOwner", ctx, "u1").Return(down)
	assert.ErrorIs(t, c.Invalidate(ctx, "u1"), down)
}
