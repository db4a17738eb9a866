package guest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/peerflow/model"
)

func testOutcome() model.TransitionOutcome {
	return model.TransitionOutcome{
		InstanceID:    "rev-1",
		WorkflowType:  model.WorkflowReview,
		Child:         &model.ChildChange{ChildID: "fa-1", From: model.ChildPending, To: model.ChildCompleted},
		Cascade:       &model.StateChange{From: model.ReviewInProgress, To: model.ReviewFeedbackCompleted},
		InstanceState: model.ReviewFeedbackCompleted,
		Version:       2,
	}
}

func newRedisStore(t *testing.T) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIdempotencyStore(client), mr
}

func TestFormatIdempotencyKey(t *testing.T) {
	assert.Equal(t, "idem:guest:tok-1:Completed", FormatIdempotencyKey("tok-1", model.ChildCompleted))
}

func TestInputHash(t *testing.T) {
	a := InputHash(model.ChildCompleted, "sha-1")
	assert.Len(t, a, 64)
	assert.Equal(t, a, InputHash(model.ChildCompleted, "sha-1"))
	assert.NotEqual(t, a, InputHash(model.ChildCompleted, "sha-2"))
	assert.NotEqual(t, a, InputHash(model.ChildSaved, "sha-1"))
}

func TestIdempotencyStores(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]IdempotencyStore{
		"memory": NewMemoryIdempotencyStore(),
		"redis":  redisStore,
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := FormatIdempotencyKey("tok-1", model.ChildCompleted)
			hash := InputHash(model.ChildCompleted, "sha-1")

			got, hit, err := s.Check(ctx, key, hash)
			require.NoError(t, err)
			assert.False(t, hit)
			assert.Nil(t, got)

			require.NoError(t, s.Store(ctx, key, hash, testOutcome(), time.Minute))

			got, hit, err = s.Check(ctx, key, hash)
			require.NoError(t, err)
			require.True(t, hit)
			assert.Equal(t, testOutcome(), *got)

			// A different input under the same key is a miss.
			got, hit, err = s.Check(ctx, key, InputHash(model.ChildCompleted, "sha-2"))
			require.NoError(t, err)
			assert.False(t, hit)
			assert.Nil(t, got)

			assert.NoError(t, s.HealthCheck(ctx))
		})
	}
}

func TestMemoryIdempotencyStore_expiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIdempotencyStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Store(ctx, "k", "h", testOutcome(), time.Minute))
	assert.Equal(t, 1, s.Len())

	now = now.Add(2 * time.Minute)
	_, hit, err := s.Check(ctx, "k", "h")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 0, s.Len())
}

func TestRedisIdempotencyStore_expiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	require.NoError(t, s.Store(ctx, "k", "h", testOutcome(), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(2 * time.Minute)
	_, hit, err := s.Check(ctx, "k", "h")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRedisIdempotencyStore_corruptEntry(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	require.NoError(t, mr.Set("k", "not json"))

	_, _, err := s.Check(ctx, "k", "h")
	assert.Error(t, err)
}

func TestRedisIdempotencyStore_unreachable(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	mr.Close()

	_, _, err := s.Check(ctx, "k", "h")
	assert.Error(t, err)
	assert.Error(t, s.HealthCheck(ctx))
}
