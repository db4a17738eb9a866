package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/peerflow/model"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestRunner_commits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, model.ChildRecord{ID: "fa-1", State: model.ChildPending})
	r := NewRunner(s, fastRetry, nil)

	err := r.Run(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.LoadChild(ctx, "fa-1")
		if err != nil {
			return err
		}
		c.State = model.ChildStarted
		return tx.SaveChild(ctx, &c)
	})
	require.NoError(t, err)

	got, err := s.GetChild(ctx, "fa-1")
	require.NoError(t, err)
	assert.Equal(t, model.ChildStarted, got.State)
}

func TestRunner_domain_error_not_retried(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, model.ChildRecord{ID: "fa-1", State: model.ChildPending})
	r := NewRunner(s, fastRetry, nil)

	calls := 0
	err := r.Run(ctx, func(ctx context.Context, tx Tx) error {
		calls++
		c, err := tx.LoadChild(ctx, "fa-1")
		if err != nil {
			return err
		}
		c.State = model.ChildCompleted
		if err := tx.SaveChild(ctx, &c); err != nil {
			return err
		}
		return model.NewIllegalTransitionError("nope")
	})
	assert.True(t, model.IsCode(err, model.ErrIllegalTransition))
	assert.Equal(t, 1, calls)

	got, err := s.GetChild(ctx, "fa-1")
	require.NoError(t, err)
	assert.Equal(t, model.ChildPending, got.State, "write must be rolled back")
}

func TestRunner_conflict_retried_then_surfaced(t *testing.T) {
	ctx := context.Background()
	r := NewRunner(NewMemoryStore(), fastRetry, nil)

	calls := 0
	err := r.Run(ctx, func(context.Context, Tx) error {
		calls++
		return model.NewConflictRetryableError("busy")
	})
	assert.True(t, model.IsCode(err, model.ErrConflictRetryable))
	assert.Equal(t, fastRetry.MaxAttempts, calls)
}

func TestRunner_conflict_then_success(t *testing.T) {
	ctx := context.Background()
	r := NewRunner(NewMemoryStore(), fastRetry, nil)

	calls := 0
	err := r.Run(ctx, func(context.Context, Tx) error {
		calls++
		if calls == 1 {
			return model.NewConflictRetryableError("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRunner_panic_becomes_error(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, model.ChildRecord{ID: "fa-1", State: model.ChildPending})
	r := NewRunner(s, fastRetry, nil)

	err := r.Run(ctx, func(ctx context.Context, tx Tx) error {
		c, _ := tx.LoadChild(ctx, "fa-1")
		c.State = model.ChildSaved
		_ = tx.SaveChild(ctx, &c)
		panic("evaluator exploded")
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrInternalError, model.CodeOf(err))

	got, err := s.GetChild(ctx, "fa-1")
	require.NoError(t, err)
	assert.Equal(t, model.ChildPending, got.State)
}

func TestRunner_infrastructure_error_passes_through(t *testing.T) {
	boom := errors.New("disk on fire")
	r := NewRunner(NewMemoryStore(), fastRetry, nil)
	err := r.Run(context.Background(), func(context.Context, Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestNewRunner_zero_policy_uses_default(t *testing.T) {
	r := NewRunner(NewMemoryStore(), RetryPolicy{}, nil)
	assert.Equal(t, DefaultRetryPolicy, r.policy)
}
