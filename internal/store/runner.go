package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/peerflow/model"
)

// RetryPolicy bounds how often a conflicting transaction is redone.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     250 * time.Millisecond,
}

// Runner executes a function inside a transaction, rolling back on any error
// or panic and redoing the whole function when the transaction conflicted.
type Runner struct {
	store  Store
	policy RetryPolicy
	logger *zap.Logger
}

// NewRunner creates a Runner. A zero policy falls back to DefaultRetryPolicy.
func NewRunner(s Store, policy RetryPolicy, logger *zap.Logger) *Runner {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{store: s, policy: policy, logger: logger}
}

// Store returns the underlying store.
func (r *Runner) Store() Store {
	return r.store
}

// Run calls fn with a fresh transaction until it commits, fails with a
// non-retryable error or the attempts are exhausted. Only CONFLICT_RETRYABLE
// failures are retried; every attempt starts from scratch.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.InitialInterval
	bo.MaxInterval = r.policy.MaxInterval
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := r.runOnce(ctx, fn)
		if err != nil && model.IsCode(err, model.ErrConflictRetryable) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("transaction conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(r.policy.MaxAttempts-1)),
		ctx,
	)
	return backoff.RetryNotify(op, policy, notify)
}

func (r *Runner) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			err = fmt.Errorf("transaction panicked: %v", p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			r.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return nil
}
