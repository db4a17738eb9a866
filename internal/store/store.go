// Package store persists workflow instances, feedback assignments and their
// transition history behind an explicit transaction interface.
package store

import (
	"context"

	"github.com/pitabwire/peerflow/model"
)

// Store opens transactions and serves non-transactional reads.
type Store interface {
	// Begin opens a unit of work. The caller must Commit or Rollback it.
	Begin(ctx context.Context) (Tx, error)

	// GetInstance retrieves a workflow instance. Returns NOT_FOUND if absent.
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// GetChild retrieves a feedback assignment. Returns NOT_FOUND if absent.
	GetChild(ctx context.Context, id string) (model.ChildRecord, error)

	// ListChildren returns the assignments of an instance ordered by creation.
	ListChildren(ctx context.Context, parentID string) ([]model.ChildRecord, error)

	// FindChildByToken returns every assignment carrying the guest token.
	FindChildByToken(ctx context.Context, token string) ([]model.ChildRecord, error)

	// Events returns the transition history of an instance, oldest first.
	Events(ctx context.Context, instanceID string) ([]model.TransitionEvent, error)

	// CreateInstance persists a new workflow instance at version 1.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// CreateChild persists a new assignment at version 1. The parent must exist.
	CreateChild(ctx context.Context, child model.ChildRecord) error

	// HealthCheck verifies the backing storage is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the resources held by the store.
	Close()
}

// Tx is a single unit of work. Every read and write of one transition attempt
// goes through the same Tx; nothing is visible to other callers before Commit.
type Tx interface {
	// LoadInstance reads an instance and holds it against concurrent writers
	// until the transaction ends. Mutators load the instance first.
	LoadInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// SaveInstance writes inst if its Version still matches the stored one,
	// then increments inst.Version and sets UpdatedAt. A stale version is
	// CONFLICT_RETRYABLE.
	SaveInstance(ctx context.Context, inst *model.WorkflowInstance) error

	// LoadChild reads an assignment.
	LoadChild(ctx context.Context, id string) (model.ChildRecord, error)

	// SaveChild writes child under the same versioning rules as SaveInstance.
	SaveChild(ctx context.Context, child *model.ChildRecord) error

	// ListChildren returns the assignments of an instance as seen by this
	// transaction, including its own uncommitted writes.
	ListChildren(ctx context.Context, parentID string) ([]model.ChildRecord, error)

	// AppendEvent adds a row to the transition history.
	AppendEvent(ctx context.Context, event model.TransitionEvent) error

	// Commit makes every write visible atomically.
	Commit(ctx context.Context) error

	// Rollback discards every write. It is safe to call after Commit.
	Rollback(ctx context.Context) error
}
