package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/peerflow/model"
)

var errTxDone = errors.New("store: transaction already finished")

// MemoryStore is an in-memory Store. Transactions buffer their writes and
// validate the version of every record they read or wrote at commit, so a
// transaction that raced a committed writer fails with CONFLICT_RETRYABLE.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance
	children  map[string]model.ChildRecord
	events    map[string][]model.TransitionEvent
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.WorkflowInstance),
		children:  make(map[string]model.ChildRecord),
		events:    make(map[string][]model.TransitionEvent),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Begin opens a buffered transaction.
func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	return &memTx{
		store:     s,
		instances: make(map[string]model.WorkflowInstance),
		children:  make(map[string]model.ChildRecord),
		readInst:  make(map[string]int),
		readChild: make(map[string]int),
		parents:   make(map[string]bool),
	}, nil
}

// GetInstance retrieves a committed workflow instance.
func (s *MemoryStore) GetInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return model.WorkflowInstance{}, instanceNotFound(id)
	}
	return inst, nil
}

// GetChild retrieves a committed assignment.
func (s *MemoryStore) GetChild(_ context.Context, id string) (model.ChildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	child, ok := s.children[id]
	if !ok {
		return model.ChildRecord{}, childNotFound(id)
	}
	return child, nil
}

// ListChildren returns the committed assignments of an instance.
func (s *MemoryStore) ListChildren(_ context.Context, parentID string) ([]model.ChildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.childrenOf(parentID, nil), nil
}

// FindChildByToken returns every committed assignment carrying token.
func (s *MemoryStore) FindChildByToken(_ context.Context, token string) ([]model.ChildRecord, error) {
	if token == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ChildRecord
	for _, c := range s.children {
		if c.GuestToken == token {
			result = append(result, c)
		}
	}
	sortChildren(result)
	return result, nil
}

// Events returns the history of an instance, oldest first.
func (s *MemoryStore) Events(_ context.Context, instanceID string) ([]model.TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.instances[instanceID]; !ok {
		return nil, instanceNotFound(instanceID)
	}
	events := s.events[instanceID]
	result := make([]model.TransitionEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// CreateInstance persists a new workflow instance.
func (s *MemoryStore) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("workflow instance %q already exists", inst.ID)
	}
	now := s.now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	inst.Version = 1
	s.instances[inst.ID] = inst
	return nil
}

// CreateChild persists a new assignment.
func (s *MemoryStore) CreateChild(_ context.Context, child model.ChildRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[child.ParentID]; !ok {
		return instanceNotFound(child.ParentID)
	}
	if _, exists := s.children[child.ID]; exists {
		return fmt.Errorf("feedback assignment %q already exists", child.ID)
	}
	now := s.now()
	if child.CreatedAt.IsZero() {
		child.CreatedAt = now
	}
	child.UpdatedAt = now
	child.Version = 1
	s.children[child.ID] = child
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// childrenOf returns the assignments of parentID with overlay applied. The
// caller holds s.mu.
func (s *MemoryStore) childrenOf(parentID string, overlay map[string]model.ChildRecord) []model.ChildRecord {
	var result []model.ChildRecord
	for id, c := range s.children {
		if c.ParentID != parentID {
			continue
		}
		if o, ok := overlay[id]; ok {
			c = o
		}
		result = append(result, c)
	}
	sortChildren(result)
	return result
}

func sortChildren(cs []model.ChildRecord) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

// memTx buffers writes until Commit.
type memTx struct {
	store *MemoryStore
	done  bool

	instances map[string]model.WorkflowInstance
	children  map[string]model.ChildRecord
	events    []model.TransitionEvent

	// Committed versions observed by this transaction.
	readInst  map[string]int
	readChild map[string]int
	// Parents whose child set was listed.
	parents map[string]bool
}

func (t *memTx) LoadInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	if t.done {
		return model.WorkflowInstance{}, errTxDone
	}
	if inst, ok := t.instances[id]; ok {
		return inst, nil
	}

	t.store.mu.RLock()
	inst, ok := t.store.instances[id]
	t.store.mu.RUnlock()
	if !ok {
		return model.WorkflowInstance{}, instanceNotFound(id)
	}
	if _, seen := t.readInst[id]; !seen {
		t.readInst[id] = inst.Version
	}
	return inst, nil
}

func (t *memTx) SaveInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	if t.done {
		return errTxDone
	}
	current, err := t.LoadInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	if current.Version != inst.Version {
		return instanceConflict(inst.ID, inst.Version)
	}
	inst.Version++
	inst.UpdatedAt = t.store.now()
	t.instances[inst.ID] = *inst
	return nil
}

func (t *memTx) LoadChild(_ context.Context, id string) (model.ChildRecord, error) {
	if t.done {
		return model.ChildRecord{}, errTxDone
	}
	if c, ok := t.children[id]; ok {
		return c, nil
	}

	t.store.mu.RLock()
	c, ok := t.store.children[id]
	t.store.mu.RUnlock()
	if !ok {
		return model.ChildRecord{}, childNotFound(id)
	}
	if _, seen := t.readChild[id]; !seen {
		t.readChild[id] = c.Version
	}
	return c, nil
}

func (t *memTx) SaveChild(ctx context.Context, child *model.ChildRecord) error {
	if t.done {
		return errTxDone
	}
	current, err := t.LoadChild(ctx, child.ID)
	if err != nil {
		return err
	}
	if current.Version != child.Version {
		return childConflict(child.ID, child.Version)
	}
	child.Version++
	child.UpdatedAt = t.store.now()
	t.children[child.ID] = *child
	return nil
}

func (t *memTx) ListChildren(_ context.Context, parentID string) ([]model.ChildRecord, error) {
	if t.done {
		return nil, errTxDone
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	for id, c := range t.store.children {
		if c.ParentID != parentID {
			continue
		}
		if _, seen := t.readChild[id]; !seen {
			t.readChild[id] = c.Version
		}
	}
	t.parents[parentID] = true
	return t.store.childrenOf(parentID, t.children), nil
}

func (t *memTx) AppendEvent(_ context.Context, event model.TransitionEvent) error {
	if t.done {
		return errTxDone
	}
	t.events = append(t.events, event)
	return nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, v := range t.readInst {
		if cur, ok := s.instances[id]; !ok || cur.Version != v {
			return instanceConflict(id, v)
		}
	}
	for id, v := range t.readChild {
		if cur, ok := s.children[id]; !ok || cur.Version != v {
			return childConflict(id, v)
		}
	}
	// A child created under a listed parent changes the aggregate.
	for id, c := range s.children {
		if !t.parents[c.ParentID] {
			continue
		}
		if _, seen := t.readChild[id]; !seen {
			return model.NewConflictRetryableError(
				fmt.Sprintf("feedback assignments of %q changed during transaction", c.ParentID),
			)
		}
	}

	for id, inst := range t.instances {
		s.instances[id] = inst
	}
	for id, c := range t.children {
		s.children[id] = c
	}
	for _, ev := range t.events {
		s.events[ev.InstanceID] = append(s.events[ev.InstanceID], ev)
	}
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	t.done = true
	t.instances = nil
	t.children = nil
	t.events = nil
	return nil
}

func instanceNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
}

func childNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("feedback assignment %q not found", id))
}

func instanceConflict(id string, version int) error {
	return model.NewConflictRetryableError(
		fmt.Sprintf("workflow instance %q version conflict (expected %d)", id, version),
	)
}

func childConflict(id string, version int) error {
	return model.NewConflictRetryableError(
		fmt.Sprintf("feedback assignment %q version conflict (expected %d)", id, version),
	)
}
