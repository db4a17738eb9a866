// Package progression applies transition requests to workflow instances and
// their feedback assignments, cascading the parent when the aggregate of its
// assignments completes. Every attempt runs inside one store transaction.
package progression

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/peerflow/internal/catalog"
	"github.com/pitabwire/peerflow/internal/completion"
	"github.com/pitabwire/peerflow/internal/observability"
	"github.com/pitabwire/peerflow/internal/store"
	"github.com/pitabwire/peerflow/internal/transition"
	"github.com/pitabwire/peerflow/model"
)

// Coordinator orchestrates transition attempts.
type Coordinator struct {
	catalog   *catalog.Registry
	validator *transition.Validator
	evaluator *completion.Evaluator
	runner    *store.Runner
	notifier  model.Notifier
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewCoordinator creates a Coordinator. notifier and metrics may be nil.
func NewCoordinator(
	reg *catalog.Registry,
	runner *store.Runner,
	notifier model.Notifier,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		catalog:   reg,
		validator: transition.NewValidator(reg),
		evaluator: completion.NewEvaluator(reg),
		runner:    runner,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// attempt carries the state of one transaction attempt. It is rebuilt from
// scratch whenever the runner retries.
type attempt struct {
	outcome model.TransitionOutcome
	events  []model.TransitionEvent
}

// AttemptTransition applies action to the instance and, when the action
// completes the aggregate of its feedback assignments, cascades the instance
// to its configured next state in the same transaction. Domain failures are
// returned as *model.ErrorEnvelope values and nothing is persisted.
func (c *Coordinator) AttemptTransition(
	ctx context.Context,
	instanceID string,
	action model.Action,
	actor model.Actor,
) (model.TransitionOutcome, error) {
	start := time.Now()
	ctx, span := observability.StartTransitionSpan(ctx, instanceID, action, actor)

	if err := validateAction(action); err != nil {
		observability.EndSpan(span, err)
		c.metrics.RecordTransition("", string(action.Kind), model.CodeOf(err), time.Since(start))
		return model.TransitionOutcome{}, err
	}

	var (
		cur      *attempt
		wfType   model.WorkflowType
		attempts int
	)
	err := c.runner.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		attempts++
		if attempts > 1 {
			c.metrics.RecordTransitionRetry(string(wfType))
		}
		cur = &attempt{}
		return c.apply(ctx, tx, instanceID, action, actor, cur, &wfType)
	})

	span.SetAttributes(observability.AttrWorkflowType.String(string(wfType)))
	logger := observability.LoggerFrom(ctx, c.logger).With(
		observability.ActionFields(instanceID, wfType, action, actor)...,
	)

	if err != nil {
		code := model.CodeOf(err)
		c.metrics.RecordTransition(string(wfType), string(action.Kind), code, time.Since(start))
		observability.EndSpan(span, err)
		if code == model.ErrInternalError {
			logger.Error("transition attempt failed", zap.Error(err))
			return model.TransitionOutcome{}, model.NewInternalError()
		}
		logger.Warn("transition rejected", zap.String("code", code), zap.Error(err))
		return model.TransitionOutcome{}, err
	}

	outcome := cur.outcome
	result := "ok"
	if outcome.Noop {
		result = "noop"
	}
	c.metrics.RecordTransition(string(wfType), string(action.Kind), result, time.Since(start))
	if outcome.Cascade != nil {
		c.metrics.RecordCascade(string(wfType), string(outcome.Cascade.To))
	}
	observability.AnnotateOutcome(span, outcome)
	span.End()

	logger.Info("transition applied", observability.OutcomeFields(outcome)...)

	c.publish(ctx, cur.events)
	return outcome, nil
}

// apply performs one attempt inside tx.
func (c *Coordinator) apply(
	ctx context.Context,
	tx store.Tx,
	instanceID string,
	action model.Action,
	actor model.Actor,
	cur *attempt,
	wfType *model.WorkflowType,
) error {
	// 1. Load the instance. This holds it against concurrent writers.
	inst, err := tx.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	*wfType = inst.Type
	if !c.catalog.Known(inst.Type) {
		return fmt.Errorf("workflow instance %q has unknown type %q", inst.ID, inst.Type)
	}

	cur.outcome = model.TransitionOutcome{
		InstanceID:    inst.ID,
		WorkflowType:  inst.Type,
		InstanceState: inst.State,
		Version:       inst.Version,
	}

	// 2. A terminal instance rejects every mutation.
	if c.catalog.IsTerminal(inst.Type, inst.State) {
		return model.NewWorkflowClosedError(
			fmt.Sprintf("%s %q is already %s", inst.Type, inst.ID, inst.State),
		)
	}

	// 3. Apply the requested change.
	var changed bool
	switch action.Kind {
	case model.ActionSetChildState:
		changed, err = c.applyChild(ctx, tx, inst, action, actor, cur)
	case model.ActionSetParentState:
		changed, err = c.applyParent(ctx, tx, &inst, action, actor, cur)
	default:
		return fmt.Errorf("unhandled action kind %q", action.Kind)
	}
	if err != nil {
		return err
	}
	if !changed {
		cur.outcome.Noop = true
		return nil
	}

	// 4. Re-evaluate the aggregate and cascade when it completed.
	return c.cascade(ctx, tx, &inst, cur)
}

// applyChild applies a child-state action. It reports false when the request
// had already been applied.
func (c *Coordinator) applyChild(
	ctx context.Context,
	tx store.Tx,
	inst model.WorkflowInstance,
	action model.Action,
	actor model.Actor,
	cur *attempt,
) (bool, error) {
	child, err := tx.LoadChild(ctx, action.ChildID)
	if err != nil {
		return false, err
	}
	if child.ParentID != inst.ID {
		return false, model.NewNotFoundError(
			fmt.Sprintf("feedback assignment %q not found in %q", action.ChildID, inst.ID),
		)
	}
	// A guest link stops resolving once its assignment is withdrawn, even
	// when that happened after the link was looked up.
	if actor.Kind == model.ActorGuest && (child.State == model.ChildDeleted || child.State == model.ChildRetracted) {
		return false, model.NewNotFoundError("this link is invalid or has expired")
	}

	from := child.State
	if from == action.State {
		if action.ContentHash == "" || action.ContentHash == child.ContentHash {
			cur.outcome.Child = &model.ChildChange{ChildID: child.ID, From: from, To: from}
			return false, nil
		}
		if c.catalog.IsTerminal(model.WorkflowFeedbackAssignment, from) {
			return false, model.NewIllegalTransitionError(
				fmt.Sprintf("feedback assignment %q is already %s with different content", child.ID, from),
			)
		}
		// Draft save with new content in the same state.
		child.ContentHash = action.ContentHash
		if err := tx.SaveChild(ctx, &child); err != nil {
			return false, err
		}
		cur.outcome.Child = &model.ChildChange{ChildID: child.ID, From: from, To: from, ContentUpdated: true}
		return true, c.record(ctx, tx, cur, model.TransitionEvent{
			InstanceID: inst.ID,
			ChildID:    child.ID,
			Kind:       model.EventChildContentSaved,
			From:       from,
			To:         from,
		}, inst.Type, actor, false)
	}

	if !c.validator.IsAllowed(model.WorkflowFeedbackAssignment, from, action.State) {
		return false, model.NewIllegalTransitionError(
			fmt.Sprintf("feedback assignment cannot move from %s to %s", from, action.State),
		)
	}

	child.State = action.State
	contentUpdated := false
	if action.ContentHash != "" && action.ContentHash != child.ContentHash {
		child.ContentHash = action.ContentHash
		contentUpdated = true
	}
	if err := tx.SaveChild(ctx, &child); err != nil {
		return false, err
	}
	cur.outcome.Child = &model.ChildChange{
		ChildID:        child.ID,
		From:           from,
		To:             child.State,
		ContentUpdated: contentUpdated,
	}
	return true, c.record(ctx, tx, cur, model.TransitionEvent{
		InstanceID: inst.ID,
		ChildID:    child.ID,
		Kind:       model.EventChildStateChanged,
		From:       from,
		To:         child.State,
	}, inst.Type, actor, false)
}

// applyParent applies a direct parent-state action.
func (c *Coordinator) applyParent(
	ctx context.Context,
	tx store.Tx,
	inst *model.WorkflowInstance,
	action model.Action,
	actor model.Actor,
	cur *attempt,
) (bool, error) {
	from := inst.State
	if !c.validator.IsAllowed(inst.Type, from, action.State) {
		return false, model.NewIllegalTransitionError(
			fmt.Sprintf("%s cannot move from %s to %s", inst.Type, from, action.State),
		)
	}

	inst.State = action.State
	if err := tx.SaveInstance(ctx, inst); err != nil {
		return false, err
	}
	cur.outcome.Parent = &model.StateChange{From: from, To: inst.State}
	cur.outcome.InstanceState = inst.State
	cur.outcome.Version = inst.Version
	return true, c.record(ctx, tx, cur, model.TransitionEvent{
		InstanceID: inst.ID,
		Kind:       model.EventParentStateChanged,
		From:       from,
		To:         inst.State,
	}, inst.Type, actor, false)
}

// cascade applies the derived parent transition when every active feedback
// assignment is complete, the target differs from the current state, the
// instance is not terminal and the edge is legal.
func (c *Coordinator) cascade(ctx context.Context, tx store.Tx, inst *model.WorkflowInstance, cur *attempt) error {
	if c.catalog.IsTerminal(inst.Type, inst.State) {
		return nil
	}

	children, err := tx.ListChildren(ctx, inst.ID)
	if err != nil {
		return err
	}
	states := make([]model.State, len(children))
	for i, ch := range children {
		states[i] = ch.State
	}

	derived := c.evaluator.Evaluate(inst.Type, states)
	if derived.Kind != completion.AdvanceTo {
		return nil
	}
	target := derived.State
	if target == inst.State || !c.validator.IsAllowed(inst.Type, inst.State, target) {
		return nil
	}

	from := inst.State
	inst.State = target
	if err := tx.SaveInstance(ctx, inst); err != nil {
		return err
	}
	cur.outcome.Cascade = &model.StateChange{From: from, To: target}
	cur.outcome.InstanceState = inst.State
	cur.outcome.Version = inst.Version
	return c.record(ctx, tx, cur, model.TransitionEvent{
		InstanceID: inst.ID,
		Kind:       model.EventCascade,
		From:       from,
		To:         target,
	}, inst.Type, model.SystemActor, true)
}

// record appends an audit event in tx and keeps it for publication after
// commit.
func (c *Coordinator) record(
	ctx context.Context,
	tx store.Tx,
	cur *attempt,
	ev model.TransitionEvent,
	t model.WorkflowType,
	actor model.Actor,
	derived bool,
) error {
	ev.ID = uuid.New().String()
	ev.WorkflowType = t
	ev.ActorID = actor.ID
	ev.ActorKind = actor.Kind
	ev.Derived = derived
	ev.Timestamp = c.now()
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return err
	}
	cur.events = append(cur.events, ev)
	return nil
}

// publish hands committed events to the notifier.
func (c *Coordinator) publish(ctx context.Context, events []model.TransitionEvent) {
	if c.notifier == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("notifier panicked", zap.Any("panic", p))
		}
	}()
	for _, ev := range events {
		c.notifier.Notify(ctx, ev)
	}
}

func validateAction(action model.Action) error {
	switch action.Kind {
	case model.ActionSetChildState:
		if action.ChildID == "" {
			return model.NewBadRequestError("child_id is required for set_child_state")
		}
	case model.ActionSetParentState:
	default:
		return model.NewBadRequestError(fmt.Sprintf("unknown action kind %q", action.Kind))
	}
	if action.State == "" {
		return model.NewBadRequestError("state is required")
	}
	return nil
}
