package progression

import (
	"context"
	"fmt"

	"github.com/pitabwire/peerflow/internal/completion"
	"github.com/pitabwire/peerflow/model"
)

// Get returns the read model of an instance: its assignments, their
// completion summary and the states a caller may move it to next.
func (c *Coordinator) Get(ctx context.Context, instanceID string) (model.InstanceView, error) {
	s := c.runner.Store()

	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return model.InstanceView{}, err
	}
	if !c.catalog.Known(inst.Type) {
		return model.InstanceView{}, fmt.Errorf("workflow instance %q has unknown type %q", inst.ID, inst.Type)
	}

	children, err := s.ListChildren(ctx, instanceID)
	if err != nil {
		return model.InstanceView{}, fmt.Errorf("listing feedback assignments: %w", err)
	}
	if children == nil {
		children = []model.ChildRecord{}
	}
	states := make([]model.State, len(children))
	for i, ch := range children {
		states[i] = ch.State
	}

	return model.InstanceView{
		Instance:     inst,
		Children:     children,
		Completion:   completion.Summarize(states),
		LegalActions: c.validator.LegalActions(inst.Type, inst.State),
		Terminal:     c.catalog.IsTerminal(inst.Type, inst.State),
	}, nil
}

// History returns the transition events of an instance, oldest first.
func (c *Coordinator) History(ctx context.Context, instanceID string) ([]model.TransitionEvent, error) {
	events, err := c.runner.Store().Events(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.TransitionEvent{}
	}
	return events, nil
}

// LegalActions returns the states reachable in one step from current, for
// filtering the actions a UI offers.
func (c *Coordinator) LegalActions(t model.WorkflowType, current model.State) []model.State {
	return c.validator.LegalActions(t, current)
}
