// Package completion decides whether the child records of a workflow instance
// are complete enough to advance the parent. It performs no I/O.
package completion

import (
	"github.com/pitabwire/peerflow/internal/catalog"
	"github.com/pitabwire/peerflow/model"
)

// Kind enumerates the derived actions.
type Kind int

const (
	// None means the parent stays where it is.
	None Kind = iota
	// AdvanceTo means the parent should move to DerivedAction.State.
	AdvanceTo
)

func (k Kind) String() string {
	if k == AdvanceTo {
		return "advance_to"
	}
	return "none"
}

// DerivedAction is the result of evaluating a set of child states.
type DerivedAction struct {
	Kind  Kind
	State model.State
}

// Evaluator applies the aggregate completion predicate.
type Evaluator struct {
	catalog *catalog.Registry
}

// NewEvaluator creates an Evaluator over the given catalog.
func NewEvaluator(reg *catalog.Registry) *Evaluator {
	return &Evaluator{catalog: reg}
}

// Evaluate returns AdvanceTo the cascade target of t when at least one child
// is not Deleted and every such child is Completed. Workflow types without a
// cascade target always yield None.
func (e *Evaluator) Evaluate(t model.WorkflowType, states []model.State) DerivedAction {
	target, ok := e.catalog.CascadeTarget(t)
	if !ok {
		return DerivedAction{Kind: None}
	}
	if !AllCompleted(states) {
		return DerivedAction{Kind: None}
	}
	return DerivedAction{Kind: AdvanceTo, State: target}
}

// AllCompleted reports whether states holds at least one active child and
// every active child is Completed. Deleted children are ignored.
func AllCompleted(states []model.State) bool {
	active := 0
	for _, s := range states {
		switch s {
		case model.ChildDeleted:
			continue
		case model.ChildCompleted:
			active++
		default:
			return false
		}
	}
	return active > 0
}

// Summarize counts the children per completion bucket.
func Summarize(states []model.State) model.CompletionSummary {
	sum := model.CompletionSummary{Total: len(states)}
	for _, s := range states {
		switch s {
		case model.ChildDeleted:
			sum.Deleted++
		case model.ChildCompleted:
			sum.Active++
			sum.Completed++
		default:
			sum.Active++
		}
	}
	return sum
}
