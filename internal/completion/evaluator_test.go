package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pitabwire/peerflow/internal/catalog"
	"github.com/pitabwire/peerflow/model"
)

var childStates = []model.State{
	model.ChildPending,
	model.ChildStarted,
	model.ChildSaved,
	model.ChildCompleted,
	model.ChildRetracted,
	model.ChildDeleted,
}

func TestEvaluate_literals(t *testing.T) {
	e := NewEvaluator(catalog.MustDefault())

	tests := []struct {
		name   string
		states []model.State
		want   DerivedAction
	}{
		{"empty", nil, DerivedAction{Kind: None}},
		{"only deleted", []model.State{model.ChildDeleted, model.ChildDeleted}, DerivedAction{Kind: None}},
		{"one pending", []model.State{model.ChildCompleted, model.ChildCompleted, model.ChildPending}, DerivedAction{Kind: None}},
		{"all completed", []model.State{model.ChildCompleted, model.ChildCompleted, model.ChildCompleted}, DerivedAction{Kind: AdvanceTo, State: model.ReviewFeedbackCompleted}},
		{"completed and deleted", []model.State{model.ChildCompleted, model.ChildDeleted}, DerivedAction{Kind: AdvanceTo, State: model.ReviewFeedbackCompleted}},
		{"retracted blocks", []model.State{model.ChildCompleted, model.ChildRetracted}, DerivedAction{Kind: None}},
		{"saved blocks", []model.State{model.ChildSaved}, DerivedAction{Kind: None}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Evaluate(model.WorkflowReview, tt.states))
		})
	}
}

func TestEvaluate_contract_target(t *testing.T) {
	e := NewEvaluator(catalog.MustDefault())
	got := e.Evaluate(model.WorkflowContractRecommendation, []model.State{model.ChildCompleted})
	assert.Equal(t, DerivedAction{Kind: AdvanceTo, State: model.ContractEvaluated}, got)
}

func TestEvaluate_no_cascade_type(t *testing.T) {
	e := NewEvaluator(catalog.MustDefault())
	got := e.Evaluate(model.WorkflowFeedbackAssignment, []model.State{model.ChildCompleted})
	assert.Equal(t, None, got.Kind)
}

// Exhaustively checks every multiset of child states up to size four.
func TestEvaluate_aggregate_property(t *testing.T) {
	e := NewEvaluator(catalog.MustDefault())

	var walk func(prefix []model.State, start, remaining int)
	walk = func(prefix []model.State, start, remaining int) {
		got := e.Evaluate(model.WorkflowReview, prefix)

		want := len(prefix) > 0
		active := 0
		for _, s := range prefix {
			if s == model.ChildDeleted {
				continue
			}
			active++
			if s != model.ChildCompleted {
				want = false
			}
		}
		if active == 0 {
			want = false
		}

		if want {
			assert.Equal(t, DerivedAction{Kind: AdvanceTo, State: model.ReviewFeedbackCompleted}, got, "%v", prefix)
		} else {
			assert.Equal(t, None, got.Kind, "%v", prefix)
		}

		if remaining == 0 {
			return
		}
		for i := start; i < len(childStates); i++ {
			walk(append(append([]model.State(nil), prefix...), childStates[i]), i, remaining-1)
		}
	}
	walk(nil, 0, 4)
}

func TestEvaluate_order_independent(t *testing.T) {
	e := NewEvaluator(catalog.MustDefault())
	a := e.Evaluate(model.WorkflowReview, []model.State{model.ChildDeleted, model.ChildCompleted})
	b := e.Evaluate(model.WorkflowReview, []model.State{model.ChildCompleted, model.ChildDeleted})
	assert.Equal(t, a, b)
}

func TestSummarize(t *testing.T) {
	got := Summarize([]model.State{model.ChildCompleted, model.ChildPending, model.ChildDeleted, model.ChildCompleted})
	assert.Equal(t, model.CompletionSummary{Total: 4, Active: 3, Deleted: 1, Completed: 2}, got)
	assert.Equal(t, model.CompletionSummary{}, Summarize(nil))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "advance_to", AdvanceTo.String())
}
