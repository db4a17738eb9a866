package catalog

import (
	"slices"
	"testing"

	"github.com/pitabwire/peerflow/model"
)

func TestRegistry_default(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if got := r.InitialState(model.WorkflowReview); got != model.ReviewNew {
		t.Errorf("InitialState(review) = %q", got)
	}
	if got := r.InitialState(model.WorkflowFeedbackAssignment); got != model.ChildPending {
		t.Errorf("InitialState(feedback_assignment) = %q", got)
	}
	if !r.IsTerminal(model.WorkflowContractRecommendation, model.ContractArchived) {
		t.Error("Archived should be terminal")
	}
	if r.IsTerminal(model.WorkflowContractRecommendation, model.ContractAccepted) {
		t.Error("Accepted should not be terminal")
	}
	if !r.IsMember(model.WorkflowReview, model.ReviewScheduled) {
		t.Error("Scheduled should be a review state")
	}
	if r.IsMember(model.WorkflowReview, model.ContractArchived) {
		t.Error("Archived should not be a review state")
	}
	if got := len(r.StatesFor(model.WorkflowFeedbackAssignment)); got != 6 {
		t.Errorf("StatesFor(feedback_assignment) = %d states, want 6", got)
	}
	if r.Checksum() == "" {
		t.Error("Checksum should not be empty")
	}
}

func TestRegistry_CascadeTarget(t *testing.T) {
	r := MustDefault()
	if s, ok := r.CascadeTarget(model.WorkflowReview); !ok || s != model.ReviewFeedbackCompleted {
		t.Errorf("CascadeTarget(review) = %q, %v", s, ok)
	}
	if s, ok := r.CascadeTarget(model.WorkflowContractRecommendation); !ok || s != model.ContractEvaluated {
		t.Errorf("CascadeTarget(contract_recommendation) = %q, %v", s, ok)
	}
	if _, ok := r.CascadeTarget(model.WorkflowFeedbackAssignment); ok {
		t.Error("feedback_assignment should have no cascade")
	}
}

func TestRegistry_Edges_sorted_and_copied(t *testing.T) {
	r := MustDefault()
	got := r.Edges(model.WorkflowContractRecommendation, model.ContractEvaluated)
	want := []model.State{model.ContractAccepted, model.ContractArchived, model.ContractDeclined}
	if !slices.Equal(got, want) {
		t.Errorf("Edges() = %v, want %v", got, want)
	}
	got[0] = "Mutated"
	if again := r.Edges(model.WorkflowContractRecommendation, model.ContractEvaluated); again[0] != model.ContractAccepted {
		t.Error("Edges() must return a copy")
	}
	if e := r.Edges(model.WorkflowReview, model.ReviewCompleted); len(e) != 0 {
		t.Errorf("Edges(terminal) = %v, want none", e)
	}
}

func TestRegistry_Types(t *testing.T) {
	got := MustDefault().Types()
	want := []model.WorkflowType{model.WorkflowContractRecommendation, model.WorkflowFeedbackAssignment, model.WorkflowReview}
	if !slices.Equal(got, want) {
		t.Errorf("Types() = %v, want %v", got, want)
	}
}

func TestRegistry_unknown_type_panics(t *testing.T) {
	r := MustDefault()
	if _, ok := r.Lookup("quest"); ok {
		t.Error("Lookup(quest) ok = true")
	}
	if r.Known("quest") {
		t.Error("Known(quest) = true")
	}
	defer func() {
		if recover() == nil {
			t.Error("StatesFor(quest) did not panic")
		}
	}()
	r.StatesFor("quest")
}

func TestNewRegistry_invalid(t *testing.T) {
	c, err := NewLoader().LoadDefault()
	if err != nil {
		t.Fatal(err)
	}
	c.Workflows = c.Workflows[:1]
	if _, err := NewRegistry(c); err == nil {
		t.Fatal("NewRegistry() with missing types should fail")
	}
}
