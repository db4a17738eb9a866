package catalog

import (
	"fmt"
	"slices"

	"github.com/pitabwire/peerflow/model"
)

// VError describes a single validation error in a catalog.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// requiredTypes are the workflow types the progression engine drives.
var requiredTypes = []model.WorkflowType{
	model.WorkflowReview,
	model.WorkflowContractRecommendation,
	model.WorkflowFeedbackAssignment,
}

// Validator checks catalogs structurally and as transition graphs.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks every definition and the catalog as a whole.
func (v *Validator) Validate(defs []WorkflowDefinition) []VError {
	var errs []VError

	seen := make(map[model.WorkflowType]bool, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("workflows[%d]", i)
		if seen[def.Type] {
			errs = append(errs, VError{Path: prefix + ".type", Code: "DUPLICATE", Message: fmt.Sprintf("workflow type %q is defined more than once", def.Type)})
			continue
		}
		seen[def.Type] = true
		errs = append(errs, v.validateWorkflow(prefix, def)...)
	}

	for _, t := range requiredTypes {
		if !seen[t] {
			errs = append(errs, VError{Path: "workflows", Code: "MISSING_TYPE", Message: fmt.Sprintf("workflow type %q is not defined", t)})
		}
	}
	return errs
}

func (v *Validator) validateWorkflow(prefix string, def WorkflowDefinition) []VError {
	var errs []VError

	if !slices.Contains(requiredTypes, def.Type) {
		errs = append(errs, VError{Path: prefix + ".type", Code: "UNKNOWN_TYPE", Message: fmt.Sprintf("unknown workflow type %q", def.Type)})
	}
	if len(def.States) == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED", Message: "at least one state is required"})
		return errs
	}

	members := make(map[model.State]bool, len(def.States))
	for i, s := range def.States {
		if s == "" {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.states[%d]", prefix, i), Code: "REQUIRED", Message: "state name is required"})
			continue
		}
		if members[s] {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.states[%d]", prefix, i), Code: "DUPLICATE", Message: fmt.Sprintf("state %q is listed more than once", s)})
		}
		members[s] = true
	}

	if !members[def.Initial] {
		errs = append(errs, VError{Path: prefix + ".initial", Code: "UNKNOWN_STATE", Message: fmt.Sprintf("initial state %q is not a member", def.Initial)})
	}

	terminal := make(map[model.State]bool, len(def.Terminal))
	for i, s := range def.Terminal {
		if !members[s] {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.terminal[%d]", prefix, i), Code: "UNKNOWN_STATE", Message: fmt.Sprintf("terminal state %q is not a member", s)})
		}
		terminal[s] = true
	}
	if len(def.Terminal) == 0 {
		errs = append(errs, VError{Path: prefix + ".terminal", Code: "REQUIRED", Message: "at least one terminal state is required"})
	}

	edges := make(map[model.State][]model.State)
	for i, tr := range def.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if !members[tr.From] {
			errs = append(errs, VError{Path: tp + ".from", Code: "UNKNOWN_STATE", Message: fmt.Sprintf("state %q is not a member", tr.From)})
			continue
		}
		if terminal[tr.From] && len(tr.To) > 0 {
			errs = append(errs, VError{Path: tp + ".from", Code: "TERMINAL_EDGE", Message: fmt.Sprintf("terminal state %q must not have outgoing transitions", tr.From)})
		}
		for j, to := range tr.To {
			switch {
			case !members[to]:
				errs = append(errs, VError{Path: fmt.Sprintf("%s.to[%d]", tp, j), Code: "UNKNOWN_STATE", Message: fmt.Sprintf("state %q is not a member", to)})
			case to == tr.From:
				errs = append(errs, VError{Path: fmt.Sprintf("%s.to[%d]", tp, j), Code: "SELF_EDGE", Message: fmt.Sprintf("state %q must not transition to itself", to)})
			default:
				edges[tr.From] = append(edges[tr.From], to)
			}
		}
	}

	if def.Cascade != nil {
		switch {
		case !members[def.Cascade.To]:
			errs = append(errs, VError{Path: prefix + ".cascade.to", Code: "UNKNOWN_STATE", Message: fmt.Sprintf("cascade target %q is not a member", def.Cascade.To)})
		case def.Cascade.To == def.Initial:
			errs = append(errs, VError{Path: prefix + ".cascade.to", Code: "INVALID_CASCADE", Message: "cascade target must not be the initial state"})
		}
	}

	if def.Type == model.WorkflowFeedbackAssignment {
		for _, s := range []model.State{model.ChildCompleted, model.ChildDeleted} {
			if !members[s] {
				errs = append(errs, VError{Path: prefix + ".states", Code: "MISSING_STATE", Message: fmt.Sprintf("feedback assignments require state %q", s)})
			}
		}
	}

	if len(errs) > 0 || !members[def.Initial] {
		return errs
	}
	return append(errs, validateGraph(prefix, def, edges, terminal)...)
}

// validateGraph checks reachability from the initial state, termination of
// every reachable state and the absence of cycles.
func validateGraph(prefix string, def WorkflowDefinition, edges map[model.State][]model.State, terminal map[model.State]bool) []VError {
	var errs []VError

	reachable := map[model.State]bool{def.Initial: true}
	queue := []model.State{def.Initial}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, next := range edges[s] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, s := range def.States {
		if !reachable[s] {
			errs = append(errs, VError{Path: prefix + ".states", Code: "UNREACHABLE", Message: fmt.Sprintf("state %q is unreachable from %q", s, def.Initial)})
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[model.State]int, len(def.States))
	var cyclic []model.State
	var visit func(s model.State)
	visit = func(s model.State) {
		color[s] = grey
		for _, next := range edges[s] {
			switch color[next] {
			case grey:
				cyclic = append(cyclic, next)
			case white:
				visit(next)
			}
		}
		color[s] = black
	}
	for _, s := range def.States {
		if color[s] == white {
			visit(s)
		}
	}
	for _, s := range cyclic {
		errs = append(errs, VError{Path: prefix + ".transitions", Code: "CYCLE", Message: fmt.Sprintf("state %q is part of a transition cycle", s)})
	}

	// Walk backwards from terminal states.
	reverse := make(map[model.State][]model.State)
	for from, tos := range edges {
		for _, to := range tos {
			reverse[to] = append(reverse[to], from)
		}
	}
	finishes := make(map[model.State]bool, len(def.States))
	queue = queue[:0]
	for s := range terminal {
		finishes[s] = true
		queue = append(queue, s)
	}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, prev := range reverse[s] {
			if !finishes[prev] {
				finishes[prev] = true
				queue = append(queue, prev)
			}
		}
	}
	for _, s := range def.States {
		if reachable[s] && !finishes[s] {
			errs = append(errs, VError{Path: prefix + ".states", Code: "NO_TERMINAL", Message: fmt.Sprintf("state %q cannot reach a terminal state", s)})
		}
	}
	return errs
}
