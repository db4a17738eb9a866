// Package transition answers whether a workflow may move between two states.
// It reads the status catalog only and never touches storage, so API layers
// can use it to filter the actions they offer.
package transition

import (
	"slices"

	"github.com/pitabwire/peerflow/internal/catalog"
	"github.com/pitabwire/peerflow/model"
)

// Validator checks requested transitions against the catalog table.
type Validator struct {
	catalog *catalog.Registry
}

// NewValidator creates a Validator over the given catalog.
func NewValidator(reg *catalog.Registry) *Validator {
	return &Validator{catalog: reg}
}

// IsAllowed reports whether t may move from one state to another. Unknown
// workflow types, unknown states and unlisted pairs are not allowed.
func (v *Validator) IsAllowed(t model.WorkflowType, from, to model.State) bool {
	if !v.catalog.Known(t) {
		return false
	}
	if !v.catalog.IsMember(t, from) || !v.catalog.IsMember(t, to) {
		return false
	}
	if v.catalog.IsTerminal(t, from) {
		return false
	}
	_, found := slices.BinarySearch(v.catalog.Edges(t, from), to)
	return found
}

// LegalActions returns the sorted states current may move to. It is empty for
// terminal states, unknown states and unknown workflow types.
func (v *Validator) LegalActions(t model.WorkflowType, current model.State) []model.State {
	if !v.catalog.Known(t) || !v.catalog.IsMember(t, current) || v.catalog.IsTerminal(t, current) {
		return []model.State{}
	}
	edges := v.catalog.Edges(t, current)
	if edges == nil {
		return []model.State{}
	}
	return edges
}
