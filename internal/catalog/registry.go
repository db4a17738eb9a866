package catalog

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pitabwire/peerflow/model"
)

// entry is the indexed form of one workflow definition.
type entry struct {
	def      WorkflowDefinition
	members  map[model.State]bool
	terminal map[model.State]bool
	edges    map[model.State][]model.State
}

// Registry is an immutable, read-only index of validated workflow
// definitions. It is safe for concurrent use without locking.
type Registry struct {
	entries  map[model.WorkflowType]*entry
	types    []model.WorkflowType
	checksum string
}

// NewRegistry validates the catalog and builds a Registry from it.
func NewRegistry(c Catalog) (*Registry, error) {
	if verrs := NewValidator().Validate(c.Workflows); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, ve := range verrs {
			errs[i] = ve
		}
		return nil, fmt.Errorf("invalid catalog %s: %w", c.SourceFile, errors.Join(errs...))
	}

	r := &Registry{
		entries:  make(map[model.WorkflowType]*entry, len(c.Workflows)),
		checksum: c.Checksum,
	}
	for _, def := range c.Workflows {
		e := &entry{
			def:      def,
			members:  make(map[model.State]bool, len(def.States)),
			terminal: make(map[model.State]bool, len(def.Terminal)),
			edges:    make(map[model.State][]model.State),
		}
		for _, s := range def.States {
			e.members[s] = true
		}
		for _, s := range def.Terminal {
			e.terminal[s] = true
		}
		for _, tr := range def.Transitions {
			e.edges[tr.From] = append(e.edges[tr.From], tr.To...)
		}
		for from := range e.edges {
			slices.Sort(e.edges[from])
			e.edges[from] = slices.Compact(e.edges[from])
		}
		r.entries[def.Type] = e
		r.types = append(r.types, def.Type)
	}
	slices.Sort(r.types)
	return r, nil
}

// Default builds a Registry from the embedded catalog.
func Default() (*Registry, error) {
	c, err := NewLoader().LoadDefault()
	if err != nil {
		return nil, err
	}
	return NewRegistry(c)
}

// MustDefault is Default that panics on error.
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// mustEntry panics on an unknown workflow type, which is a programming error.
func (r *Registry) mustEntry(t model.WorkflowType) *entry {
	e, ok := r.entries[t]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown workflow type %q", t))
	}
	return e
}

// MustLookup returns the definition of t, panicking if t is unknown.
func (r *Registry) MustLookup(t model.WorkflowType) WorkflowDefinition {
	return r.mustEntry(t).def
}

// Lookup returns the definition of t for callers handling untrusted input.
func (r *Registry) Lookup(t model.WorkflowType) (WorkflowDefinition, bool) {
	e, ok := r.entries[t]
	if !ok {
		return WorkflowDefinition{}, false
	}
	return e.def, true
}

// Known reports whether t is defined.
func (r *Registry) Known(t model.WorkflowType) bool {
	_, ok := r.entries[t]
	return ok
}

// StatesFor returns the states of t in declaration order.
func (r *Registry) StatesFor(t model.WorkflowType) []model.State {
	return slices.Clone(r.mustEntry(t).def.States)
}

// InitialState returns the state new instances of t start in.
func (r *Registry) InitialState(t model.WorkflowType) model.State {
	return r.mustEntry(t).def.Initial
}

// IsTerminal reports whether s is a terminal state of t.
func (r *Registry) IsTerminal(t model.WorkflowType, s model.State) bool {
	return r.mustEntry(t).terminal[s]
}

// IsMember reports whether s is a state of t.
func (r *Registry) IsMember(t model.WorkflowType, s model.State) bool {
	return r.mustEntry(t).members[s]
}

// CascadeTarget returns the state an instance of t advances to once all of
// its active children complete.
func (r *Registry) CascadeTarget(t model.WorkflowType) (model.State, bool) {
	c := r.mustEntry(t).def.Cascade
	if c == nil {
		return "", false
	}
	return c.To, true
}

// Edges returns the sorted legal targets of from. The result is nil for
// terminal states and states outside the catalog.
func (r *Registry) Edges(t model.WorkflowType, from model.State) []model.State {
	return slices.Clone(r.mustEntry(t).edges[from])
}

// Types returns every defined workflow type in sorted order.
func (r *Registry) Types() []model.WorkflowType {
	return slices.Clone(r.types)
}

// Checksum returns the SHA-256 checksum of the catalog source.
func (r *Registry) Checksum() string {
	return r.checksum
}
