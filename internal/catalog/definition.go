package catalog

import "github.com/pitabwire/peerflow/model"

// Catalog is the parsed content of one catalog file.
type Catalog struct {
	Workflows  []WorkflowDefinition `yaml:"workflows"`
	Checksum   string               `yaml:"-"`
	SourceFile string               `yaml:"-"`
}

// WorkflowDefinition declares the states and legal transitions of one
// workflow type.
type WorkflowDefinition struct {
	Type        model.WorkflowType `yaml:"type"`
	Initial     model.State        `yaml:"initial"`
	States      []model.State      `yaml:"states"`
	Terminal    []model.State      `yaml:"terminal"`
	Transitions []Transition       `yaml:"transitions"`
	Cascade     *Cascade           `yaml:"cascade,omitempty"`
}

// Transition lists the legal targets of one source state.
type Transition struct {
	From model.State   `yaml:"from"`
	To   []model.State `yaml:"to"`
}

// Cascade names the parent state entered once every active child record is
// completed.
type Cascade struct {
	To model.State `yaml:"to"`
}
