package model

import "time"

// WorkflowType names a family of status-governed records.
type WorkflowType string

// Known workflow types.
const (
	WorkflowReview                 WorkflowType = "review"
	WorkflowContractRecommendation WorkflowType = "contract_recommendation"
	WorkflowFeedbackAssignment     WorkflowType = "feedback_assignment"
)

// State is a named status within one workflow type's catalog.
type State string

// Review states.
const (
	ReviewNew               State = "New"
	ReviewInProgress        State = "InProgress"
	ReviewFeedbackCompleted State = "FeedbackCompleted"
	ReviewScheduled         State = "Scheduled"
	ReviewCompleted         State = "Completed"
	ReviewCancelled         State = "Cancelled"
)

// Contract recommendation states.
const (
	ContractNew        State = "New"
	ContractInProgress State = "InProgress"
	ContractEvaluated  State = "Evaluated"
	ContractAccepted   State = "Accepted"
	ContractDeclined   State = "Declined"
	ContractArchived   State = "Archived"
	ContractCancelled  State = "Cancelled"
)

// Feedback assignment (child record) states.
const (
	ChildPending   State = "Pending"
	ChildStarted   State = "Started"
	ChildSaved     State = "Saved"
	ChildCompleted State = "Completed"
	ChildRetracted State = "Retracted"
	ChildDeleted   State = "Deleted"
)

// WorkflowInstance is a parent record whose State is governed by the status
// catalog of its Type. State only changes through the progression coordinator.
type WorkflowInstance struct {
	ID        string       `json:"id"`
	Type      WorkflowType `json:"type"`
	State     State        `json:"state"`
	Version   int          `json:"version"`
	HRRep     string       `json:"hr_rep,omitempty"`
	Reviewer  string       `json:"reviewer,omitempty"`
	Subject   string       `json:"subject,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ChildRecord is a feedback assignment exclusively owned by one instance.
type ChildRecord struct {
	ID             string     `json:"id"`
	ParentID       string     `json:"parent_id"`
	State          State      `json:"state"`
	Assignee       string     `json:"assignee"`
	GuestToken     string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	ContentHash    string     `json:"content_hash,omitempty"`
	Version        int        `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TokenExpired reports whether the guest link of the record has expired at now.
func (c ChildRecord) TokenExpired(now time.Time) bool {
	return c.TokenExpiresAt != nil && !now.Before(*c.TokenExpiresAt)
}

// ActionKind distinguishes the two kinds of transition request.
type ActionKind string

// Action kinds.
const (
	ActionSetChildState  ActionKind = "set_child_state"
	ActionSetParentState ActionKind = "set_parent_state"
)

// Action is a requested mutation. ChildID and ContentHash are only read for
// ActionSetChildState.
type Action struct {
	Kind        ActionKind `json:"kind"`
	ChildID     string     `json:"child_id,omitempty"`
	State       State      `json:"state"`
	ContentHash string     `json:"content_hash,omitempty"`
}

// SetChildState builds a child-state action.
func SetChildState(childID string, state State, contentHash string) Action {
	return Action{Kind: ActionSetChildState, ChildID: childID, State: state, ContentHash: contentHash}
}

// SetParentState builds a direct parent-state action.
func SetParentState(state State) Action {
	return Action{Kind: ActionSetParentState, State: state}
}

// ActorKind classifies who requested a transition.
type ActorKind string

// Actor kinds.
const (
	ActorStaff  ActorKind = "staff"
	ActorGuest  ActorKind = "guest"
	ActorSystem ActorKind = "system"
)

// Actor identifies the party requesting a transition.
type Actor struct {
	ID   string    `json:"id"`
	Kind ActorKind `json:"kind"`
}

// SystemActor is recorded on derived transitions.
var SystemActor = Actor{ID: "system", Kind: ActorSystem}

// StateChange describes one applied state change.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// ChildChange describes the child mutation applied by an attempt.
type ChildChange struct {
	ChildID        string `json:"child_id"`
	From           State  `json:"from"`
	To             State  `json:"to"`
	ContentUpdated bool   `json:"content_updated,omitempty"`
}

// TransitionOutcome reports what one successful attempt applied. Noop is set
// when the request had already been applied and nothing was written.
type TransitionOutcome struct {
	InstanceID    string       `json:"instance_id"`
	WorkflowType  WorkflowType `json:"workflow_type"`
	Child         *ChildChange `json:"child,omitempty"`
	Parent        *StateChange `json:"parent,omitempty"`
	Cascade       *StateChange `json:"cascade,omitempty"`
	Noop          bool         `json:"noop"`
	InstanceState State        `json:"instance_state"`
	Version       int          `json:"version"`
}

// Transition event kinds.
const (
	EventChildStateChanged  = "child_state_changed"
	EventChildContentSaved  = "child_content_saved"
	EventParentStateChanged = "parent_state_changed"
	EventCascade            = "cascade"
)

// TransitionEvent is an audit-trail row written in the same transaction as
// the change it records.
type TransitionEvent struct {
	ID           string       `json:"id"`
	InstanceID   string       `json:"instance_id"`
	WorkflowType WorkflowType `json:"workflow_type"`
	ChildID      string       `json:"child_id,omitempty"`
	Kind         string       `json:"kind"`
	From         State        `json:"from"`
	To           State        `json:"to"`
	ActorID      string       `json:"actor_id"`
	ActorKind    ActorKind    `json:"actor_kind"`
	Derived      bool         `json:"derived"`
	Timestamp    time.Time    `json:"timestamp"`
}

// CompletionSummary counts child records by completion bucket.
type CompletionSummary struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Deleted   int `json:"deleted"`
	Completed int `json:"completed"`
}

// InstanceView is the read model returned to staff callers.
type InstanceView struct {
	Instance     WorkflowInstance  `json:"instance"`
	Children     []ChildRecord     `json:"children"`
	Completion   CompletionSummary `json:"completion"`
	LegalActions []State           `json:"legal_actions"`
	Terminal     bool              `json:"terminal"`
}
