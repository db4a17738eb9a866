package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/pitabwire/peerflow/internal/catalog"
	"github.com/pitabwire/peerflow/internal/observability"
	"github.com/pitabwire/peerflow/internal/progression"
	"github.com/pitabwire/peerflow/model"
)

type transitionRequest struct {
	Kind        model.ActionKind `json:"kind" validate:"required,oneof=set_child_state set_parent_state"`
	ChildID     string           `json:"child_id" validate:"required_if=Kind set_child_state,max=128"`
	State       model.State      `json:"state" validate:"required,max=64"`
	ContentHash string           `json:"content_hash" validate:"max=256"`
}

func (req transitionRequest) action() model.Action {
	if req.Kind == model.ActionSetParentState {
		return model.SetParentState(req.State)
	}
	return model.SetChildState(req.ChildID, req.State, req.ContentHash)
}

func handleTransition(coord *progression.Coordinator, v *validator.Validate, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := model.StaffActorFrom(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}

		var req transitionRequest
		if err := decodeAndValidate(w, r, v, &req); err != nil {
			fail(w, r, logger, err)
			return
		}

		outcome, err := coord.AttemptTransition(r.Context(), chi.URLParam(r, "instanceId"), req.action(), actor)
		if err != nil {
			fail(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, outcome)
	}
}

func handleInstanceGet(coord *progression.Coordinator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := coord.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			fail(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleHistory(coord *progression.Coordinator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := coord.History(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			fail(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

// catalogView is the JSON rendering of one workflow definition.
type catalogView struct {
	Type        model.WorkflowType            `json:"type"`
	Initial     model.State                   `json:"initial"`
	States      []model.State                 `json:"states"`
	Terminal    []model.State                 `json:"terminal"`
	Transitions map[model.State][]model.State `json:"transitions"`
	Cascade     *model.State                  `json:"cascade_to,omitempty"`
}

func handleCatalogGet(reg *catalog.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := model.WorkflowType(chi.URLParam(r, "workflowType"))
		def, ok := reg.Lookup(t)
		if !ok {
			WriteError(w, model.NewNotFoundError("unknown workflow type"))
			return
		}

		view := catalogView{
			Type:        def.Type,
			Initial:     def.Initial,
			States:      def.States,
			Terminal:    def.Terminal,
			Transitions: make(map[model.State][]model.State, len(def.States)),
		}
		for _, s := range def.States {
			if edges := reg.Edges(t, s); len(edges) > 0 {
				view.Transitions[s] = edges
			}
		}
		if to, ok := reg.CascadeTarget(t); ok {
			view.Cascade = &to
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleLegalActions(reg *catalog.Registry, coord *progression.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := model.WorkflowType(chi.URLParam(r, "workflowType"))
		if !reg.Known(t) {
			WriteError(w, model.NewNotFoundError("unknown workflow type"))
			return
		}
		state := model.State(r.URL.Query().Get("state"))
		if state == "" {
			WriteError(w, model.NewBadRequestError("state query parameter is required"))
			return
		}
		if !reg.IsMember(t, state) {
			WriteError(w, model.NewValidationError([]model.FieldError{{
				Field: "state", Code: "oneof", Message: "state is not defined for this workflow type",
			}}))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"workflow_type": t,
			"state":         state,
			"legal_actions": coord.LegalActions(t, state),
		})
	}
}

// fail writes err with the current trace ID. Errors without an envelope
// are logged here since the client only sees INTERNAL_ERROR.
func fail(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	if model.CodeOf(err) == model.ErrInternalError {
		observability.LoggerFrom(r.Context(), logger).Error("request failed",
			zap.String("route", routePattern(r)), zap.Error(err))
	}
	writeErrorWithTrace(w, err, observability.TraceIDFromContext(r.Context()))
}
