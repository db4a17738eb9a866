// Package guest serves feedback submissions from external reviewers who
// reach a feedback assignment through an emailed link instead of a staff
// login.
package guest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/peerflow/internal/catalog"
	"github.com/pitabwire/peerflow/internal/observability"
	"github.com/pitabwire/peerflow/internal/progression"
	"github.com/pitabwire/peerflow/internal/store"
	"github.com/pitabwire/peerflow/model"
)

const defaultIdempotencyTTL = 24 * time.Hour

// Submission is one guest request against a feedback link.
type Submission struct {
	Token             string
	VerificationToken string
	State             model.State
	ContentHash       string
	RemoteIP          string
}

// Assignment is what a guest link resolves to.
type Assignment struct {
	ChildID      string             `json:"child_id"`
	InstanceID   string             `json:"instance_id"`
	WorkflowType model.WorkflowType `json:"workflow_type"`
	State        model.State        `json:"state"`
	Assignee     string             `json:"assignee"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
	Submitted    bool               `json:"submitted"`
	Closed       bool               `json:"closed"`
	LegalActions []model.State      `json:"legal_actions"`
}

// Handler verifies, resolves and forwards guest submissions to the
// coordinator.
type Handler struct {
	coord    *progression.Coordinator
	store    store.Store
	catalog  *catalog.Registry
	verifier model.Verifier
	idem     IdempotencyStore
	ttl      time.Duration
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithIdempotency enables the replay cache.
func WithIdempotency(s IdempotencyStore, ttl time.Duration) Option {
	return func(h *Handler) {
		h.idem = s
		if ttl > 0 {
			h.ttl = ttl
		}
	}
}

// WithMetrics records guest metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock overrides the clock used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a Handler.
func NewHandler(
	coord *progression.Coordinator,
	s store.Store,
	reg *catalog.Registry,
	verifier model.Verifier,
	logger *zap.Logger,
	opts ...Option,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		coord:    coord,
		store:    s,
		catalog:  reg,
		verifier: verifier,
		ttl:      defaultIdempotencyTTL,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Submit records a guest's feedback state change.
func (h *Handler) Submit(ctx context.Context, sub Submission) (model.TransitionOutcome, error) {
	ctx, span := observability.StartSpan(ctx, "guest.submit",
		observability.AttrAction.String(string(sub.State)),
	)

	outcome, replayed, err := h.submit(ctx, sub)

	span.SetAttributes(observability.AttrReplayed.Bool(replayed))
	result := "ok"
	if err != nil {
		result = model.CodeOf(err)
	} else if replayed {
		result = "replayed"
	}
	h.metrics.RecordGuestSubmission(result)
	observability.EndSpan(span, err)
	return outcome, err
}

func (h *Handler) submit(ctx context.Context, sub Submission) (model.TransitionOutcome, bool, error) {
	logger := observability.LoggerFrom(ctx, h.logger)
	logger.Debug("guest submission received", zap.Any("body", observability.RedactBody(map[string]any{
		"guest_token":        sub.Token,
		"verification_token": sub.VerificationToken,
		"state":              sub.State,
		"content_hash":       sub.ContentHash,
	}, []string{"content_hash"})))

	if sub.State == "" {
		return model.TransitionOutcome{}, false, model.NewBadRequestError("state is required")
	}

	// 1. Human verification before any storage access.
	if err := h.verify(ctx, sub); err != nil {
		return model.TransitionOutcome{}, false, err
	}

	// 2. Resolve the link to exactly one live assignment.
	child, err := h.resolve(ctx, sub.Token)
	if err != nil {
		return model.TransitionOutcome{}, false, err
	}

	// 3. Answer replays from the cache.
	key := FormatIdempotencyKey(sub.Token, sub.State)
	hash := InputHash(sub.State, sub.ContentHash)
	if h.idem != nil {
		cached, hit, err := h.idem.Check(ctx, key, hash)
		if err != nil {
			logger.Warn("idempotency lookup failed", zap.String("child_id", child.ID), zap.Error(err))
		} else if hit {
			// A replay reports the live instance. Once the instance is
			// terminal the coordinator answers instead.
			inst, err := h.store.GetInstance(ctx, child.ParentID)
			if err != nil {
				return model.TransitionOutcome{}, false, err
			}
			if h.catalog.Known(inst.Type) && !h.catalog.IsTerminal(inst.Type, inst.State) {
				h.metrics.RecordIdempotencyHit()
				return replay(*cached, inst), true, nil
			}
		}
	}

	// 4. Apply through the coordinator as the assignee.
	actor := model.Actor{ID: child.Assignee, Kind: model.ActorGuest}
	outcome, err := h.coord.AttemptTransition(ctx, child.ParentID,
		model.SetChildState(child.ID, sub.State, sub.ContentHash), actor)
	if err != nil {
		return model.TransitionOutcome{}, false, err
	}

	if h.idem != nil && h.catalog.IsTerminal(model.WorkflowFeedbackAssignment, sub.State) {
		if err := h.idem.Store(ctx, key, hash, outcome, h.ttl); err != nil {
			logger.Warn("idempotency store failed", zap.String("child_id", child.ID), zap.Error(err))
		}
	}
	return outcome, false, nil
}

// Resolve returns the assignment a guest link points at. Unknown, expired,
// retracted or deleted links are NOT_FOUND.
func (h *Handler) Resolve(ctx context.Context, token string) (Assignment, error) {
	child, err := h.resolve(ctx, token)
	if err != nil {
		return Assignment{}, err
	}
	inst, err := h.store.GetInstance(ctx, child.ParentID)
	if err != nil {
		return Assignment{}, err
	}

	closed := h.catalog.Known(inst.Type) && h.catalog.IsTerminal(inst.Type, inst.State)
	legal := []model.State{}
	if !closed {
		legal = h.coord.LegalActions(model.WorkflowFeedbackAssignment, child.State)
	}
	return Assignment{
		ChildID:      child.ID,
		InstanceID:   inst.ID,
		WorkflowType: inst.Type,
		State:        child.State,
		Assignee:     child.Assignee,
		ExpiresAt:    child.TokenExpiresAt,
		Submitted:    child.State == model.ChildCompleted,
		Closed:       closed,
		LegalActions: legal,
	}, nil
}

func (h *Handler) verify(ctx context.Context, sub Submission) error {
	if sub.VerificationToken == "" {
		return model.NewVerificationFailedError("verification token is required")
	}
	ok, err := h.verifier.Verify(ctx, sub.VerificationToken, sub.RemoteIP)
	if err != nil {
		observability.LoggerFrom(ctx, h.logger).Warn("verification provider error", zap.Error(err))
		return model.NewVerificationFailedError("verification could not be completed")
	}
	if !ok {
		return model.NewVerificationFailedError("verification failed")
	}
	return nil
}

func (h *Handler) resolve(ctx context.Context, token string) (model.ChildRecord, error) {
	notFound := model.NewNotFoundError("this link is invalid or has expired")
	if token == "" {
		return model.ChildRecord{}, notFound
	}

	matches, err := h.store.FindChildByToken(ctx, token)
	if err != nil {
		return model.ChildRecord{}, err
	}
	if len(matches) != 1 {
		if len(matches) > 1 {
			observability.LoggerFrom(ctx, h.logger).Error("guest token matches several assignments",
				zap.Int("matches", len(matches)))
		}
		return model.ChildRecord{}, notFound
	}

	child := matches[0]
	switch {
	case child.State == model.ChildDeleted, child.State == model.ChildRetracted:
		return model.ChildRecord{}, notFound
	case child.TokenExpired(h.now()):
		return model.ChildRecord{}, notFound
	}
	return child, nil
}

// replay turns a cached outcome into the no-op answer for a repeated
// request, reporting inst as it is now.
func replay(cached model.TransitionOutcome, inst model.WorkflowInstance) model.TransitionOutcome {
	out := model.TransitionOutcome{
		InstanceID:    inst.ID,
		WorkflowType:  inst.Type,
		Noop:          true,
		InstanceState: inst.State,
		Version:       inst.Version,
	}
	if cached.Child != nil {
		out.Child = &model.ChildChange{ChildID: cached.Child.ChildID, From: cached.Child.To, To: cached.Child.To}
	}
	return out
}
