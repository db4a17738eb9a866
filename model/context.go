package model

import (
	"context"
	"slices"
)

// RequestContext is the verified identity of a staff caller together with
// the correlation data of the request it arrived on. Guest requests never
// carry one: a guest is identified by the link it presents.
type RequestContext struct {
	SubjectID     string
	Email         string
	Roles         []string
	CorrelationID string
	TraceID       string
}

// Authenticated returns an UNAUTHORIZED envelope when the identity cannot
// act, which is the case when the token named no subject.
func (rc *RequestContext) Authenticated() error {
	if rc == nil || rc.SubjectID == "" {
		return NewUnauthorizedError("token has no subject")
	}
	return nil
}

// HasRole reports whether the caller holds role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// Actor is the caller as recorded on transitions it performs.
func (rc *RequestContext) Actor() Actor {
	return Actor{ID: rc.SubjectID, Kind: ActorStaff}
}

type requestContextKey struct{}

// WithRequestContext returns ctx carrying rc.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext on ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// StaffActorFrom returns the authenticated staff actor on ctx. A request
// that bypassed authentication yields an UNAUTHORIZED envelope.
func StaffActorFrom(ctx context.Context) (Actor, error) {
	rc := RequestContextFrom(ctx)
	if err := rc.Authenticated(); err != nil {
		return Actor{}, err
	}
	return rc.Actor(), nil
}
