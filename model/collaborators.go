package model

import "context"

// Verifier checks a human-verification token presented on a guest
// submission. A nil error with false means the token was rejected.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// Notifier receives committed transition events. Implementations must not
// block the caller and their failures never affect the transition.
type Notifier interface {
	Notify(ctx context.Context, event TransitionEvent)
}
