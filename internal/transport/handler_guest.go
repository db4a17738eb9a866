package transport

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/pitabwire/peerflow/internal/guest"
	"github.com/pitabwire/peerflow/model"
)

// verificationHeader carries the human-verification token when the client
// does not put it in the body.
const verificationHeader = "X-Verification-Token"

type guestSubmitRequest struct {
	State             model.State `json:"state" validate:"required,max=64"`
	ContentHash       string      `json:"content_hash" validate:"max=256"`
	VerificationToken string      `json:"verification_token" validate:"max=4096"`
}

func handleGuestResolve(h *guest.Handler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assignment, err := h.Resolve(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			fail(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, assignment)
	}
}

func handleGuestSubmit(h *guest.Handler, v *validator.Validate, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req guestSubmitRequest
		if err := decodeAndValidate(w, r, v, &req); err != nil {
			fail(w, r, logger, err)
			return
		}

		verification := r.Header.Get(verificationHeader)
		if verification == "" {
			verification = req.VerificationToken
		}

		outcome, err := h.Submit(r.Context(), guest.Submission{
			Token:             chi.URLParam(r, "token"),
			VerificationToken: verification,
			State:             req.State,
			ContentHash:       req.ContentHash,
			RemoteIP:          clientIP(r),
		})
		if err != nil {
			fail(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, outcome)
	}
}

// clientIP returns the host part of RemoteAddr, which the RealIP middleware
// has already rewritten when the service runs behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
