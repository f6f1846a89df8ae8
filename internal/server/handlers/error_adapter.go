package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/gostratus/internal/errors"
)

// httpErrorResponder writes error responses for this package. Swappable so
// tests and embedders can intercept the envelope shape.
var httpErrorResponder = defaultErrorResponder

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

// SetHTTPErrorResponder replaces the error responder. Passing nil restores
// the default.
func SetHTTPErrorResponder(f func(w http.ResponseWriter, r *http.Request, err error)) {
	if f == nil {
		httpErrorResponder = defaultErrorResponder
		return
	}
	httpErrorResponder = f
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

// respondWithError routes handler errors through the active responder.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
