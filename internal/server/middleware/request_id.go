// Package middleware holds the HTTP middleware chain for the facade:
// request correlation, panic recovery, and structured request logging.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/3leaps/gostratus/internal/errors"
)

// RequestIDHeader is the inbound and outbound correlation header.
const RequestIDHeader = "X-Request-ID"

// RequestID attaches a correlation id to every request: the caller's
// X-Request-ID when present, a fresh UUID otherwise. The id is stored on
// the request context and echoed on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.WithRequestID(r.Context(), id)))
	})
}
