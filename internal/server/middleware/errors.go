package middleware

import (
	"fmt"
	"net/http"

	apperrors "github.com/3leaps/gostratus/internal/errors"
)

// ErrorResponse is the JSON envelope error responses carry. It is the
// shared service envelope; the alias keeps handler tests decoupled from
// the errors package layout.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts handler panics into INTERNAL error envelopes. The
// response carries the panic text; the request id comes from the context
// when RequestID ran earlier in the chain.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeErrorResponse(w,
					string(apperrors.CodeInternal),
					fmt.Sprintf("panic: %v", rec),
					apperrors.RequestIDFrom(r.Context()),
					http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is the canonical name for the panic barrier in route
// configuration; it is Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// writeErrorResponse writes one error envelope with the given status.
func writeErrorResponse(w http.ResponseWriter, code, message, requestID string, status int) {
	apperrors.WriteEnvelope(w, ErrorResponse{Error: apperrors.HTTPError{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}}, status)
}
