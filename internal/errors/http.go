package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTPError is the body of the "error" member in HTTP error envelopes.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON envelope every error response carries.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeLocked:
		return http.StatusLocked
	case CodeGone:
		return http.StatusGone
	case CodeReadOnly:
		return http.StatusForbidden
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondWithError writes err as a JSON envelope. Coded errors keep their
// code, status, and details; anything else becomes INTERNAL. The request id
// comes from the error when set, else from the request context.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var coded *Error
	if !errors.As(err, &coded) {
		coded = Wrap(CodeInternal, err, "internal error")
	}

	requestID := coded.RequestID
	if requestID == "" && r != nil {
		requestID = RequestIDFrom(r.Context())
	}

	WriteEnvelope(w, HTTPErrorResponse{Error: HTTPError{
		Code:      string(coded.Code),
		Message:   coded.Message,
		RequestID: requestID,
		Details:   coded.Details,
	}}, HTTPStatus(coded.Code))
}

// WriteError writes a one-off coded envelope without building an Error.
func WriteError(w http.ResponseWriter, r *http.Request, code Code, message string) {
	var requestID string
	if r != nil {
		requestID = RequestIDFrom(r.Context())
	}
	WriteEnvelope(w, HTTPErrorResponse{Error: HTTPError{
		Code:      string(code),
		Message:   message,
		RequestID: requestID,
	}}, HTTPStatus(code))
}

// WriteEnvelope serializes an envelope with the given status. Encoding
// failures have nowhere to go once the header is written; they are dropped.
func WriteEnvelope(w http.ResponseWriter, envelope HTTPErrorResponse, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}
