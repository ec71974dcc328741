// Package apierror defines the gateway's error taxonomy (spec §7) and the
// JSON shape every HTTP handler uses to report failures.
package apierror

import (
	"encoding/json"
	"net/http"
	"time"
)

// Code is one entry in the gateway's error taxonomy.
type Code string

const (
	BadRequest             Code = "BadRequest"
	PaymentRequired        Code = "PaymentRequired"
	PaymentVerifyFailed    Code = "PaymentVerificationFailed"
	Unauthorized           Code = "Unauthorized"
	Conflict               Code = "Conflict"
	NotFound               Code = "NotFound"
	Gone                   Code = "Gone"
	PerformanceRejected    Code = "PerformanceRejected"
	UpstreamUnreachable    Code = "UpstreamUnreachable"
	UpstreamTimeout        Code = "UpstreamTimeout"
	Internal               Code = "Internal"
)

// statusByCode maps each taxonomy code to its HTTP status.
var statusByCode = map[Code]int{
	BadRequest:          http.StatusBadRequest,
	PaymentRequired:     http.StatusPaymentRequired,
	PaymentVerifyFailed: http.StatusPaymentRequired,
	Unauthorized:        http.StatusUnauthorized,
	Conflict:            http.StatusConflict,
	NotFound:            http.StatusNotFound,
	Gone:                http.StatusGone,
	PerformanceRejected: http.StatusBadRequest,
	UpstreamUnreachable: http.StatusBadGateway,
	UpstreamTimeout:     http.StatusGatewayTimeout,
	Internal:            http.StatusInternalServerError,
}

// Error is the typed error every subsystem returns across package
// boundaries; handlers translate it into the wire JSON body.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// Status returns the HTTP status for e's code, defaulting to 500.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an *Error with no details.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with details attached.
func Newf(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// body is the wire shape for every JSON error response (spec §7).
type body struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Write serializes err as a JSON error body with the matching HTTP status.
// Non-*Error values are reported as Internal with a generic message so
// unexpected panics/errors never leak internals to the client.
func Write(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*Error)
	if !ok {
		apiErr = New(Internal, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status())
	_ = json.NewEncoder(w).Encode(body{
		Error:     string(apiErr.Code),
		Message:   apiErr.Message,
		Details:   apiErr.Details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
