// Package apierror renders HTTP-level relay errors as JSON envelopes.
package apierror

import (
	"encoding/json"
	"net/http"
)

type Type string

const (
	TypeInvalidRequest Type = "invalid_request_error"
	TypeAuthentication Type = "authentication_error"
	TypePermission     Type = "permission_error"
	TypeNotFound       Type = "not_found_error"
	TypeOverloaded     Type = "overloaded_error"
	TypeAPI            Type = "api_error"
)

type Error struct {
	Type      Type   `json:"type"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

// Status maps an error type to its HTTP status code.
func Status(t Type) int {
	switch t {
	case TypeInvalidRequest:
		return http.StatusBadRequest
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypePermission:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Write encodes e with the status implied by its type. requestID fills in a
// missing RequestID.
func Write(w http.ResponseWriter, requestID string, e *Error) {
	if e == nil {
		e = &Error{Type: TypeAPI, Message: "internal error"}
	}
	WriteStatus(w, Status(e.Type), requestID, e)
}

// WriteStatus is Write with an explicit status code.
func WriteStatus(w http.ResponseWriter, status int, requestID string, e *Error) {
	if e == nil {
		e = &Error{Type: TypeAPI, Message: "internal error"}
	}
	if e.RequestID == "" {
		e.RequestID = requestID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: e})
}
