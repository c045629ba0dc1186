package app

import "net/http"

// Error carries an HTTP status and a caller-safe message. The wrapped
// cause is for server-side logs only and is never rendered to clients.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func badRequest(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: msg}
}

func unauthorized(msg string) *Error {
	return &Error{Status: http.StatusUnauthorized, Message: msg}
}

func forbidden(msg string) *Error {
	return &Error{Status: http.StatusForbidden, Message: msg}
}

func notFound(msg string) *Error {
	return &Error{Status: http.StatusNotFound, Message: msg}
}

func badUpstream(msg string, cause error) *Error {
	return &Error{Status: http.StatusBadGateway, Message: msg, Err: cause}
}

func persistenceFailed(msg string, cause error) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: msg, Err: cause}
}
