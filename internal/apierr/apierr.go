// Package apierr defines the error taxonomy shared by the gateway and the state managers.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a remote failure.
type Kind string

const (
	KindTransport    = Kind("transport")
	KindUnauthorized = Kind("unauthorized")
	KindForbidden    = Kind("forbidden")
	KindValidation   = Kind("validation")
	KindNotFound     = Kind("not_found")
	KindConflict     = Kind("conflict")
	KindRateLimited  = Kind("rate_limited")
	KindServer       = Kind("server")
	KindDecode       = Kind("decode")
	KindUnknown      = Kind("unknown")
)

const (
	messageInvalidData       = "invalid data"
	messageUnauthorized      = "invalid credentials"
	messageForbidden         = "access denied"
	messageNotFound          = "resource not found"
	messageConflict          = "conflicting request"
	messageInvalidInput      = "invalid input data"
	messageRateLimited       = "too many requests"
	messageServer            = "internal server error"
	messageUnknown           = "unknown error"
	messageTransport         = "remote api unreachable"
	errorFormatWithStatus    = "%s (status %d)"
	errorFormatWithoutStatus = "%s"
)

// Error is a classified failure returned by the remote gateway.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	message := e.Message
	if strings.TrimSpace(message) == "" {
		message = string(e.Kind)
	}
	if e.Status > 0 {
		return fmt.Sprintf(errorFormatWithStatus, message, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", message, e.Err)
	}
	return fmt.Sprintf(errorFormatWithoutStatus, message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FromStatus maps an HTTP status code and the server-provided message onto an Error.
// Validation messages from the server are kept verbatim for display.
func FromStatus(statusCode int, serverMessage string) *Error {
	serverMessage = strings.TrimSpace(serverMessage)
	switch {
	case statusCode == http.StatusBadRequest:
		return &Error{Kind: KindValidation, Status: statusCode, Message: firstNonEmpty(serverMessage, messageInvalidData)}
	case statusCode == http.StatusUnauthorized:
		return &Error{Kind: KindUnauthorized, Status: statusCode, Message: messageUnauthorized}
	case statusCode == http.StatusForbidden:
		return &Error{Kind: KindForbidden, Status: statusCode, Message: messageForbidden}
	case statusCode == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Status: statusCode, Message: firstNonEmpty(serverMessage, messageNotFound)}
	case statusCode == http.StatusConflict:
		return &Error{Kind: KindConflict, Status: statusCode, Message: firstNonEmpty(serverMessage, messageConflict)}
	case statusCode == http.StatusUnprocessableEntity:
		return &Error{Kind: KindValidation, Status: statusCode, Message: firstNonEmpty(serverMessage, messageInvalidInput)}
	case statusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: statusCode, Message: messageRateLimited}
	case statusCode >= http.StatusInternalServerError:
		return &Error{Kind: KindServer, Status: statusCode, Message: messageServer}
	case statusCode >= http.StatusBadRequest:
		return &Error{Kind: KindValidation, Status: statusCode, Message: firstNonEmpty(serverMessage, messageUnknown)}
	default:
		return &Error{Kind: KindUnknown, Status: statusCode, Message: firstNonEmpty(serverMessage, messageUnknown)}
	}
}

// Transport wraps a failure where no response reached the client.
func Transport(err error) *Error {
	return &Error{Kind: KindTransport, Message: messageTransport, Err: err}
}

// Decode wraps a failure to interpret a response body.
func Decode(err error) *Error {
	return &Error{Kind: KindDecode, Message: "decode response", Err: err}
}

// KindOf reports the kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var apiError *Error
	if errors.As(err, &apiError) {
		return apiError.Kind
	}
	return KindUnknown
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsUnauthorized reports whether err signals a rejected or expired token.
func IsUnauthorized(err error) bool {
	return Is(err, KindUnauthorized)
}

// IsRetryable reports whether a request that failed with err may be attempted again.
func IsRetryable(err error) bool {
	var apiError *Error
	if !errors.As(err, &apiError) {
		return false
	}
	switch apiError.Kind {
	case KindTransport, KindServer, KindRateLimited:
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
