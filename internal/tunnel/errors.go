package tunnel

import (
	"errors"
	"fmt"
)

// ErrorKind classifies tunnel failures. The kind decides the client-visible
// response and whether the failure is escalated to the reporter.
type ErrorKind int

const (
	// KindBadRequest means the transport supplied no parseable target at all.
	KindBadRequest ErrorKind = iota

	// KindInvalidHostname means the target did not match the tunnel grammar.
	KindInvalidHostname

	// KindNotFound means the directory has no record for the device.
	KindNotFound

	// KindAccessDenied means directory access evaluation rejected the client.
	KindAccessDenied

	// KindDeviceOffline means the device is not connected to any VPN instance.
	KindDeviceOffline

	// KindHandled is a handled tunneling error: the failure was already
	// surfaced to the client or is an expected routing inconsistency. The
	// connection is closed without a response line and nothing is escalated.
	KindHandled

	// KindAPI means the device directory failed or returned garbage.
	KindAPI

	// KindUnclassified is everything else. Reported with full context.
	KindUnclassified
)

// String returns the kind as a metrics label value.
func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindInvalidHostname:
		return "invalid_hostname"
	case KindNotFound:
		return "not_found"
	case KindAccessDenied:
		return "access_denied"
	case KindDeviceOffline:
		return "device_offline"
	case KindHandled:
		return "handled"
	case KindAPI:
		return "api"
	default:
		return "unclassified"
	}
}

// Error is a classified tunnel failure. Surfaced records whether a response
// line has already been written to the client, so the transport never writes
// a second one.
type Error struct {
	Kind     ErrorKind
	Message  string
	Cause    error
	Surfaced bool
}

// Error implements error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Handled wraps an error as a handled tunneling error: logged, never
// reported, connection closed without a further response.
func Handled(msg string, cause error) *Error {
	return &Error{Kind: KindHandled, Message: msg, Cause: cause, Surfaced: true}
}

// Client-visible response lines, HTTP/1.0 with no body.
const (
	responseBadRequest         = "HTTP/1.0 400 Bad Request\r\n\r\n"
	responseForbidden          = "HTTP/1.0 403 Forbidden\r\n\r\n"
	responseNotFound           = "HTTP/1.0 404 Not Found\r\n\r\n"
	responseProxyAuthRequired  = "HTTP/1.0 407 Proxy Authorization Required\r\n\r\n"
	responseInternalError      = "HTTP/1.0 500 Internal Server Error\r\n\r\n"
	responseServiceUnavailable = "HTTP/1.0 503 Service Unavailable\r\n\r\n"
)

// ResponseFor maps an error to the status line owed to the client. ok is
// false when no response should be written: either the error was already
// surfaced or it is a handled tunneling error, where the connection simply
// closes.
func ResponseFor(err error) (response string, ok bool) {
	var terr *Error
	if !errors.As(err, &terr) {
		// Unclassified: generic server error.
		return responseInternalError, true
	}

	if terr.Surfaced {
		return "", false
	}

	switch terr.Kind {
	case KindBadRequest:
		return responseBadRequest, true
	case KindInvalidHostname:
		return responseForbidden, true
	case KindNotFound:
		return responseNotFound, true
	case KindAccessDenied:
		return responseProxyAuthRequired, true
	case KindDeviceOffline:
		return responseServiceUnavailable, true
	case KindHandled:
		return "", false
	default:
		return responseInternalError, true
	}
}

// KindOf returns the error's kind, or KindUnclassified for foreign errors.
func KindOf(err error) ErrorKind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return KindUnclassified
}
