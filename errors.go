package plenticore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ErrorKind classifies client errors so callers can decide how to react
// without matching on message strings.
type ErrorKind int

const (
	// KindAuthenticationFailed means the device rejected the supplied
	// credential. Retrying with the same credential cannot succeed.
	KindAuthenticationFailed ErrorKind = iota
	// KindSessionExpired means the device no longer accepts the session.
	// The client recovers from this once per request by re-negotiating.
	KindSessionExpired
	// KindUserLocked means the device has locked the user after too many
	// failed login attempts.
	KindUserLocked
	// KindNotFound means the requested module or setting does not exist
	// in the device's catalog.
	KindNotFound
	// KindValidationFailed means a setting write was rejected locally
	// before any request was sent.
	KindValidationFailed
	// KindMissingDependency means a virtual process data value could not
	// be computed because a raw value it depends on was not supplied.
	KindMissingDependency
	// KindProtocol means the device answered with something the client
	// could not interpret.
	KindProtocol
	// KindTimeout means the call exceeded its deadline. The session is
	// presumed still valid.
	KindTimeout
	// KindTransport means the request never completed on the network
	// level.
	KindTransport
	// KindInternalCommunication maps the device's own internal
	// communication error status.
	KindInternalCommunication
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthenticationFailed:
		return "authentication failed"
	case KindSessionExpired:
		return "session expired"
	case KindUserLocked:
		return "user locked"
	case KindNotFound:
		return "module or setting not found"
	case KindValidationFailed:
		return "validation failed"
	case KindMissingDependency:
		return "missing dependency"
	case KindProtocol:
		return "protocol error"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport error"
	case KindInternalCommunication:
		return "internal communication error"
	default:
		return "unknown"
	}
}

// Error is the error type surfaced by all client operations. It always
// names the operation that failed and the kind of failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s ([%d] %s)", e.Op, e.Kind, e.StatusCode, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or KindTransport if err is
// not an *Error produced by this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsAuthenticationFailed reports whether err is a credential rejection.
func IsAuthenticationFailed(err error) bool { return isKind(err, KindAuthenticationFailed) }

// IsSessionExpired reports whether err is a session rejection.
func IsSessionExpired(err error) bool { return isKind(err, KindSessionExpired) }

// IsValidationFailed reports whether err is a local write validation failure.
func IsValidationFailed(err error) bool { return isKind(err, KindValidationFailed) }

// IsMissingDependency reports whether err is a virtual evaluation failure.
func IsMissingDependency(err error) bool { return isKind(err, KindMissingDependency) }

// IsProtocolError reports whether err is a malformed device response.
func IsProtocolError(err error) bool { return isKind(err, KindProtocol) }

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool { return isKind(err, KindTimeout) }

// statusError maps a non-200 device status to a classified error. The
// error payload shape is device-defined, so the message is extracted
// defensively and dropped when the body is not the documented
// {"message": ...} object.
func statusError(op string, status int, body []byte) *Error {
	var payload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)

	kind := KindProtocol
	switch status {
	case 400:
		kind = KindAuthenticationFailed
	case 401:
		kind = KindSessionExpired
	case 403:
		kind = KindUserLocked
	case 404:
		kind = KindNotFound
	case 503:
		kind = KindInternalCommunication
	}
	return &Error{Kind: kind, Op: op, StatusCode: status, Message: payload.Message}
}

// transportError maps low level request failures, distinguishing
// deadline expiry from other network errors.
func transportError(op string, err error) *Error {
	kind := KindTransport
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// sessionRejected reports whether err is a device response that
// invalidates the current session: an authorization rejection status or
// a response envelope that failed integrity verification.
func sessionRejected(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindSessionExpired, KindAuthenticationFailed:
		return e.StatusCode != 0
	case KindProtocol:
		return errors.Is(e.Err, errEnvelopeVerification)
	default:
		return false
	}
}
