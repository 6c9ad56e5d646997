package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies remote failures for the retry policy.
type ErrorKind string

const (
	KindTransient     ErrorKind = "transient"
	KindRejected      ErrorKind = "rejected"
	KindConflict      ErrorKind = "conflict"
	KindQuotaOrAuth   ErrorKind = "quota_or_auth"
	KindAlreadyExists ErrorKind = "already_exists"
)

// Error is a classified remote failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	// CanonicalID is set for KindAlreadyExists when the server names the existing entity.
	CanonicalID string
	Message     string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s (http %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AlreadyExists reports a duplicate create, naming the server's id for the entity.
func AlreadyExists(canonicalID string) *Error {
	return &Error{Kind: KindAlreadyExists, CanonicalID: canonicalID, Message: "entity already exists as " + canonicalID}
}

// Classify maps any error returned by a Service to a kind. Unclassified errors
// (network failures, timeouts) are transient and retried within the attempt budget.
func Classify(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// Retriable reports whether err should be retried with backoff.
func Retriable(err error) bool {
	return Classify(err) == KindTransient
}

// kindForStatus maps an HTTP status code to an error kind.
func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return KindTransient
	case code >= 500:
		return KindTransient
	case code == http.StatusUnauthorized, code == http.StatusPaymentRequired, code == http.StatusForbidden:
		return KindQuotaOrAuth
	case code == http.StatusConflict, code == http.StatusPreconditionFailed,
		code == http.StatusNotFound, code == http.StatusGone:
		return KindConflict
	default:
		return KindRejected
	}
}
