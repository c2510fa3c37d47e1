// Package fault classifies errors crossing component boundaries so callers
// can pick the right recovery: reject, retry, continue, or quarantine.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// KindUnknown is the zero value; unclassified errors behave as Transient.
	KindUnknown Kind = iota
	// BadInput: the request can never succeed as written.
	BadInput
	// NotFound: the referenced entity does not exist.
	NotFound
	// RefusedPrecondition: the entity exists but its state forbids the operation.
	RefusedPrecondition
	// Conflict: optimistic-update collision at the store; retry once under the lane.
	Conflict
	// Transient: environmental failure; log and continue on fallback paths.
	Transient
	// Fatal: invariant breach; the tenant lane must be quarantined.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case BadInput:
		return "bad_input"
	case NotFound:
		return "not_found"
	case RefusedPrecondition:
		return "refused_precondition"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the message and optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Cause: err}
}

// KindOf extracts the Kind from anywhere in err's chain. Unclassified
// errors report Transient so fallback paths keep running.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Transient
}

// IsRetryable reports whether a single in-lane retry is warranted.
func IsRetryable(err error) bool { return KindOf(err) == Conflict }

// HTTPStatus maps an error kind for the HTTP surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnknown:
		return http.StatusOK
	case BadInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case RefusedPrecondition:
		return http.StatusUnprocessableEntity
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
