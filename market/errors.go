package market

import (
	"errors"
	"fmt"
)

// Kind classifies the error taxonomy surfaced by every public operation of the
// core. The HTTP layer maps kinds to status codes; the core itself only
// guarantees that each failure carries exactly one kind and that no partial
// writes are visible after a failed operation.
type ErrorKind uint8

const (
	// KindValidation marks malformed input. Nothing was mutated.
	KindValidation ErrorKind = iota + 1
	// KindNotFound marks a missing referenced entity. Nothing was mutated.
	KindNotFound
	// KindStateConflict marks a transition that is illegal from the entity's
	// current status, including lost-update races on concurrent transitions.
	KindStateConflict
	// KindExternalService marks a ledger client failure. The triggering entity
	// remains in its pre-call status.
	KindExternalService
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindExternalService:
		return "external_service"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by core operations. Two errors match under
// errors.Is when their kinds agree, so callers compare against the exported
// sentinels below rather than inspecting messages.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "market: nil error"
	}
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("market: %s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("market: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("market: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, ErrNotFound) works regardless of
// the wrapped message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

var (
	ErrValidation      = &Error{Kind: KindValidation, Msg: "invalid input"}
	ErrNotFound        = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrStateConflict   = &Error{Kind: KindStateConflict, Msg: "state conflict"}
	ErrExternalService = &Error{Kind: KindExternalService, Msg: "external service failure"}
)

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a not-found error with a formatted message.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a state-conflict error with a formatted message.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindStateConflict, Msg: fmt.Sprintf(format, args...)}
}

// External wraps a ledger client failure so the original cause stays reachable
// through errors.Unwrap.
func External(msg string, err error) error {
	return &Error{Kind: KindExternalService, Msg: msg, Err: err}
}
