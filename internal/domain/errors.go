package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected core operation. Every kind is recoverable by the caller.
type Kind string

const (
	KindInvalidTransition       Kind = "InvalidTransition"
	KindTransitionNotAuthorized Kind = "TransitionNotAuthorized"
	KindConcurrentModification  Kind = "ConcurrentModification"
	KindSessionTerminated       Kind = "SessionTerminated"
	KindWriteDenied             Kind = "WriteDenied"
	KindBranchMismatch          Kind = "BranchMismatch"
	KindTurnSealFailure         Kind = "TurnSealFailure"
)

// DenyReason refines KindWriteDenied.
type DenyReason string

const (
	DenyNoMatchingRule DenyReason = "NoMatchingRule"
	DenyExplicit       DenyReason = "ExplicitDeny"
	DenyInvalidPath    DenyReason = "InvalidPath"
	DenyArchived       DenyReason = "DeliverableArchived"
)

var (
	// ErrNotFound is returned by stores and the engine for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrContractViolation marks a caller bug such as a missing entity version.
	ErrContractViolation = errors.New("contract violation")
)

// Error is the typed rejection returned by the core.
type Error struct {
	Kind   Kind
	Reason DenyReason // set for KindWriteDenied
	Msg    string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Reason, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is matches on Kind, and on Reason when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is.
var (
	ErrInvalidTransition       = &Error{Kind: KindInvalidTransition}
	ErrTransitionNotAuthorized = &Error{Kind: KindTransitionNotAuthorized}
	ErrConcurrentModification  = &Error{Kind: KindConcurrentModification}
	ErrSessionTerminated       = &Error{Kind: KindSessionTerminated}
	ErrWriteDenied             = &Error{Kind: KindWriteDenied}
	ErrBranchMismatch          = &Error{Kind: KindBranchMismatch}
	ErrTurnSealFailure         = &Error{Kind: KindTurnSealFailure}
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func InvalidTransition(format string, args ...any) *Error {
	return newError(KindInvalidTransition, format, args...)
}

func NotAuthorized(format string, args ...any) *Error {
	return newError(KindTransitionNotAuthorized, format, args...)
}

func ConcurrentModification(format string, args ...any) *Error {
	return newError(KindConcurrentModification, format, args...)
}

func SessionTerminated(id SessionID, state SessionState) *Error {
	return newError(KindSessionTerminated, "session %s is %s", id, state)
}

func WriteDenied(reason DenyReason, format string, args ...any) *Error {
	e := newError(KindWriteDenied, format, args...)
	e.Reason = reason
	return e
}

func BranchMismatch(want, got string) *Error {
	return newError(KindBranchMismatch, "session is bound to branch %q, request names %q", want, got)
}

func TurnSealFailure(format string, args ...any) *Error {
	return newError(KindTurnSealFailure, format, args...)
}

// KindOf returns the Kind of err, or "" when err is not a core rejection.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is a core rejection of the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
