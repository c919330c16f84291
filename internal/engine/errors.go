package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind tags a caller-recoverable engine failure.
type ErrorKind string

const (
	KindForbidden         ErrorKind = "forbidden"
	KindPreconditionUnmet ErrorKind = "precondition_unmet"
	KindInvalidStatusEdge ErrorKind = "invalid_status_edge"
	KindValidation        ErrorKind = "validation"
	KindConflict          ErrorKind = "conflict"
	KindNotFound          ErrorKind = "not_found"
)

// TransitionError is the tagged result for every rejected request.
// Store failures are never TransitionErrors; they come back wrapped with %w.
type TransitionError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Reasons []string
	Err     error
}

func (e *TransitionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(e.Reasons) > 0 {
		return msg + ": " + strings.Join(e.Reasons, "; ")
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels so errors.Is(err, ErrConflict) works.
func (e *TransitionError) Is(target error) bool {
	var t *TransitionError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == "" && t.Kind == e.Kind
}

var (
	ErrForbidden         = &TransitionError{Kind: KindForbidden}
	ErrPreconditionUnmet = &TransitionError{Kind: KindPreconditionUnmet}
	ErrInvalidStatusEdge = &TransitionError{Kind: KindInvalidStatusEdge}
	ErrValidation        = &TransitionError{Kind: KindValidation}
	ErrConflict          = &TransitionError{Kind: KindConflict}
	ErrNotFound          = &TransitionError{Kind: KindNotFound}
)

// KindOf returns the error kind, or "" when err is not a TransitionError.
func KindOf(err error) ErrorKind {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func newError(kind ErrorKind, code, format string, args ...any) *TransitionError {
	if code == "" {
		code = string(kind)
	}
	return &TransitionError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func forbidden(err error) *TransitionError {
	return &TransitionError{Kind: KindForbidden, Code: "forbidden", Message: err.Error(), Err: err}
}

func blockedByStatus(status string) *TransitionError {
	return &TransitionError{
		Kind:    KindForbidden,
		Code:    "blocked_by_activity_status",
		Message: fmt.Sprintf("lead is %s; revert to active before advancing", status),
		Reasons: []string{"activity status is " + status},
	}
}

func preconditionUnmet(reasons []string) *TransitionError {
	return &TransitionError{Kind: KindPreconditionUnmet, Code: "precondition_unmet", Message: "advance preconditions not met", Reasons: reasons}
}

func validation(format string, args ...any) *TransitionError {
	return newError(KindValidation, "validation", format, args...)
}

func conflict(format string, args ...any) *TransitionError {
	return newError(KindConflict, "conflict", format, args...)
}

func notFound(leadID string) *TransitionError {
	return newError(KindNotFound, "not_found", "lead %s not found", leadID)
}
