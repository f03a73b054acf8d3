package shared

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies engine failures for transport mapping.
type Kind int

const (
	// KindValidation marks malformed or missing input.
	KindValidation Kind = iota + 1
	// KindConflict marks violations of cross-record invariants.
	KindConflict
	// KindNotFound marks unknown ids.
	KindNotFound
	// KindState marks operations rejected by the current lifecycle state.
	KindState
)

// Error is the structured failure returned by core services. Refs carries the
// offending document or schedule numbers so callers can resolve the conflict
// without re-querying.
type Error struct {
	Kind Kind
	Msg  string
	Refs []string
}

func (e *Error) Error() string {
	if len(e.Refs) == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Msg, strings.Join(e.Refs, ", "))
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a conflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// ConflictRefs builds a conflict error carrying offending references.
func ConflictRefs(msg string, refs []string) *Error {
	return &Error{Kind: KindConflict, Msg: msg, Refs: refs}
}

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Statef builds a state error.
func Statef(format string, args ...any) *Error {
	return &Error{Kind: KindState, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, or zero when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
