package replication

import (
	"errors"
	"strings"
)

// Error codes. The Code of an *Error is meant for automated handling; Msg is
// for operators.
const (
	EInternal = "internal error"
	EInvalid  = "invalid"
	ENotFound = "not found"
	EClosed   = "closed"

	// EInvalidState means the operation is not allowed in the replica's role.
	EInvalidState = "invalid state"

	// EIncompleteData means the commit log no longer covers the app's
	// committed and durable decrees. It is repaired locally.
	EIncompleteData = "incomplete data"

	// ELocalFailure means the app or a log failed an I/O. The replica moves
	// to the error role.
	ELocalFailure = "local failure"

	// EInvariant means local state broke an ordering invariant. The replica
	// cannot continue and moves to the error role.
	EInvariant = "invariant violation"

	EDecreeTooOld     = "decree too old"
	ECapacityExceeded = "capacity exceeded"
	EDecreeGap        = "decree gap"
	EStaleBallot      = "stale ballot"
)

var (
	// ErrInvalidState is returned for operations the current role rejects.
	ErrInvalidState = &Error{Code: EInvalidState, Msg: "replica is not in a state that allows this operation"}

	// ErrDecreeTooOld is returned when putting a decree that is already committed.
	ErrDecreeTooOld = &Error{Code: EDecreeTooOld, Msg: "decree is not newer than the last committed decree"}

	// ErrCapacityExceeded is returned when the prepare window is full.
	ErrCapacityExceeded = &Error{Code: ECapacityExceeded, Msg: "prepare list is full"}

	// ErrClosed is returned by closed replicas and logs.
	ErrClosed = &Error{Code: EClosed, Msg: "closed"}
)

// Error is the error type used across the replication packages.
//
// To create a simple error,
//
//	&Error{Code: EInvalidState}
//
// To show where the error happened, add Op.
//
//	&Error{Code: EInvalidState, Op: "replica.Write"}
//
// To wrap the error of a collaborator, set Err.
//
//	&Error{Code: ELocalFailure, Op: "replica.executeMutation", Err: err}
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString("<")
		b.WriteString(e.Code)
		b.WriteString(">")
	}
	return b.String()
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, ErrInvalidState) matches any invalid state error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// ErrorCode returns the code of the outermost *Error in err's chain, or
// EInternal if there is none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) || e == nil {
		return EInternal
	}

	if e.Code != "" {
		return e.Code
	}

	if e.Err != nil {
		return ErrorCode(e.Err)
	}

	return EInternal
}

// ErrorOp returns the op of the error, if available; otherwise an empty string.
func ErrorOp(err error) string {
	var e *Error
	if !errors.As(err, &e) || e == nil {
		return ""
	}

	if e.Op != "" {
		return e.Op
	}

	if e.Err != nil {
		return ErrorOp(e.Err)
	}

	return ""
}

// IsFatal reports whether err leaves the replica unable to continue.
func IsFatal(err error) bool {
	switch ErrorCode(err) {
	case ELocalFailure, EInvariant:
		return true
	}
	return false
}

// InvariantError returns an invariant violation raised by op.
func InvariantError(op, msg string) *Error {
	return &Error{Code: EInvariant, Op: op, Msg: msg}
}
