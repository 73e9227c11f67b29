// Package hterrors implements the uniform error envelope described in
// spec.md §7: every error the engine raises carries a numeric code and a
// message, and is checkable with errors.Is against one of a fixed set of
// sentinels.
//
// The teacher repo has no equivalent package (it uses plain errors/fmt
// throughout); this follows the teacher's general sentinel-error
// convention — seen in internal/encoding and internal/manifest — rather
// than any single file.
package hterrors

import (
	"errors"
	"fmt"
)

// Code is the numeric error code carried by every Error.
type Code int

const (
	OK Code = iota
	HyperspaceBadPathname
	TableNotFound
	BadSchema
	BadCellStore
	CorruptCommitLog
	RowOverflow
	InvalidArgument
	Cancelled
	Fatal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case HyperspaceBadPathname:
		return "HYPERSPACE_BAD_PATHNAME"
	case TableNotFound:
		return "TABLE_NOT_FOUND"
	case BadSchema:
		return "BAD_SCHEMA"
	case BadCellStore:
		return "RANGESERVER_BAD_CELLSTORE_FILENAME"
	case CorruptCommitLog:
		return "RANGESERVER_CORRUPT_COMMIT_LOG"
	case RowOverflow:
		return "RANGESERVER_ROW_OVERFLOW"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case Cancelled:
		return "CANCELLED"
	case Fatal:
		return "FATAL"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Sentinels, one per Code, matched with errors.Is against an *Error
// returned by this package (Error.Is compares codes, not identity).
var (
	ErrHyperspaceBadPathname = &Error{Code: HyperspaceBadPathname, Message: "bad hyperspace pathname"}
	ErrTableNotFound         = &Error{Code: TableNotFound, Message: "table not found"}
	ErrBadSchema             = &Error{Code: BadSchema, Message: "bad schema"}
	ErrBadCellStore          = &Error{Code: BadCellStore, Message: "corrupt cellstore"}
	ErrCorruptCommitLog      = &Error{Code: CorruptCommitLog, Message: "corrupt commit log"}
	ErrRowOverflow           = &Error{Code: RowOverflow, Message: "split cannot determine a valid split row"}
	ErrInvalidArgument       = &Error{Code: InvalidArgument, Message: "invalid argument"}
	ErrCancelled             = &Error{Code: Cancelled, Message: "cancelled"}
	ErrFatal                 = &Error{Code: Fatal, Message: "fatal"}
)

// Error is the uniform envelope every error in this engine is wrapped in
// before crossing a package boundary the RPC dispatcher cares about.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by Code, so errors.Is(err, ErrRowOverflow) succeeds for any
// *Error carrying RowOverflow regardless of Message/Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds an *Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error with the given code, message, and underlying
// cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf returns the Code carried by err if it (or something it wraps) is
// an *Error, otherwise OK is returned false to signal "not ours".
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return OK, false
}

// IsCancelled reports whether err represents cooperative maintenance
// cancellation (spec.md §7): swallowed at the top of each maintenance
// entry point.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsFatal reports whether err represents the FATAL class (spec.md §7):
// metadata-journal write failure after retries, or DFS directory-create
// failure during split. Callers invoke the logger's FatalHandler.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }
