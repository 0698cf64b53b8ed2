package trellis

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a request-level failure so transports can map it to a
// status without inspecting message text. Compiler components fail fast with
// one of these kinds on structural errors; they never catch-and-continue.
type Kind int

const (
	// KindBadRequest covers malformed filters, unresolvable property paths,
	// and mismatched list lengths in dialect calls.
	KindBadRequest Kind = iota
	// KindNotFound means no row matched or the named resource is unknown.
	KindNotFound
	// KindUnauthorized means the resource requires an authenticated
	// principal and none was supplied.
	KindUnauthorized
	// KindForbidden means the principal is authenticated but no role rule
	// grants the requested capability.
	KindForbidden
	// KindConflict is a business-rule violation raised by the orchestrator
	// (for example a write guard), never by the compiler.
	KindConflict
)

// String returns the kind name used in error text.
func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad request"
	case KindNotFound:
		return "not found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	}
	return "error"
}

// RequestError is the error type carried by every request-level failure.
// It wraps an optional cause and is matched with errors.As via the Is*Err
// helpers below.
type RequestError struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("trellis: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("trellis: %s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped cause, if any.
func (e *RequestError) Unwrap() error { return e.Err }

// BadRequestf returns a KindBadRequest error with a formatted message.
func BadRequestf(format string, args ...any) error {
	return &RequestError{Kind: KindBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf returns a KindNotFound error with a formatted message.
func NotFoundf(format string, args ...any) error {
	return &RequestError{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Unauthorizedf returns a KindUnauthorized error with a formatted message.
func Unauthorizedf(format string, args ...any) error {
	return &RequestError{Kind: KindUnauthorized, Msg: fmt.Sprintf(format, args...)}
}

// Forbiddenf returns a KindForbidden error with a formatted message.
func Forbiddenf(format string, args ...any) error {
	return &RequestError{Kind: KindForbidden, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf returns a KindConflict error with a formatted message.
func Conflictf(format string, args ...any) error {
	return &RequestError{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the request kind of err. ok is false for errors that did
// not originate from this package (driver failures, context cancellation).
func KindOf(err error) (Kind, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}

// IsBadRequestErr returns true if err is or wraps a KindBadRequest error.
func IsBadRequestErr(err error) bool { return isKind(err, KindBadRequest) }

// IsNotFoundErr returns true if err is or wraps a KindNotFound error.
func IsNotFoundErr(err error) bool { return isKind(err, KindNotFound) }

// IsUnauthorizedErr returns true if err is or wraps a KindUnauthorized error.
func IsUnauthorizedErr(err error) bool { return isKind(err, KindUnauthorized) }

// IsForbiddenErr returns true if err is or wraps a KindForbidden error.
func IsForbiddenErr(err error) bool { return isKind(err, KindForbidden) }

// IsConflictErr returns true if err is or wraps a KindConflict error.
func IsConflictErr(err error) bool { return isKind(err, KindConflict) }

func isKind(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

// MapDBError translates a database execution error into a request error when
// it carries a recognizable SQLSTATE or SQL Server error number, and returns
// it unchanged otherwise.
func MapDBError(err error, object string) error {
	if err == nil {
		return nil
	}
	switch sqlState(err) {
	case sqlstateUniqueViolation:
		return Conflictf("%s already exists", object)
	case sqlstateForeignKeyViolation:
		return BadRequestf("%s refers to a missing row or is still referenced", object)
	}

	// go-mssqldb reports engine error numbers instead of SQLSTATE.
	type numberErr interface{ SQLErrorNumber() int32 }
	var ne numberErr
	if errors.As(err, &ne) {
		switch ne.SQLErrorNumber() {
		case 2627, 2601:
			return Conflictf("%s already exists", object)
		case 547:
			return BadRequestf("%s refers to a missing row or is still referenced", object)
		}
	}
	return err
}

// SQLSTATE codes used when mapping execution-level failures.
const (
	sqlstateUniqueViolation     = "23505"
	sqlstateForeignKeyViolation = "23503"
)

// sqlState extracts the SQLSTATE code from a database error. Works with
// multiple drivers via interface detection:
//   - pgx/pgconn: SQLState() string
//   - lib/pq and friends: Code() string
//
// Returns empty string if the error doesn't carry a SQLSTATE.
func sqlState(err error) string {
	type sqlStateErr interface{ SQLState() string }
	var se sqlStateErr
	if errors.As(err, &se) {
		return se.SQLState()
	}

	type codeErr interface{ Code() string }
	var ce codeErr
	if errors.As(err, &ce) {
		return ce.Code()
	}

	// Last resort: pull the code out of the message text.
	errStr := err.Error()
	for _, prefix := range []string{"SQLSTATE ", "SQLSTATE: "} {
		if idx := strings.Index(errStr, prefix); idx >= 0 {
			start := idx + len(prefix)
			if start+5 <= len(errStr) {
				return errStr[start : start+5]
			}
		}
	}
	return ""
}
