package rbac

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies every failure the engine can report. The set is
// closed; callers switch on it exhaustively.
type Category int

const (
	// InvalidCredential: the presented password did not match during an
	// untrusted CreateSession.
	InvalidCredential Category = iota + 1
	// ActivationFailed: the role is not assigned to the session's user.
	ActivationFailed
	// AlreadyActive: the role is already in the session's active set.
	AlreadyActive
	// NotActive: the role is not in the session's active set.
	NotActive
	// SessionInvalid: the authority does not recognise the session token.
	SessionInvalid
	// TransportError: the authority was unreachable or answered with a
	// malformed response.
	TransportError
)

var categoryNames = map[Category]string{
	InvalidCredential: "invalid-credential",
	ActivationFailed:  "activation-failed",
	AlreadyActive:     "already-active",
	NotActive:         "not-active",
	SessionInvalid:    "session-invalid",
	TransportError:    "transport-error",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Valid reports whether c is one of the defined categories.
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

// Categories lists every category in declaration order.
func Categories() []Category {
	return []Category{InvalidCredential, ActivationFailed, AlreadyActive, NotActive, SessionInvalid, TransportError}
}

// Error is the structured failure returned by every engine operation.
type Error struct {
	Category Category
	// Op names the engine operation that failed, e.g. "add active role".
	Op string
	// Message is the authority's or engine's human-readable detail.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

// Sentinels for errors.Is matching. Two *Error values match when their
// categories are equal.
var (
	ErrInvalidCredential = &Error{Category: InvalidCredential}
	ErrActivationFailed  = &Error{Category: ActivationFailed}
	ErrAlreadyActive     = &Error{Category: AlreadyActive}
	ErrNotActive         = &Error{Category: NotActive}
	ErrSessionInvalid    = &Error{Category: SessionInvalid}
	ErrTransport         = &Error{Category: TransportError}
)

// NewError returns an Error with a fixed message.
func NewError(c Category, op, msg string) *Error {
	return &Error{Category: c, Op: op, Message: msg}
}

// Errorf returns an Error with a formatted message.
func Errorf(c Category, op, format string, args ...any) *Error {
	return &Error{Category: c, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError returns an Error carrying cause. If cause is already an *Error it
// is returned unchanged so categories are never rewritten on the way up.
func WrapError(c Category, op string, cause error) error {
	var existing *Error
	if errors.As(cause, &existing) {
		return cause
	}
	return &Error{Category: c, Op: op, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Category.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same category.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Category == e.Category
}

// CategoryOf extracts the category from err. ok is false when err carries no
// *Error.
func CategoryOf(err error) (c Category, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return 0, false
}
