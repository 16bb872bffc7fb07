// Package errs defines the closed set of error kinds observable at module
// boundaries (the wire protocol, the driver contract, the store contract),
// per spec.md §7. Every error that crosses one of those boundaries is
// mapped to one of these kinds before it leaves the process; internal
// detail is logged, never exposed.
package errs

import "errors"

// Kind is one of the nine error kinds below (spec.md §7 lists
// UnknownEntity and UnknownSource together).
type Kind string

const (
	// InvalidMessage marks a framing or decoding error at the wire boundary.
	InvalidMessage Kind = "invalid_message"
	// UnknownEntity marks a reference to an entity name that was never registered.
	UnknownEntity Kind = "unknown_entity"
	// UnknownSource marks a reference to a source name that was never registered for its entity.
	UnknownSource Kind = "unknown_source"
	// NotFound marks a target identifier that does not exist.
	NotFound Kind = "not_found"
	// Unavailable marks a transient driver or store failure; triggers retry.
	Unavailable Kind = "unavailable"
	// Conflict marks a foreign key already bound to a different internal key.
	Conflict Kind = "conflict"
	// DiffMismatch marks a patch that cannot be applied to the given Document.
	DiffMismatch Kind = "diff_mismatch"
	// Cancelled marks a shutdown mid-operation.
	Cancelled Kind = "cancelled"
	// Internal marks a bug or invariant violation; details are never sent over the wire.
	Internal Kind = "internal"
)

// Error wraps an underlying error with one of the closed Kinds above.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err (or something it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, defaulting to Internal for any
// error that was not constructed through this package — the wire boundary
// must never leak unclassified internal error text.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
