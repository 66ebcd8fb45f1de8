// Package bcvkerr defines the error kinds shared across the ephemeral-VM
// launcher and disk cache, and the context-chaining helper used to
// attach a human-readable frame at each layer boundary without losing
// the original cause.
package bcvkerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error for callers that want to react programmatically
// (e.g. retry on CacheStale, print an install hint on Preflight) without
// string-matching messages.
type Kind int

const (
	// ConfigInvalid means the caller's inputs violate a stated contract.
	// Fail-fast, no side effects are expected to have happened yet.
	ConfigInvalid Kind = iota
	// Preflight means a required external binary is missing.
	Preflight
	// Spawn means subprocess creation itself failed.
	Spawn
	// Runtime means a subprocess exited non-zero (excluding accepted codes).
	Runtime
	// ReadinessTimeout means the readiness budget elapsed with no signal.
	ReadinessTimeout
	// CacheStale means xattr metadata didn't match the filename hash.
	CacheStale
	// StorageBackend means a libvirt/pool operation failed.
	StorageBackend
	// Cancelled means the caller asked for cancellation before completion.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case Preflight:
		return "Preflight"
	case Spawn:
		return "Spawn"
	case Runtime:
		return "Runtime"
	case ReadinessTimeout:
		return "ReadinessTimeout"
	case CacheStale:
		return "CacheStale"
	case StorageBackend:
		return "StorageBackend"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the single error type used across the module. Context is a
// short, layer-specific description; Cause is the wrapped lower-level
// error, preserved for errors.Is/errors.As via Unwrap.
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with no wrapped cause.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// Wrap attaches kind and context to cause, preserving it for errors.As.
// If cause is nil, Wrap returns nil, so it is safe to use as
// `return bcvkerr.Wrap(Runtime, "...", err)` in the common
// `if err != nil { return ... }` shape.
func Wrap(kind Kind, context string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Context: context, Cause: cause}
}

// Wrapf is Wrap with a formatted context string.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Context: fmt.Sprintf(format, args...), Cause: cause}
}

// Of reports the Kind of err if it (or something it wraps) is a *Error,
// and ok=false otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err's Kind (or a wrapped error's Kind) equals kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
