// Package errs provides the error taxonomy shared by every component of the
// mirror: geometry, the reference tree, state, transport, the scheduler, the
// coordinator, and the verified channel all return errors tagged with one of
// the Kind values below instead of ad-hoc sentinel errors.
package errs

import "fmt"

// Kind tags an error with the taxonomy a caller needs to decide whether a
// retry, a corruption report, or a hard failure is appropriate.
type Kind uint8

const (
	// Unknown is never returned; it exists so the zero value is detectable.
	Unknown Kind = iota
	// InvalidArgument means an offset/length/chunk-size argument was out of range.
	InvalidArgument
	// InvalidState means the initializer found exactly one of {cache, state} present.
	InvalidState
	// Corrupt means a footer, digest, or file layout failed validation.
	Corrupt
	// Io wraps an underlying file or socket error.
	Io
	// Protocol means the remote returned a non-206 status or a malformed Content-Range.
	Protocol
	// Integrity means fetched bytes failed hash verification against the reference leaf.
	Integrity
	// Cancelled means the operation was cancelled by the caller's context.
	Cancelled
	// Timeout means a per-attempt budget was exhausted.
	Timeout
	// Exhausted means the retry budget ran out after transient failures.
	Exhausted
)

//nolint:gocyclo // plain enum-to-string switch
func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case InvalidState:
		return "InvalidState"
	case Corrupt:
		return "Corrupt"
	case Io:
		return "Io"
	case Protocol:
		return "Protocol"
	case Integrity:
		return "Integrity"
	case Cancelled:
		return "Cancelled"
	case Timeout:
		return "Timeout"
	case Exhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// Error is a contextual, kind-tagged error. It wraps a cause so that
// errors.Is/errors.As compose with the standard library and with callers
// that check kinds via Is.
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Context)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Cause)
}

// Unwrap provides compatibility with errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a kind-tagged error with no wrapped cause.
func New(kind Kind, context string) error {
	return &Error{Kind: kind, Context: context}
}

// Wrap builds a kind-tagged error around cause. Returns nil if cause is nil,
// mirroring the teacher's WrapError convenience.
func Wrap(kind Kind, context string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Context: context, Cause: cause}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an *Error,
// and Unknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if asErr, ok := err.(*Error); ok { //nolint:errorlint // single-level checked loop below handles wrapping
			e = asErr
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return Unknown
	}
	return e.Kind
}

// Is reports whether err is tagged with kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
