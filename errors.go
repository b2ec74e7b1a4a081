package mrklcache

import "github.com/scigolib/mrklcache/internal/errs"

// ErrKind tags a returned error with the taxonomy described in spec §7:
// InvalidArgument, InvalidState, Corrupt, Io, Protocol, Integrity,
// Cancelled, Timeout, Exhausted.
type ErrKind = errs.Kind

// Error is the public wrapped-error type returned by every operation in
// this package; Unwrap lets callers compose with errors.Is/errors.As.
type Error = errs.Error

// Re-exported kinds, so callers never import internal/errs directly.
const (
	KindInvalidArgument = errs.InvalidArgument
	KindInvalidState    = errs.InvalidState
	KindCorrupt         = errs.Corrupt
	KindIo              = errs.Io
	KindProtocol        = errs.Protocol
	KindIntegrity       = errs.Integrity
	KindCancelled       = errs.Cancelled
	KindTimeout         = errs.Timeout
	KindExhausted       = errs.Exhausted
)

// KindOf extracts the ErrKind of err, Unknown if err doesn't carry one.
func KindOf(err error) ErrKind { return errs.KindOf(err) }

// Is reports whether err is tagged with kind.
func Is(err error, kind ErrKind) bool { return errs.Is(err, kind) }
