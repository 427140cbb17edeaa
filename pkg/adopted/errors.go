package adopted

import "errors"

// Error taxonomy for the adoPTed engine. Each is a sentinel so callers can
// use errors.Is; wrapped with context via fmt.Errorf("...: %w", err) at the
// call site the way the rest of this codebase wraps errors.
var (
	// ErrBadVector is returned when a state vector fails to parse (negative,
	// non-numeric, or duplicate component) or an update would not be monotonic.
	ErrBadVector = errors.New("adopted: bad state vector")

	// ErrCausalityViolation is returned when a remote request's vector is
	// incompatible with what the log already holds for its user.
	ErrCausalityViolation = errors.New("adopted: causality violation")

	// ErrOutOfRange is returned when applying an operation would exceed the
	// buffer's bounds. Usually indicates the session has already diverged.
	ErrOutOfRange = errors.New("adopted: operation out of range")

	// ErrUnknownOperation is returned when a wire element cannot be decoded
	// into a known Operation variant.
	ErrUnknownOperation = errors.New("adopted: unknown operation")

	// ErrIrreversible is returned when Invert is called on an operation that
	// was not constructed with enough information to be inverted.
	ErrIrreversible = errors.New("adopted: operation is not reversible")

	// ErrLogGap is returned when a translation needs a log entry that cleanup
	// has already discarded. Fatal: the remote peer is too far behind.
	ErrLogGap = errors.New("adopted: request log gap")

	// ErrConcurrencyAmbiguous is returned when IT cannot derive a concurrency
	// id from local information and no owner tie-break is available. This
	// must not happen between conformant peers; treated as session-fatal.
	ErrConcurrencyAmbiguous = errors.New("adopted: concurrency id ambiguous")
)

// Fatal reports whether err should transition the owning Algorithm's session
// into the terminal diverged state: ErrOutOfRange, ErrLogGap and
// ErrConcurrencyAmbiguous are session-fatal, while ErrBadVector and
// ErrUnknownOperation are recoverable at the transport level.
func Fatal(err error) bool {
	return errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrLogGap) ||
		errors.Is(err, ErrConcurrencyAmbiguous)
}
