package errs

import (
	"errors"
	"fmt"
)

// Kind is the normalized error class surfaced to the orchestration layer.
// Vendor-specific error shapes never cross the provider boundary; they are
// mapped into one of these kinds first.
type Kind int

const (
	// KindUnknown is an unclassified error. Treated as terminal.
	KindUnknown Kind = iota
	// KindTransient covers timeouts, throttling and 5xx responses.
	// Operations failing with a transient error are retried automatically.
	KindTransient
	// KindAuthFailure covers expired or invalid credentials. Triggers a
	// single credential refresh before the next attempt.
	KindAuthFailure
	// KindPermissionDenied means the caller lacks rights. Never retried.
	KindPermissionDenied
	// KindNotFound means the object or key does not exist. Delete treats
	// this as success; get and key operations surface it as an error.
	KindNotFound
	// KindInvalidArgument covers malformed locations, specs or config.
	KindInvalidArgument
	// KindExhausted means the retry budget was consumed. The last
	// underlying error is retained so callers can distinguish "gave up"
	// from "vendor said no".
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthFailure:
		return "auth_failure"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Error carries enough context for the caller to log and decide on
// recovery: the operation kind, the location or identifier it targeted,
// the normalized kind, and the underlying cause.
type Error struct {
	Op     string // e.g. "s3.put", "kms.generate_data_key"
	Target string // object key, key id, prefix...
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %q: %s: %v", e.Op, e.Target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with operation context and a normalized kind. A nil err
// returns nil so call sites can wrap unconditionally.
func E(op, target string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Target: target, Kind: kind, Err: err}
}

// Exhausted wraps the last error observed when a retry budget ran out.
func Exhausted(op, target string, attempts int, last error) error {
	return &Error{
		Op:     op,
		Target: target,
		Kind:   KindExhausted,
		Err:    fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, last),
	}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err normalizes to kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
