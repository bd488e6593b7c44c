package ftl

import "github.com/pkg/errors"

// Kind classifies an FTL-level error for propagation policy.
type Kind int

const (
	// InvalidInput: logical address out of range, nil mapping entry,
	// oversized bio. Fails the calling host request with EIO; ABM
	// state is not mutated.
	InvalidInput Kind = iota
	// Resource: no free block available, request pool exhausted,
	// pending queue full. Triggers GC (if not already running) and
	// retries with bounded back-off; on persistent failure, EIO.
	Resource
	// Device: low-level make_req failure, erase failure (converts the
	// block to BAD). Reported back to the requester.
	Device
	// Programming: a violated invariant. Unrecoverable; callers
	// should let this panic rather than handle it as a Kind.
	Programming
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "INVALID_INPUT"
	case Resource:
		return "RESOURCE"
	case Device:
		return "DEVICE"
	case Programming:
		return "PROGRAMMING"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a Kind with context. Programming errors are never
// constructed as Error values -- they panic at the point of violation.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.Kind.String() + ": " + e.msg + ": " + e.err.Error()
	}
	return e.Kind.String() + ": " + e.msg
}

func (e *Error) Unwrap() error { return e.err }

// EIO is the sentinel surfaced to callers on an unrecoverable I/O
// failure; hosts compare against it with errors.Is.
var EIO = errors.New("ftl: EIO")

func newErr(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, msg: msg, err: err}
}
