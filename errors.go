package norm

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel errors for routine, expected rejections. These are not wrapped
// with stack traces (they are normal control flow, not system-boundary
// failures) and are returned from the hot path, so callers can compare
// with errors.Is.
var (
	errUnknownSender    = errors.New("norm: unknown sender")
	errBitmapOutOfRange = errors.New("norm: object id outside pending window")
	errPoolExhausted    = errors.New("norm: buffer pool exhausted")
	errMalformedRepair  = errors.New("norm: malformed repair range")
	errMissingFTI       = errors.New("norm: missing FEC transport info on first DATA")
	errUnsupportedFEC   = errors.New("norm: unsupported FEC id/m combination")
	errCmdTooLarge      = errors.New("norm: command content exceeds segment size")
	errBufferTooSmall   = errors.New("norm: buffer too small")
)

// ErrKind classifies an error per the §7 error taxonomy, so the controller
// can decide the logging level and whether the operation is retryable.
type ErrKind uint8

const (
	ErrKindConfig ErrKind = iota + 1
	ErrKindResource
	ErrKindProtocol
	ErrKindSync
	ErrKindFatal
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindConfig:
		return "config"
	case ErrKindResource:
		return "resource"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindSync:
		return "sync"
	case ErrKindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ProtocolError wraps an underlying cause with the §7 classification and,
// for ErrKindFatal/ErrKindConfig cases that cross a system boundary (buffer
// allocation, FEC decoder construction), a stack trace via pkg/errors so the
// log line carries more than a one-line message.
type ProtocolError struct {
	Kind  ErrKind
	cause error
}

func (e *ProtocolError) Error() string { return e.Kind.String() + ": " + e.cause.Error() }
func (e *ProtocolError) Unwrap() error { return e.cause }

// newProtoErr classifies cause without adding a stack trace: used for
// routine, frequent rejections (protocol violations seen on most
// messages received from a misbehaving sender) where a stack trace would
// just be noise.
func newProtoErr(kind ErrKind, cause error) *ProtocolError {
	return &ProtocolError{Kind: kind, cause: cause}
}

// wrapBoundary adds a stack trace to cause via pkg/errors and classifies it.
// Used for the FEC decoder selection and initialization failures in
// Sender.allocateBuffers; normcfg.Load returns its file and YAML errors
// unwrapped.
func wrapBoundary(kind ErrKind, cause error, msg string) *ProtocolError {
	return &ProtocolError{Kind: kind, cause: pkgerrors.Wrap(cause, msg)}
}
