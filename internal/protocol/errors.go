package protocol

import "fmt"

// ErrorKind classifies protocol errors, separating a single corrupt frame
// (recoverable: the decoder skips it and keeps stream alignment) from a
// corrupt stream (fatal: the session must be torn down).
type ErrorKind int

const (
	// InvalidHeader is a structurally broken header. Fatal: with a garbage
	// header there is no trustworthy payload length to realign on.
	InvalidHeader ErrorKind = iota

	// OversizedPayload is a declared payload length above MaxPayloadSize.
	// Fatal for the same reason as InvalidHeader.
	OversizedPayload

	// UnknownFrameKind is a kind value this version does not recognize but
	// with an otherwise sane header. Recoverable: the decoder skips the
	// declared payload and resumes at the next header.
	UnknownFrameKind

	// BadVersion is a header carrying an unsupported protocol version. Fatal.
	BadVersion
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidHeader:
		return "invalid header"
	case OversizedPayload:
		return "oversized payload"
	case UnknownFrameKind:
		return "unknown frame kind"
	case BadVersion:
		return "bad version"
	default:
		return fmt.Sprintf("error kind(%d)", int(k))
	}
}

// Error is a protocol-level decode or validation failure.
type Error struct {
	Kind ErrorKind
	msg  string
}

func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Kind, e.msg)
}

// Fatal reports whether the error poisons the stream, forcing session
// teardown, as opposed to a single skippable frame.
func (e *Error) Fatal() bool {
	return e.Kind != UnknownFrameKind
}
