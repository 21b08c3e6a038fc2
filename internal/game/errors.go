package game

import (
	"context"
	"errors"
	"fmt"

	"github.com/ascpixi/ai-warden/internal/selection"
	"github.com/ascpixi/ai-warden/pkg/provider/llm"
)

// Kind classifies a failed handshake or turn.
type Kind int

const (
	// KindInternal is a server-side fault: a broken invariant or a
	// programming error.
	KindInternal Kind = iota

	// KindInvalidInput rejects a structurally invalid request.
	KindInvalidInput

	// KindUntrusted rejects a client that failed human verification or
	// presented an invalid trust token.
	KindUntrusted

	// KindIntegrity rejects a transcript whose tag does not verify.
	KindIntegrity

	// KindUpstream reports that no model backend could be reached.
	KindUpstream

	// KindExhausted reports that every attempt produced an unacceptable
	// response.
	KindExhausted
)

var kindNames = map[Kind]string{
	KindInternal:     "internal",
	KindInvalidInput: "invalid_input",
	KindUntrusted:    "untrusted",
	KindIntegrity:    "integrity",
	KindUpstream:     "upstream",
	KindExhausted:    "exhausted",
}

// String returns the snake_case name used in logs and metric attributes.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Public messages returned to clients. They never carry vendor or
// cryptographic detail.
const (
	MsgInvalidInput   = "Invalid request"
	MsgUntrustedToken = "Invalid or expired trust token"
	MsgUntrustedHuman = "Human verification failed"
	MsgIntegrity      = "Transcript integrity check failed"
	MsgUpstream       = "The warden is unreachable right now, try again later"
	MsgExhausted      = "The warden could not come up with a reply, try again"
	MsgInternal       = "Internal server error"
)

// Error is the error type returned by [Service.Handshake] and [Service.Turn].
// Err carries the detailed cause for logs; [Error.Message] is safe to show
// to clients.
type Error struct {
	Kind Kind
	Err  error

	// msg overrides the default public message for Kind.
	msg string
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrUntrusted    = &Error{Kind: KindUntrusted}
	ErrIntegrity    = &Error{Kind: KindIntegrity}
	ErrUpstream     = &Error{Kind: KindUpstream}
	ErrExhausted    = &Error{Kind: KindExhausted}
	ErrInternal     = &Error{Kind: KindInternal}
)

func (e *Error) Error() string {
	if e.Err == nil {
		return "game: " + e.Kind.String()
	}
	return fmt.Sprintf("game: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Message returns the fixed client-facing message.
func (e *Error) Message() string {
	if e.msg != "" {
		return e.msg
	}
	switch e.Kind {
	case KindInvalidInput:
		return MsgInvalidInput
	case KindUntrusted:
		return MsgUntrustedHuman
	case KindIntegrity:
		return MsgIntegrity
	case KindUpstream:
		return MsgUpstream
	case KindExhausted:
		return MsgExhausted
	default:
		return MsgInternal
	}
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Err: fmt.Errorf(format, args...)}
}

func untrustedHuman(reason string) *Error {
	return &Error{Kind: KindUntrusted, Err: errors.New(reason), msg: MsgUntrustedHuman}
}

func untrustedToken() *Error {
	return &Error{Kind: KindUntrusted, Err: errors.New("trust token rejected"), msg: MsgUntrustedToken}
}

// classify maps an error from the selection engine onto a Kind.
func classify(err error) *Error {
	switch {
	case errors.Is(err, selection.ErrExhausted):
		return &Error{Kind: KindExhausted, Err: err}
	case errors.Is(err, llm.ErrInvalidConversation):
		return &Error{Kind: KindInternal, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindInternal, Err: err}
	default:
		// Transport failures, open circuits and turn timeouts.
		return &Error{Kind: KindUpstream, Err: err}
	}
}
