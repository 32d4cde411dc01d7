// Package rerr defines the abstract error taxonomy shared by the codec,
// the SOCKS5 parser, the async TCP connection, and the channel state
// machine. Errors are classified by Kind rather than by concrete type so
// that callers can branch on "what went wrong" without importing every
// package that can produce one.
package rerr

import "github.com/pkg/errors"

// Kind classifies an error into one of the abstract categories used
// throughout the session. It intentionally has no relation to any
// specific Go type; two unrelated packages can produce the same Kind.
type Kind int

const (
	Unknown Kind = iota
	InvalidArgument
	SocketError
	ConnectionReset
	ConnectionRefused
	ConnectionTimeout
	HostUnreachable
	NetworkUnreachable
	DNSResolutionFailed
	TransportHandshakeFailed
	TransportDisconnected
	ProtocolError
	BufferTooSmall
	ChannelNotFound
	ChannelClosed
	WindowExhausted
	Socks5AuthFailure
	Socks5UnsupportedCommand
	Socks5UnsupportedAddressType
	Shutdown
	IOIncomplete
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case SocketError:
		return "SocketError"
	case ConnectionReset:
		return "ConnectionReset"
	case ConnectionRefused:
		return "ConnectionRefused"
	case ConnectionTimeout:
		return "ConnectionTimeout"
	case HostUnreachable:
		return "HostUnreachable"
	case NetworkUnreachable:
		return "NetworkUnreachable"
	case DNSResolutionFailed:
		return "DnsResolutionFailed"
	case TransportHandshakeFailed:
		return "TransportHandshakeFailed"
	case TransportDisconnected:
		return "TransportDisconnected"
	case ProtocolError:
		return "ProtocolError"
	case BufferTooSmall:
		return "BufferTooSmall"
	case ChannelNotFound:
		return "ChannelNotFound"
	case ChannelClosed:
		return "ChannelClosed"
	case WindowExhausted:
		return "WindowExhausted"
	case Socks5AuthFailure:
		return "Socks5AuthFailure"
	case Socks5UnsupportedCommand:
		return "Socks5UnsupportedCommand"
	case Socks5UnsupportedAddressType:
		return "Socks5UnsupportedAddressType"
	case Shutdown:
		return "Shutdown"
	case IOIncomplete:
		return "IoIncomplete"
	default:
		return "Unknown"
	}
}

// Error pairs a Kind with an underlying cause, wrapped through
// github.com/pkg/errors so the point of origin keeps a stack trace.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Cause returns the underlying error, satisfying pkg/errors' causer
// interface so errors.Cause(err) keeps working across this boundary.
func (e *Error) Cause() error { return e.cause }

// New creates a Kind-classified error with a message, capturing a stack
// trace at the call site.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// Wrap classifies an existing error under Kind, preserving it as the cause.
// If err is nil, Wrap returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, msg)}
}

// Is reports whether err (or any error in its chain) is classified as kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf extracts the Kind classifying err, or Unknown if err was never
// wrapped by this package.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return Unknown
		}
		err = u.Unwrap()
	}
	return Unknown
}
