package ws

import (
	"errors"
	"fmt"
)

var (
	ErrNotIdle   = errors.New("ws: session is not idle")
	ErrNotLive   = errors.New("ws: session is not live")
	ErrNoSymbols = errors.New("ws: no symbols given")
)

type StreamErrorKind int

const (
	HandshakeTimeout StreamErrorKind = iota + 1
	ConnectionLost
	TransportWriteFailure
	// DialFailure means the socket never opened.
	DialFailure
	// IdleTimeout means the watchdog closed a connection that stopped delivering frames.
	IdleTimeout
	// ConnectRejected means the server answered the connect frame with a non-OK status.
	ConnectRejected
)

func (k StreamErrorKind) String() string {
	switch k {
	case HandshakeTimeout:
		return "handshake timeout"
	case ConnectionLost:
		return "connection lost"
	case TransportWriteFailure:
		return "transport write failure"
	case DialFailure:
		return "dial failure"
	case IdleTimeout:
		return "idle timeout"
	case ConnectRejected:
		return "connect rejected"
	default:
		return "stream error"
	}
}

// Sentinels matched by errors.Is against a *StreamError of the same kind.
var (
	ErrHandshakeTimeout      = errors.New("handshake timeout")
	ErrConnectionLost        = errors.New("connection lost")
	ErrTransportWriteFailure = errors.New("transport write failure")
	ErrDialFailure           = errors.New("dial failure")
	ErrIdleTimeout           = errors.New("idle timeout")
	ErrConnectRejected       = errors.New("connect rejected")
)

type StreamError struct {
	Kind StreamErrorKind
	Err  error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return "ws: " + e.Kind.String()
	}
	return fmt.Sprintf("ws: %s: %v", e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

func (e *StreamError) Is(target error) bool {
	switch target {
	case ErrHandshakeTimeout:
		return e.Kind == HandshakeTimeout
	case ErrConnectionLost:
		return e.Kind == ConnectionLost
	case ErrTransportWriteFailure:
		return e.Kind == TransportWriteFailure
	case ErrDialFailure:
		return e.Kind == DialFailure
	case ErrIdleTimeout:
		return e.Kind == IdleTimeout
	case ErrConnectRejected:
		return e.Kind == ConnectRejected
	}
	return false
}

// reason labels a close error for metrics and logs.
func reason(err error) string {
	var serr *StreamError
	if errors.As(err, &serr) {
		switch serr.Kind {
		case HandshakeTimeout:
			return "handshake_timeout"
		case ConnectionLost:
			return "connection_lost"
		case TransportWriteFailure:
			return "write_failure"
		case DialFailure:
			return "dial_failure"
		case IdleTimeout:
			return "idle_timeout"
		case ConnectRejected:
			return "connect_rejected"
		}
	}
	if err == nil {
		return "disconnect"
	}
	return "error"
}
