package parser

import (
	"errors"
	"fmt"
)

type ProtocolErrorKind int

const (
	MalformedFrame ProtocolErrorKind = iota + 1
	UnknownFrameType
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case MalformedFrame:
		return "malformed frame"
	case UnknownFrameType:
		return "unknown frame type"
	default:
		return "protocol error"
	}
}

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// ProtocolError reports an inbound frame that could not be routed. It is never
// fatal to the feed.
type ProtocolError struct {
	Kind  ProtocolErrorKind
	Tag   string
	Frame []byte
	Err   error
}

func (e *ProtocolError) Error() string {
	msg := e.Kind.String()
	if e.Tag != "" {
		msg += fmt.Sprintf(" %q", e.Tag)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool {
	switch target {
	case ErrMalformedFrame:
		return e.Kind == MalformedFrame
	case ErrUnknownFrameType:
		return e.Kind == UnknownFrameType
	}
	return false
}
