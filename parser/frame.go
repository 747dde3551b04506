package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind classifies an inbound frame by its "t" tag.
type Kind int

const (
	KindUnknown Kind = iota
	KindAcknowledge
	KindTouchline
	KindDepth
	KindOrder
	// KindSubscribeAck covers acknowledgements the session does not act on ("ok").
	KindSubscribeAck
)

func (k Kind) String() string {
	switch k {
	case KindAcknowledge:
		return "acknowledge"
	case KindTouchline:
		return "touchline"
	case KindDepth:
		return "depth"
	case KindOrder:
		return "order"
	case KindSubscribeAck:
		return "subscribe_ack"
	default:
		return "unknown"
	}
}

// Inbound frame tags.
const (
	TagConnectAck   = "ck"
	TagTouchline    = "tf"
	TagTouchlineAck = "tk"
	TagDepth        = "df"
	TagDepthAck     = "dk"
	TagOrder        = "om"
	TagOrderAck     = "ok"
)

// StatusOK is the "s" field of a successful connect acknowledgement.
const StatusOK = "OK"

// tk and dk are the snapshots sent in reply to a subscription; they carry the
// same fields as tf and df, so they go to the same callbacks.
var kindByTag = map[string]Kind{
	TagConnectAck:   KindAcknowledge,
	TagTouchline:    KindTouchline,
	TagTouchlineAck: KindTouchline,
	TagDepth:        KindDepth,
	TagDepthAck:     KindDepth,
	TagOrder:        KindOrder,
	TagOrderAck:     KindSubscribeAck,
}

// Payload is the decoded JSON object of a frame.
type Payload map[string]any

// String returns the field as a string; numbers are formatted without exponent.
func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Message is one decoded inbound frame.
type Message struct {
	Kind    Kind
	Tag     string
	Payload Payload
}

// Decode parses a raw text frame. Frames that are not a JSON object or carry no
// "t" tag yield a MalformedFrame error; unknown tags decode to KindUnknown.
func Decode(data []byte) (Message, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Message{}, &ProtocolError{Kind: MalformedFrame, Frame: data, Err: err}
	}
	if payload == nil {
		return Message{}, &ProtocolError{Kind: MalformedFrame, Frame: data, Err: fmt.Errorf("frame is null")}
	}
	tag, ok := payload["t"].(string)
	if !ok || tag == "" {
		return Message{}, &ProtocolError{Kind: MalformedFrame, Frame: data, Err: fmt.Errorf("missing frame tag")}
	}
	return Message{Kind: kindByTag[tag], Tag: tag, Payload: payload}, nil
}
