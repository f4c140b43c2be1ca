package message

import (
	"fmt"

	"github.com/agentbus/agentbus/internal/runtime/jsoncodec"
)

// Marshal serializes any message kind to its wire form: a single flat JSON
// object whose "type" field names the kind.
func Marshal(msg Message) ([]byte, error) {
	data, err := jsoncodec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("agentbus: encode %s message: %w", msg.Kind(), err)
	}
	return data, nil
}

// Decode rebuilds the concrete message kind from wire bytes using the type
// tag embedded in the payload.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := jsoncodec.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("agentbus: decode message: %w", err)
	}

	msg, err := NewOfType(probe.Type)
	if err != nil {
		return nil, err
	}
	if err := jsoncodec.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("agentbus: decode %s message: %w", probe.Type, err)
	}
	return msg, nil
}

// NewOfType returns an empty message of the given kind, ready to be
// unmarshaled into.
func NewOfType(t Type) (Message, error) {
	switch t {
	case TypeRequest:
		return &Request{}, nil
	case TypeResponse:
		return &Response{}, nil
	case TypeError:
		return &ErrorMessage{}, nil
	case TypeStatus:
		return &StatusUpdate{}, nil
	case TypeContext:
		return &ContextUpdate{}, nil
	case TypeHeartbeat:
		return &Heartbeat{}, nil
	case TypeControl:
		return &Control{}, nil
	default:
		return nil, fmt.Errorf("agentbus: unknown message type %q", t)
	}
}

// SizeBytes reports the serialized size of the message.
func SizeBytes(msg Message) (int, error) {
	return jsoncodec.Size(msg)
}
