package push

import (
	"encoding/json"
	"fmt"
)

// Inbound is a decoded client frame.
type Inbound interface{ isInbound() }

// Authenticate is the first frame a client must send.
type Authenticate struct {
	Token string
}

// Subscribe asks for events on a topic.
type Subscribe struct {
	Topic string
}

// Unsubscribe stops events on a topic.
type Unsubscribe struct {
	Topic string
}

// Ping is an application-level liveness probe.
type Ping struct{}

func (Authenticate) isInbound() {}
func (Subscribe) isInbound()    {}
func (Unsubscribe) isInbound()  {}
func (Ping) isInbound()         {}

// wireFrame is the JSON envelope for both directions.
type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeInbound parses a client frame into its variant.
func DecodeInbound(data []byte) (Inbound, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch f.Type {
	case "authenticate":
		var p struct {
			Token string `json:"token"`
		}
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		return Authenticate{Token: p.Token}, nil
	case "subscribe":
		var p struct {
			Topic string `json:"topic"`
		}
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		return Subscribe{Topic: p.Topic}, nil
	case "unsubscribe":
		var p struct {
			Topic string `json:"topic"`
		}
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		return Unsubscribe{Topic: p.Topic}, nil
	case "ping":
		return Ping{}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// encodeFrame builds an outbound frame. Marshal failures cannot happen
// for the payload shapes used here, so the error is swallowed.
func encodeFrame(frameType string, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	data, _ := json.Marshal(wireFrame{Type: frameType, Payload: raw})
	return data
}

// Outbound frame constructors.

func frameAuthSuccess(userID string) []byte {
	return encodeFrame("auth_success", map[string]string{"user_id": userID})
}

func frameAuthError(reason string) []byte {
	return encodeFrame("auth_error", map[string]string{"reason": reason})
}

func frameSubscribed(topic string) []byte {
	return encodeFrame("subscribed", map[string]string{"topic": topic})
}

func frameUnsubscribed(topic string) []byte {
	return encodeFrame("unsubscribed", map[string]string{"topic": topic})
}

func framePong() []byte {
	return encodeFrame("pong", nil)
}

func frameError(message string) []byte {
	return encodeFrame("error", map[string]string{"message": message})
}

// EncodeEvent builds a domain event frame for a topic, e.g.
// {"type":"conversation_progress","payload":{...}}.
func EncodeEvent(eventType string, payload map[string]any) []byte {
	return encodeFrame(eventType, payload)
}
