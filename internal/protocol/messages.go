package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies console websocket payload variants.
type MessageType string

const (
	TypeInboundText     MessageType = "inbound_text"
	TypeOutboundMessage MessageType = "outbound_message"
	TypeTurnResult      MessageType = "turn_result"
	TypeErrorEvent      MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// InboundText is sent by a console to play the part of a contact.
type InboundText struct {
	Type      MessageType `json:"type"`
	ContactID string      `json:"contact_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

// OutboundMessage carries one delivered outbox job to a console.
type OutboundMessage struct {
	Type        MessageType       `json:"type"`
	JobID       string            `json:"job_id"`
	Destination string            `json:"destination"`
	Kind        string            `json:"kind"`
	Text        string            `json:"text,omitempty"`
	URL         string            `json:"url,omitempty"`
	Caption     string            `json:"caption,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// TurnResult acknowledges an InboundText with the number of actions it
// produced. Zero means the turn was dropped.
type TurnResult struct {
	Type      MessageType `json:"type"`
	ContactID string      `json:"contact_id"`
	Actions   int         `json:"actions"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeInboundText:
		var msg InboundText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.ContactID = strings.TrimSpace(msg.ContactID)
		if msg.ContactID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid inbound_text")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
