package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl     MessageType = "client_control"
	TypeClientText        MessageType = "client_text"
	TypeSessionState      MessageType = "session_state"
	TypeTranscriptMessage MessageType = "transcript_message"
	TypeNotification      MessageType = "notification"
	TypeErrorEvent        MessageType = "error_event"
)

const (
	ActionStart   = "start"
	ActionEnd     = "end"
	ActionDismiss = "dismiss"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	Action    string      `json:"action"`
	PatientID string      `json:"patient_id,omitempty"`
}

// ClientText is a typed user turn forwarded to the live conversation.
type ClientText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type SessionState struct {
	Type           MessageType `json:"type"`
	State          string      `json:"state"`
	PatientID      string      `json:"patient_id,omitempty"`
	SessionID      string      `json:"session_id,omitempty"`
	ElapsedSeconds int         `json:"elapsed_seconds"`
	LastError      string      `json:"last_error,omitempty"`
	Messages       int         `json:"messages"`
}

type TranscriptMessage struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Seq       uint64      `json:"seq"`
	Role      string      `json:"role"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

type Notification struct {
	Type       MessageType `json:"type"`
	PatientID  string      `json:"patient_id"`
	EventKind  string      `json:"event_kind"`
	OccurredAt time.Time   `json:"occurred_at"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func NewErrorEvent(code, detail string) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, Code: code, Detail: detail}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionStart:
			if strings.TrimSpace(msg.PatientID) == "" {
				return nil, errors.New("invalid client_control: start requires patient_id")
			}
		case ActionEnd, ActionDismiss:
		default:
			return nil, fmt.Errorf("invalid client_control: unknown action %q", msg.Action)
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_text")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
