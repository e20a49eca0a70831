package websocket

import (
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/events"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Server to client
	MessageTypeEvent        MessageType = "event"
	MessageTypeSystemStatus MessageType = "system_status"
	MessageTypeAuthSuccess  MessageType = "auth_success"
	MessageTypePong         MessageType = "pong"
	MessageTypeError        MessageType = "error"

	// Client to server
	MessageTypeAuth   MessageType = "auth"
	MessageTypeStatus MessageType = "status"
	MessageTypePing   MessageType = "ping"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source,omitempty"`
	Data      any         `json:"data,omitempty"`
}

// EventData carries one bus event. Kind is the event's wire name, for
// example "phiMotorMoved" or "minidiffPhaseChanged".
type EventData struct {
	ID      string       `json:"id"`
	Kind    string       `json:"kind"`
	Payload events.Event `json:"payload"`
}

type AuthData struct {
	Username    string   `json:"username,omitempty"`
	Permissions []string `json:"permissions"`
}

// ClientMessage is what clients send. Token is only read from auth messages.
type ClientMessage struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewEventMessage(env events.Envelope) Message {
	return Message{
		Type:      MessageTypeEvent,
		Timestamp: env.Timestamp,
		Source:    env.Source,
		Data: EventData{
			ID:      env.ID.String(),
			Kind:    env.Event.Kind(),
			Payload: env.Event,
		},
	}
}

func NewErrorMessage(reason string) Message {
	return NewMessage(MessageTypeError, map[string]string{"reason": reason})
}
