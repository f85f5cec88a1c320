package websocket

import "time"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Rack messages
	MessageTypeWheelMoved    MessageType = "wheel_moved"
	MessageTypeSelection     MessageType = "selection"
	MessageTypeRackRefreshed MessageType = "rack_refreshed"

	// Instrument messages
	MessageTypeShutterChanged MessageType = "shutter_changed"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"

	// Session messages, sent to a single client
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeError       MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// AuthData is the payload of auth_success.
type AuthData struct {
	Subject     string   `json:"subject"`
	Permissions []string `json:"permissions"`
}

// ErrorData is the payload of auth_failed and error.
type ErrorData struct {
	Reason string `json:"reason"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewEventMessage wraps an event that already carries its own timestamp.
func NewEventMessage(msgType MessageType, at time.Time, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: at,
		Data:      data,
	}
}
