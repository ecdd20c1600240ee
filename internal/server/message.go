package server

import "encoding/json"

// Command represents an incoming JSON command from a WebSocket client.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message represents an outgoing JSON message sent to WebSocket clients.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	Raw     []byte      `json:"-"` // inbound frame, set for handlers
}

// NewMessage creates a new structured Message for broadcasting to clients.
func NewMessage(msgType string, payload interface{}) Message {
	return Message{Type: msgType, Payload: payload}
}

// Outgoing message types.
const (
	MsgPlaybackStatus = "playback_status"
	MsgSettings       = "settings"
	MsgVideoList      = "video_list"
	MsgCommandResult  = "command_result"
)
