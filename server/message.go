package server

import "encoding/json"

// Message types exchanged over WebSocket. The relay treats Data as opaque
// bytes; envelope semantics belong to the publishing clients.
const (
	// Client to server.
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPublish     = "publish"

	// Server to client.
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgMessage      = "message"
	MsgError        = "error"
)

// ClientMessage is a message from client to server.
type ClientMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
