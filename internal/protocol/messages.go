// Package protocol defines the WebSocket message protocol between clients
// and the relay.
package protocol

import (
	"encoding/json"

	"chatrelay/internal/domain"
)

// Message types from client to server
const (
	TypeChatStream = "chat_stream"
	TypeStop       = "stop"
)

// Message types from server to client
const (
	TypeConnected         = "connected"
	TypeUserMessage       = "user_message"
	TypeAssistantChunk    = "assistant_chunk"
	TypeAssistantComplete = "assistant_complete"
	TypeError             = "error"
)

// Error codes
const (
	ErrorCodeInvalidMessage    = "INVALID_MESSAGE"
	ErrorCodeSessionNotFound   = "SESSION_NOT_FOUND"
	ErrorCodeModelAccessDenied = "MODEL_ACCESS_DENIED"
	ErrorCodeGenerationFailed  = "GENERATION_FAILED"
	ErrorCodePersistenceFailed = "PERSISTENCE_FAILED"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts,omitempty"`
}

// ChatStreamMessage is sent by the client to start a turn.
type ChatStreamMessage struct {
	BaseMessage
	Data domain.TurnRequest `json:"data"`
}

// StopMessage asks the server to stop relaying chunks for a turn. It does
// not cancel the in-flight backend call.
type StopMessage struct {
	BaseMessage
	Data struct {
		MessageID string `json:"messageId"`
	} `json:"data"`
}

// ConnectedMessage is sent once after a successful upgrade.
type ConnectedMessage struct {
	BaseMessage
	UserID string `json:"userId"`
}

// UserMessageEvent echoes the stored user message back to the client.
type UserMessageEvent struct {
	BaseMessage
	Message domain.Message `json:"message"`
}

// AssistantChunkEvent carries one incremental unit of generated text. Total
// is the cumulative text so far; clients may render either field.
type AssistantChunkEvent struct {
	BaseMessage
	Content   string `json:"content"`
	Total     string `json:"total"`
	Done      bool   `json:"done"`
	MessageID string `json:"messageId"`
}

// AssistantCompleteEvent carries the final persisted assistant message.
// Statistics are present on the native path only.
type AssistantCompleteEvent struct {
	BaseMessage
	Message domain.Message `json:"message"`
}

// ErrorEvent reports a turn failure. The connection stays open.
type ErrorEvent struct {
	BaseMessage
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// RawMessage is used to sniff the type before full decoding.
type RawMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}
