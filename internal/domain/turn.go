package domain

import "encoding/json"

// GenerateOptions are per-turn overrides passed through to the generation
// backend untouched. Keys follow the native backend's option names
// (temperature, num_ctx, ...).
type GenerateOptions map[string]interface{}

// TurnRequest is one inbound chat turn as received over the wire.
// AssistantMessageID is chosen by the client so it can correlate streamed
// chunks with the message it is rendering.
type TurnRequest struct {
	SessionID          string          `json:"sessionId"`
	Content            string          `json:"content"`
	Images             []string        `json:"images,omitempty"`
	Format             json.RawMessage `json:"format,omitempty"`
	Options            GenerateOptions `json:"options,omitempty"`
	AssistantMessageID string          `json:"assistantMessageId"`
}

// TurnContext is the request-scoped state of one in-flight turn. It is
// created when a turn message arrives and discarded at the terminal event;
// it is never shared across turns or connections.
type TurnContext struct {
	Session       *Session
	UserID        string
	RawText       string
	AugmentedText string
	Images        []string
	Format        json.RawMessage
	Options       GenerateOptions
	ResolvedModel string
	// CorrelationID is the client-supplied assistant message id.
	CorrelationID string
	// Buffer accumulates streamed output; authoritative content is whatever
	// was persisted, not what the client rendered.
	Buffer []byte
}

// Augmented returns the text to feed the backend: the retrieval-augmented
// text when snippets were found, the raw user text otherwise.
func (tc *TurnContext) Augmented() string {
	if tc.AugmentedText != "" {
		return tc.AugmentedText
	}
	return tc.RawText
}
