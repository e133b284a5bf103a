// Package domain defines the core chat entities shared across the relay.
package domain

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// AnonymousUserID is the identity used when a connection carries no
// verifiable credential. Deployments without auth run entirely under it.
const AnonymousUserID = "default_user"

// Session is a chat session owned by a single user. Model holds either a
// literal backend model name or a persona reference ("persona:<id>").
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single entry in a session transcript. Assistant message IDs
// are chosen by the client so streamed chunks can be correlated; user message
// IDs are generated server-side. Once an assistant message is appended it is
// immutable.
type Message struct {
	MessageID string      `json:"message_id"`
	SessionID string      `json:"session_id"`
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	Images    []string    `json:"images,omitempty"`
	Model     string      `json:"model,omitempty"`
	Stats     *Statistics `json:"stats,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Statistics holds backend-reported counters for a completed generation.
// Durations are stored in nanoseconds as reported by the backend; the derived
// tokens-per-second figure is rounded to two decimals and omitted when either
// input counter is missing.
type Statistics struct {
	TotalDuration      int64     `json:"total_duration,omitempty"`
	LoadDuration       int64     `json:"load_duration,omitempty"`
	PromptEvalCount    int       `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64     `json:"prompt_eval_duration,omitempty"`
	EvalCount          int       `json:"eval_count,omitempty"`
	EvalDuration       int64     `json:"eval_duration,omitempty"`
	TokensPerSecond    float64   `json:"tokens_per_second,omitempty"`
	Model              string    `json:"model,omitempty"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// Persona is a named model-plus-behavior bundle a session can reference
// instead of a literal model name. Only resolution is consumed here; persona
// management lives elsewhere.
type Persona struct {
	PersonaID    string `json:"persona_id"`
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// PersonaModelPrefix marks a session model identifier as a persona reference.
const PersonaModelPrefix = "persona:"
