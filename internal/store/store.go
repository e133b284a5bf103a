// Package store owns chat sessions and their transcripts.
package store

import (
	"context"
	"errors"

	"chatrelay/internal/domain"
)

// ErrSessionNotFound is returned when a session does not exist or is not
// owned by the requesting user. The two cases are deliberately
// indistinguishable to callers.
var ErrSessionNotFound = errors.New("session not found")

// Store provides ownership-checked access to sessions and messages.
// Implementations must serialize appends per session id; appends to
// different sessions may run fully concurrently.
type Store interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	// GetOwnedSession returns the session only when it belongs to userID.
	GetOwnedSession(ctx context.Context, sessionID, userID string) (*domain.Session, error)
	// AppendMessage appends to the session transcript and bumps the
	// session's updated_at. The write is visible to subsequent reads before
	// AppendMessage returns.
	AppendMessage(ctx context.Context, msg *domain.Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	// GetPersona looks up a persona for userID, falling back to the
	// anonymous default identity's persona of the same id.
	GetPersona(ctx context.Context, personaID, userID string) (*domain.Persona, error)
	UpsertPersona(ctx context.Context, persona *domain.Persona) error
	Close() error
}
