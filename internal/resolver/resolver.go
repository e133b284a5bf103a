// Package resolver maps a session's configured model identifier to a
// backend model name, dereferencing persona indirections.
package resolver

import (
	"context"
	"strings"

	"chatrelay/internal/domain"
	"chatrelay/pkg/logger"
)

// PersonaLookup resolves a persona id for a user. Implementations fall back
// to the default identity's persona of the same id.
type PersonaLookup interface {
	GetPersona(ctx context.Context, personaID, userID string) (*domain.Persona, error)
}

// Strategy attempts one way of resolving the configured identifier. It
// returns the resolved model and true, or defers to the next strategy.
type Strategy interface {
	Resolve(ctx context.Context, configured, userID string) (string, bool)
}

// Resolver runs an ordered strategy list. Resolution never fails: the final
// strategy always yields the configured identifier unchanged.
type Resolver struct {
	strategies []Strategy
}

// New builds the default chain: persona dereference, then literal.
func New(personas PersonaLookup) *Resolver {
	return &Resolver{
		strategies: []Strategy{
			&personaStrategy{personas: personas},
			literalStrategy{},
		},
	}
}

// Resolve returns the effective backend model name for a session.
func (r *Resolver) Resolve(ctx context.Context, session *domain.Session, userID string) string {
	for _, s := range r.strategies {
		if model, ok := s.Resolve(ctx, session.Model, userID); ok {
			return model
		}
	}
	return session.Model
}

// personaStrategy dereferences "persona:<id>" identifiers. It defers when
// the identifier is literal, when the persona is missing, or when the
// persona declares no model — a failed dereference never fails the turn.
type personaStrategy struct {
	personas PersonaLookup
}

func (p *personaStrategy) Resolve(ctx context.Context, configured, userID string) (string, bool) {
	personaID, ok := strings.CutPrefix(configured, domain.PersonaModelPrefix)
	if !ok {
		return "", false
	}

	persona, err := p.personas.GetPersona(ctx, personaID, userID)
	if err != nil {
		logger.L.Warn("persona lookup failed, using configured identifier",
			"persona_id", personaID, "user_id", userID, "error", err)
		return "", false
	}
	if persona == nil || persona.Model == "" {
		logger.L.Warn("persona did not resolve to a model, using configured identifier",
			"persona_id", personaID, "user_id", userID)
		return "", false
	}
	return persona.Model, true
}

// literalStrategy terminates the chain: the identifier is the model.
type literalStrategy struct{}

func (literalStrategy) Resolve(ctx context.Context, configured, userID string) (string, bool) {
	return configured, true
}
