// Package plugin maps resolved model names to third-party completion
// backends and emulates streaming over their one-shot responses.
package plugin

import (
	"context"
	"path"
	"strings"
	"sync/atomic"

	"chatrelay/internal/domain"
)

// Completer is the one-shot completion contract a plugin backend fulfills.
// It returns the complete message body; there is no partial output.
type Completer interface {
	Complete(ctx context.Context, model string, messages []domain.Message, options domain.GenerateOptions) (string, error)
}

// Descriptor binds a completion backend to the model-name patterns it
// serves. Patterns are path.Match globs; a pattern that fails to parse is
// compared literally.
type Descriptor struct {
	ID            string
	ModelPatterns []string
	Completer     Completer
}

// Matches reports whether the descriptor serves the given model name.
func (d *Descriptor) Matches(model string) bool {
	for _, pattern := range d.ModelPatterns {
		ok, err := path.Match(pattern, model)
		if err == nil && ok {
			return true
		}
		if err != nil && strings.EqualFold(pattern, model) {
			return true
		}
	}
	return false
}

// Registry holds the published descriptors. Reads are lock-free; updates
// publish a fresh snapshot so in-flight turns keep a consistent view.
type Registry struct {
	snapshot atomic.Pointer[[]*Descriptor]
}

// NewRegistry creates a registry with an initial descriptor set.
func NewRegistry(descriptors ...*Descriptor) *Registry {
	r := &Registry{}
	r.Publish(descriptors)
	return r
}

// Publish replaces the descriptor set.
func (r *Registry) Publish(descriptors []*Descriptor) {
	snapshot := make([]*Descriptor, len(descriptors))
	copy(snapshot, descriptors)
	r.snapshot.Store(&snapshot)
}

// Find returns the first descriptor whose patterns match the model name, or
// nil when no plugin serves it. A nil result is not an error; the caller
// proceeds with the native backend.
func (r *Registry) Find(model string) *Descriptor {
	for _, d := range *r.snapshot.Load() {
		if d.Matches(model) {
			return d
		}
	}
	return nil
}
