// Package embed turns record text into vectors for semantic recall.
//
// Embedding is an enrichment, not a dependency: every caller in this module
// must keep working when the provider is down or disabled, so providers
// report failures by wrapping apperr.ErrEmbeddingUnavailable and callers
// decide whether that degrades a capture or fails a vector query.
package embed

import (
	"context"
	"fmt"

	"github.com/starford/munin/internal/apperr"
)

// Embedder produces a fixed-dimension vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions reports the configured vector width, 0 when the model
	// default is used.
	Dimensions() int
}

// New builds the provider named in configuration. Provider "none" (or empty)
// disables embedding entirely; callers receive a nil Embedder and operate
// keyword-only. An empty apiKey falls back to the provider's environment
// variable.
func New(provider, apiKey string, opts ...Option) (Embedder, error) {
	switch provider {
	case "", "none":
		return nil, nil
	case "openai":
		return NewOpenAI(apiKey, opts...)
	default:
		return nil, fmt.Errorf("embed: unknown provider %q: %w", provider, apperr.ErrValidation)
	}
}
