// Package llm defines the provider-executor contract and the routing, retry,
// and error-classification layer shared by the Anthropic, Gemini, and Mistral
// executors.
package llm

import (
	"context"
	"encoding/json"

	"github.com/validai/validai-engine/pkg/models"
)

// Request carries everything one provider call needs. The handle is whatever
// Prepare returned for this run's provider; callers never inspect its shape.
type Request struct {
	Operation    models.Operation
	Document     models.DocumentRef
	SystemPrompt string
	Model        string
	Settings     models.ModelSettings
	APIKey       string
	Handle       models.DocumentHandle
}

// Result is the normalized outcome of a single provider call.
type Result struct {
	ResponseText     string
	StructuredOutput json.RawMessage
	// ValidationError is set when the response could not be parsed into the
	// operation type's shape even after the auto-correction pass. The raw
	// text is still returned so the run can continue.
	ValidationError string
	Thinking        []models.ThinkingBlock
	Usage           models.TokenUsage
	CacheHit        bool
	Model           string
	ExecutionTimeMS int64
	// UpdatedHandle is non-nil when the provider issued a fresh reusable
	// reference during the call. Only the serial execution path may adopt it.
	UpdatedHandle *models.DocumentHandle
}

// Executor is implemented once per provider. Execute performs exactly one
// provider call: no retry, no chunk awareness.
type Executor interface {
	Provider() models.Provider
	// Prepare uploads the document once and returns the handle every
	// operation in the run will reuse. The model is needed where provider
	// caches are model-scoped.
	Prepare(ctx context.Context, doc models.DocumentRef, data []byte, systemPrompt, model, apiKey string) (models.DocumentHandle, error)
	Execute(ctx context.Context, req Request) (*Result, error)
	// Cleanup releases provider-side resources after a run reaches a
	// terminal state. Best effort; provider TTLs are the backstop.
	Cleanup(ctx context.Context, handle models.DocumentHandle, apiKey string) error
}
