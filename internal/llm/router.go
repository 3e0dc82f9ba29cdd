package llm

import (
	"context"
	"fmt"

	"github.com/validai/validai-engine/pkg/models"
)

// Router dispatches calls to the executor for a run's provider. The provider
// set is closed; adding a vendor means adding an executor and a switch arm.
type Router struct {
	anthropic Executor
	google    Executor
	mistral   Executor
	retry     *Retryer
}

func NewRouter(anthropic, google, mistral Executor) *Router {
	return &Router{
		anthropic: anthropic,
		google:    google,
		mistral:   mistral,
		retry:     NewRetryer(),
	}
}

// WithRetryer swaps the retry policy. Used by tests to remove real sleeps.
func (r *Router) WithRetryer(retry *Retryer) *Router {
	r.retry = retry
	return r
}

// Executor resolves the executor for provider, defaulting to Anthropic when
// the provider is unset.
func (r *Router) Executor(provider models.Provider) (Executor, error) {
	if provider == "" {
		provider = models.DefaultProvider
	}
	switch provider {
	case models.ProviderAnthropic:
		return r.anthropic, nil
	case models.ProviderGoogle:
		return r.google, nil
	case models.ProviderMistral:
		return r.mistral, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q: supported providers are %v", provider, models.SupportedProviders)
	}
}

// Execute routes one operation call through the retry layer.
func (r *Router) Execute(ctx context.Context, provider models.Provider, req Request) (*Result, error) {
	exec, err := r.Executor(provider)
	if err != nil {
		return nil, err
	}
	return r.retry.Do(ctx, func(ctx context.Context) (*Result, error) {
		return exec.Execute(ctx, req)
	})
}

// Prepare routes document preparation. Not retried: preparation failures
// abort run creation before anything is persisted.
func (r *Router) Prepare(ctx context.Context, provider models.Provider, doc models.DocumentRef, data []byte, systemPrompt, model, apiKey string) (models.DocumentHandle, error) {
	exec, err := r.Executor(provider)
	if err != nil {
		return models.DocumentHandle{}, err
	}
	return exec.Prepare(ctx, doc, data, systemPrompt, model, apiKey)
}

// Cleanup routes provider-side resource release. Best effort.
func (r *Router) Cleanup(ctx context.Context, provider models.Provider, handle models.DocumentHandle, apiKey string) error {
	exec, err := r.Executor(provider)
	if err != nil {
		return err
	}
	return exec.Cleanup(ctx, handle, apiKey)
}
