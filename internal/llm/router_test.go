package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/validai/validai-engine/pkg/models"
)

type stubExecutor struct {
	provider models.Provider
	executed int
}

func (s *stubExecutor) Provider() models.Provider { return s.provider }

func (s *stubExecutor) Prepare(_ context.Context, _ models.DocumentRef, _ []byte, _, _, _ string) (models.DocumentHandle, error) {
	return models.DocumentHandle{Kind: models.HandleAnthropicInline}, nil
}

func (s *stubExecutor) Execute(_ context.Context, _ Request) (*Result, error) {
	s.executed++
	return &Result{ResponseText: string(s.provider)}, nil
}

func (s *stubExecutor) Cleanup(_ context.Context, _ models.DocumentHandle, _ string) error {
	return nil
}

func newTestRouter() (*Router, *stubExecutor, *stubExecutor, *stubExecutor) {
	a := &stubExecutor{provider: models.ProviderAnthropic}
	g := &stubExecutor{provider: models.ProviderGoogle}
	m := &stubExecutor{provider: models.ProviderMistral}
	return NewRouter(a, g, m), a, g, m
}

func TestRouterDispatch(t *testing.T) {
	router, _, g, _ := newTestRouter()

	res, err := router.Execute(context.Background(), models.ProviderGoogle, Request{})
	require.NoError(t, err)
	assert.Equal(t, "google", res.ResponseText)
	assert.Equal(t, 1, g.executed)
}

func TestRouterDefaultsToAnthropic(t *testing.T) {
	router, a, _, _ := newTestRouter()

	res, err := router.Execute(context.Background(), "", Request{})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.ResponseText)
	assert.Equal(t, 1, a.executed)
}

func TestRouterUnsupportedProvider(t *testing.T) {
	router, _, _, _ := newTestRouter()

	_, err := router.Execute(context.Background(), "openai", Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")
	assert.Contains(t, err.Error(), "anthropic")
	assert.Contains(t, err.Error(), "mistral")
}
