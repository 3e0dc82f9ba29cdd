package mistral

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/validai/validai-engine/internal/llm"
	"github.com/validai/validai-engine/pkg/models"
)

func TestPrepareUploadsAndSigns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.URL.Path == "/v1/files" && r.Method == http.MethodPost:
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "ocr", r.FormValue("purpose"))
			json.NewEncoder(w).Encode(map[string]string{"id": "file-123"})
		case r.URL.Path == "/v1/files/file-123/url" && r.Method == http.MethodGet:
			assert.Equal(t, "24", r.URL.Query().Get("expiry"))
			json.NewEncoder(w).Encode(map[string]string{"url": "https://signed.example/file-123"})
		default:
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	doc := models.DocumentRef{Name: "report.pdf", SizeBytes: 2048, MimeType: "application/pdf"}
	handle, err := e.Prepare(context.Background(), doc, []byte("%PDF-"), "", "", "secret")
	require.NoError(t, err)

	assert.Equal(t, models.HandleMistralURL, handle.Kind)
	assert.Equal(t, "file-123", handle.FileID)
	assert.Equal(t, "https://signed.example/file-123", handle.SignedURL)
}

func TestExecuteDocumentUnderstanding(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"model": "mistral-large-latest",
			"choices": []map[string]any{{
				"message": map[string]string{"content": `{"items":["alpha","beta"],"comment":"two names"}`},
			}},
			"usage": map[string]int{"prompt_tokens": 300, "completion_tokens": 25},
		})
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	res, err := e.Execute(context.Background(), llm.Request{
		Operation:    models.Operation{Type: models.OperationExtraction, Prompt: "List the parties"},
		SystemPrompt: "You extract entities.",
		Model:        "mistral-large-latest",
		APIKey:       "secret",
		Handle:       models.DocumentHandle{Kind: models.HandleMistralURL, SignedURL: "https://signed.example/f"},
	})
	require.NoError(t, err)

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	userContent := msgs[1].(map[string]any)["content"].([]any)
	docPart := userContent[0].(map[string]any)
	assert.Equal(t, "document_url", docPart["type"])
	assert.Equal(t, "https://signed.example/f", docPart["document_url"])
	rf := captured["response_format"].(map[string]any)
	assert.Equal(t, "json_object", rf["type"])

	// No prompt caching on this provider.
	assert.False(t, res.CacheHit)
	assert.Zero(t, res.Usage.CacheReadTokens)
	assert.Equal(t, 300, res.Usage.InputTokens)

	var structured map[string]any
	require.NoError(t, json.Unmarshal(res.StructuredOutput, &structured))
	assert.Equal(t, []any{"alpha", "beta"}, structured["items"])
}

func TestExecuteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	_, err := e.Execute(context.Background(), llm.Request{
		Handle: models.DocumentHandle{Kind: models.HandleMistralURL, SignedURL: "https://s/f"},
	})
	require.ErrorIs(t, err, llm.ErrEmptyResponse)
}

func TestExecuteServiceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"message":"capacity exceeded"}`)
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	_, err := e.Execute(context.Background(), llm.Request{
		Handle: models.DocumentHandle{Kind: models.HandleMistralURL, SignedURL: "https://s/f"},
	})
	require.Error(t, err)

	var pe *llm.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 503, pe.StatusCode)
	assert.Equal(t, "capacity exceeded", pe.Message)
	assert.True(t, llm.IsTransient(err))
	assert.False(t, llm.IsRateLimit(err))
}

func TestCleanupDeletesFile(t *testing.T) {
	deleted := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		deleted = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	require.NoError(t, e.Cleanup(context.Background(), models.DocumentHandle{Kind: models.HandleMistralURL, FileID: "file-123"}, "k"))
	assert.Equal(t, "/v1/files/file-123", deleted)
}
