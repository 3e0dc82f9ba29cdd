// Package anthropic implements the Anthropic Messages API executor with
// Files API uploads and prompt caching.
package anthropic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/validai/validai-engine/internal/llm"
	"github.com/validai/validai-engine/internal/llm/schema"
	"github.com/validai/validai-engine/pkg/models"
)

const (
	apiVersion   = "2023-06-01"
	filesAPIBeta = "files-api-2025-04-14"

	defaultMaxTokens      = 4096
	defaultThinkingBudget = 2048
)

type Executor struct {
	BaseURL string
	// UseFilesAPI selects between Files API uploads (one upload per run) and
	// the legacy mode that inlines document bytes into every request.
	UseFilesAPI bool
	HTTP        *http.Client
}

func NewExecutor(baseURL string, useFilesAPI bool) *Executor {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Executor{
		BaseURL:     baseURL,
		UseFilesAPI: useFilesAPI,
		HTTP:        &http.Client{Timeout: 5 * time.Minute},
	}
}

func (e *Executor) Provider() models.Provider { return models.ProviderAnthropic }

// coerceMediaType maps a document MIME type onto the two types the Messages
// API accepts for documents. Text-like types become text/plain; anything
// binary that is not a PDF is rejected.
func coerceMediaType(mimeType string) (string, error) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case mt == "application/pdf":
		return "application/pdf", nil
	case mt == "" || strings.HasPrefix(mt, "text/"):
		return "text/plain", nil
	case mt == "application/json", mt == "application/xml",
		mt == "application/x-yaml", mt == "application/yaml",
		mt == "application/csv", mt == "application/javascript":
		return "text/plain", nil
	default:
		return "", fmt.Errorf("unsupported document type %q: anthropic accepts application/pdf and text", mimeType)
	}
}

func (e *Executor) Prepare(ctx context.Context, doc models.DocumentRef, data []byte, _, _, apiKey string) (models.DocumentHandle, error) {
	mediaType, err := coerceMediaType(doc.MimeType)
	if err != nil {
		return models.DocumentHandle{}, err
	}

	if !e.UseFilesAPI {
		return models.DocumentHandle{
			Kind:      models.HandleAnthropicInline,
			Data:      data,
			MediaType: mediaType,
		}, nil
	}

	fileID, err := e.uploadFile(ctx, doc.Name, mediaType, data, apiKey)
	if err != nil {
		return models.DocumentHandle{}, fmt.Errorf("upload document: %w", err)
	}
	return models.DocumentHandle{
		Kind:      models.HandleAnthropicFile,
		FileID:    fileID,
		MediaType: mediaType,
	}, nil
}

func (e *Executor) uploadFile(ctx context.Context, name, mediaType string, data []byte, apiKey string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/v1/files", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	e.setHeaders(req, apiKey)

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", e.apiError(resp)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

type contentBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Source       json.RawMessage `json:"source,omitempty"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type messagesRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    []contentBlock  `json:"system,omitempty"`
	Messages  []message       `json:"messages"`
	Thinking  *thinkingConfig `json:"thinking,omitempty"`
	Temp      *float64        `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
		Data     string `json:"data"`
	} `json:"content"`
	Model string `json:"model"`
	Usage struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

var ephemeralCache = json.RawMessage(`{"type":"ephemeral"}`)

// documentBlock builds the document content block for the handle. The cache
// breakpoint sits on this block so the document plus system prompt form the
// stable prefix every operation shares.
func documentBlock(handle models.DocumentHandle) (contentBlock, error) {
	var source json.RawMessage
	switch handle.Kind {
	case models.HandleAnthropicFile:
		s, _ := json.Marshal(map[string]string{"type": "file", "file_id": handle.FileID})
		source = s
	case models.HandleAnthropicInline:
		if handle.MediaType == "application/pdf" {
			s, _ := json.Marshal(map[string]string{
				"type":       "base64",
				"media_type": handle.MediaType,
				"data":       base64.StdEncoding.EncodeToString(handle.Data),
			})
			source = s
		} else {
			s, _ := json.Marshal(map[string]string{
				"type":       "text",
				"media_type": "text/plain",
				"data":       string(handle.Data),
			})
			source = s
		}
	default:
		return contentBlock{}, fmt.Errorf("anthropic executor got handle kind %q", handle.Kind)
	}
	return contentBlock{Type: "document", Source: source, CacheControl: ephemeralCache}, nil
}

func (e *Executor) Execute(ctx context.Context, req llm.Request) (*llm.Result, error) {
	docBlock, err := documentBlock(req.Handle)
	if err != nil {
		return nil, err
	}

	maxTokens := req.Settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	prompt := req.Operation.Prompt + "\n\n" + schema.Instructions(req.Operation.Type)
	body := messagesRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		Messages: []message{{
			Role: "user",
			Content: []contentBlock{
				docBlock,
				{Type: "text", Text: prompt},
			},
		}},
		Temp: req.Settings.Temperature,
	}
	if req.SystemPrompt != "" {
		body.System = []contentBlock{{Type: "text", Text: req.SystemPrompt, CacheControl: ephemeralCache}}
	}
	if req.Settings.Thinking {
		body.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: defaultThinkingBudget}
		// Thinking requires default temperature.
		body.Temp = nil
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	e.setHeaders(httpReq, req.APIKey)

	start := time.Now()
	resp, err := e.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, e.apiError(resp)
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	var text string
	var thinking []models.ThinkingBlock
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "thinking":
			thinking = append(thinking, models.ThinkingBlock{Type: "thinking", Content: block.Thinking})
		case "redacted_thinking":
			thinking = append(thinking, models.ThinkingBlock{Type: "redacted_thinking", Content: block.Data})
		}
	}
	if text == "" {
		return nil, fmt.Errorf("anthropic: %w", llm.ErrEmptyResponse)
	}

	result := &llm.Result{
		ResponseText:    text,
		Thinking:        thinking,
		Model:           out.Model,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Usage: models.TokenUsage{
			InputTokens:      out.Usage.InputTokens,
			OutputTokens:     out.Usage.OutputTokens,
			CacheReadTokens:  out.Usage.CacheReadInputTokens,
			CacheWriteTokens: out.Usage.CacheCreationInputTokens,
		},
		CacheHit: out.Usage.CacheReadInputTokens > 0,
	}

	structured, perr := schema.Parse(req.Operation.Type, text)
	if perr != nil {
		result.ValidationError = perr.Error()
	} else {
		result.StructuredOutput = structured
	}
	return result, nil
}

func (e *Executor) Cleanup(ctx context.Context, handle models.DocumentHandle, apiKey string) error {
	if handle.Kind != models.HandleAnthropicFile || handle.FileID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.BaseURL+"/v1/files/"+handle.FileID, nil)
	if err != nil {
		return err
	}
	e.setHeaders(req, apiKey)

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete file %s: status %d", handle.FileID, resp.StatusCode)
	}
	return nil
}

func (e *Executor) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	if e.UseFilesAPI {
		req.Header.Set("anthropic-beta", filesAPIBeta)
	}
}

func (e *Executor) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	code := ""
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
		code = parsed.Error.Type
	}
	return &llm.ProviderError{
		Provider:   models.ProviderAnthropic,
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    msg,
	}
}
