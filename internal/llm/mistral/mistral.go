// Package mistral implements the Mistral executor: file upload plus signed
// URL, document-understanding chat completions, JSON output mode.
package mistral

import (
	"bytes"
	"context"
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

const defaultMaxTokens = 4096

type Executor struct {
	BaseURL string
	HTTP    *http.Client
}

func NewExecutor(baseURL string) *Executor {
	if baseURL == "" {
		baseURL = "https://api.mistral.ai"
	}
	return &Executor{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (e *Executor) Provider() models.Provider { return models.ProviderMistral }

// Prepare uploads the document and exchanges it for a signed download URL
// (~24h validity) that every chat call in the run references.
func (e *Executor) Prepare(ctx context.Context, doc models.DocumentRef, data []byte, _, _, apiKey string) (models.DocumentHandle, error) {
	fileID, err := e.uploadFile(ctx, doc.Name, data, apiKey)
	if err != nil {
		return models.DocumentHandle{}, fmt.Errorf("upload document: %w", err)
	}
	signedURL, err := e.signedURL(ctx, fileID, apiKey)
	if err != nil {
		return models.DocumentHandle{}, fmt.Errorf("sign document url: %w", err)
	}
	return models.DocumentHandle{
		Kind:      models.HandleMistralURL,
		FileID:    fileID,
		SignedURL: signedURL,
		MediaType: doc.MimeType,
	}, nil
}

func (e *Executor) uploadFile(ctx context.Context, name string, data []byte, apiKey string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", "ocr"); err != nil {
		return "", err
	}
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
	req.Header.Set("Authorization", "Bearer "+apiKey)

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

func (e *Executor) signedURL(ctx context.Context, fileID, apiKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/v1/files/"+fileID+"/url?expiry=24", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", e.apiError(resp)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.URL, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (e *Executor) Execute(ctx context.Context, req llm.Request) (*llm.Result, error) {
	if req.Handle.Kind != models.HandleMistralURL {
		return nil, fmt.Errorf("mistral executor got handle kind %q", req.Handle.Kind)
	}

	maxTokens := req.Settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	prompt := req.Operation.Prompt + "\n\n" + schema.Instructions(req.Operation.Type)
	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{
		Role: "user",
		Content: []map[string]any{
			{"type": "document_url", "document_url": req.Handle.SignedURL},
			{"type": "text", "text": prompt},
		},
	})

	body := chatRequest{
		Model:          req.Model,
		Messages:       messages,
		MaxTokens:      maxTokens,
		Temperature:    req.Settings.Temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	start := time.Now()
	resp, err := e.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, e.apiError(resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("mistral: %w", llm.ErrEmptyResponse)
	}
	text := out.Choices[0].Message.Content

	result := &llm.Result{
		ResponseText:    text,
		Model:           out.Model,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Usage: models.TokenUsage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
		},
	}
	if result.Model == "" {
		result.Model = req.Model
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
	if handle.Kind != models.HandleMistralURL || handle.FileID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.BaseURL+"/v1/files/"+handle.FileID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

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

func (e *Executor) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var parsed struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			msg = parsed.Message
		} else if parsed.Detail != "" {
			msg = parsed.Detail
		}
	}
	return &llm.ProviderError{
		Provider:   models.ProviderMistral,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}
