// Package gemini implements the Gemini executor: resumable file uploads,
// explicit content caching, and native structured output via response
// schemas.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/validai/validai-engine/internal/llm"
	"github.com/validai/validai-engine/internal/llm/schema"
	"github.com/validai/validai-engine/pkg/models"
)

const (
	// cacheMinBytes is the document size below which an explicit cache is
	// not attempted. Smaller documents usually fall under the API's minimum
	// token count and the request would be rejected anyway.
	cacheMinBytes = 50 * 1024

	cacheTTL = 5 * time.Minute

	defaultMaxTokens = 8192
)

type Executor struct {
	BaseURL string
	HTTP    *http.Client
}

func NewExecutor(baseURL string) *Executor {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &Executor{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (e *Executor) Provider() models.Provider { return models.ProviderGoogle }

// Prepare uploads the document through the resumable upload protocol and,
// for documents large enough to clear the cache minimum, creates an explicit
// content cache holding the file and system prompt. A cache rejected for
// being under the token minimum is not fatal; the run proceeds uncached.
func (e *Executor) Prepare(ctx context.Context, doc models.DocumentRef, data []byte, systemPrompt, model, apiKey string) (models.DocumentHandle, error) {
	name, uri, err := e.uploadFile(ctx, doc, data, apiKey)
	if err != nil {
		return models.DocumentHandle{}, fmt.Errorf("upload document: %w", err)
	}

	handle := models.DocumentHandle{
		Kind:      models.HandleGeminiFile,
		FileName:  name,
		FileURI:   uri,
		MediaType: doc.MimeType,
	}

	if doc.SizeBytes >= cacheMinBytes {
		cacheName, err := e.createCache(ctx, uri, doc.MimeType, systemPrompt, model, apiKey)
		switch {
		case err == nil:
			expires := time.Now().Add(cacheTTL)
			handle.CacheName = cacheName
			handle.CacheExpiresAt = &expires
		case isCacheTooSmall(err):
			// Under the token minimum despite the byte threshold; run
			// without a cache.
		default:
			return models.DocumentHandle{}, fmt.Errorf("create content cache: %w", err)
		}
	}
	return handle, nil
}

func (e *Executor) uploadFile(ctx context.Context, doc models.DocumentRef, data []byte, apiKey string) (name, uri string, err error) {
	meta, _ := json.Marshal(map[string]any{
		"file": map[string]any{"display_name": doc.Name},
	})

	startReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/upload/v1beta/files", bytes.NewReader(meta))
	if err != nil {
		return "", "", err
	}
	startReq.Header.Set("Content-Type", "application/json")
	startReq.Header.Set("X-Goog-Upload-Protocol", "resumable")
	startReq.Header.Set("X-Goog-Upload-Command", "start")
	startReq.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.Itoa(len(data)))
	startReq.Header.Set("X-Goog-Upload-Header-Content-Type", doc.MimeType)
	startReq.Header.Set("x-goog-api-key", apiKey)

	startResp, err := e.HTTP.Do(startReq)
	if err != nil {
		return "", "", err
	}
	io.Copy(io.Discard, startResp.Body)
	startResp.Body.Close()
	if startResp.StatusCode != http.StatusOK {
		return "", "", &llm.ProviderError{
			Provider:   models.ProviderGoogle,
			StatusCode: startResp.StatusCode,
			Message:    "resumable upload start rejected",
		}
	}

	uploadURL := startResp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return "", "", fmt.Errorf("resumable upload start returned no upload url")
	}

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}
	upReq.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	upReq.Header.Set("X-Goog-Upload-Offset", "0")
	upReq.Header.Set("x-goog-api-key", apiKey)

	upResp, err := e.HTTP.Do(upReq)
	if err != nil {
		return "", "", err
	}
	defer upResp.Body.Close()
	if upResp.StatusCode != http.StatusOK {
		return "", "", e.apiError(upResp)
	}

	var out struct {
		File struct {
			Name string `json:"name"`
			URI  string `json:"uri"`
		} `json:"file"`
	}
	if err := json.NewDecoder(upResp.Body).Decode(&out); err != nil {
		return "", "", err
	}
	return out.File.Name, out.File.URI, nil
}

func (e *Executor) createCache(ctx context.Context, fileURI, mimeType, systemPrompt, model, apiKey string) (string, error) {
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	body := map[string]any{
		"model": model,
		"contents": []map[string]any{{
			"role": "user",
			"parts": []map[string]any{
				{"file_data": map[string]string{"file_uri": fileURI, "mime_type": mimeType}},
			},
		}},
		"ttl": fmt.Sprintf("%ds", int(cacheTTL.Seconds())),
	}
	if systemPrompt != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": systemPrompt}},
		}
	}
	payload, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/v1beta/cachedContents", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", e.apiError(resp)
	}

	var out struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Name, nil
}

// isCacheTooSmall detects the rejection for content under the model's
// minimum cacheable token count.
func isCacheTooSmall(err error) bool {
	var pe *llm.ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	msg := strings.ToLower(pe.Message)
	return strings.Contains(msg, "too small") || (strings.Contains(msg, "minimum") && strings.Contains(msg, "token"))
}

type generateRequest struct {
	Contents          []map[string]any `json:"contents"`
	SystemInstruction map[string]any   `json:"systemInstruction,omitempty"`
	CachedContent     string           `json:"cachedContent,omitempty"`
	GenerationConfig  map[string]any   `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text    string `json:"text"`
				Thought bool   `json:"thought"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount        int `json:"promptTokenCount"`
		CandidatesTokenCount    int `json:"candidatesTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (e *Executor) Execute(ctx context.Context, req llm.Request) (*llm.Result, error) {
	if req.Handle.Kind != models.HandleGeminiFile {
		return nil, fmt.Errorf("gemini executor got handle kind %q", req.Handle.Kind)
	}

	maxTokens := req.Settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	genConfig := map[string]any{
		"responseMimeType": "application/json",
		"responseSchema":   schema.ResponseSchema(req.Operation.Type),
		"maxOutputTokens":  maxTokens,
	}
	if req.Settings.Temperature != nil {
		genConfig["temperature"] = *req.Settings.Temperature
	}
	if req.Settings.Thinking {
		genConfig["thinkingConfig"] = map[string]any{"includeThoughts": true}
	}

	body := generateRequest{GenerationConfig: genConfig}
	if req.Handle.CacheName != "" {
		// Document and system prompt live in the cache; only the operation
		// prompt travels with the request.
		body.CachedContent = req.Handle.CacheName
		body.Contents = []map[string]any{{
			"role":  "user",
			"parts": []map[string]any{{"text": req.Operation.Prompt}},
		}}
	} else {
		body.Contents = []map[string]any{{
			"role": "user",
			"parts": []map[string]any{
				{"file_data": map[string]string{"file_uri": req.Handle.FileURI, "mime_type": req.Handle.MediaType}},
				{"text": req.Operation.Prompt},
			},
		}}
		if req.SystemPrompt != "" {
			body.SystemInstruction = map[string]any{
				"parts": []map[string]string{{"text": req.SystemPrompt}},
			}
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", e.BaseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", req.APIKey)

	start := time.Now()
	resp, err := e.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, e.apiError(resp)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: %w", llm.ErrEmptyResponse)
	}

	var text string
	var thinking []models.ThinkingBlock
	for _, part := range out.Candidates[0].Content.Parts {
		if part.Thought {
			thinking = append(thinking, models.ThinkingBlock{Type: "thinking", Content: part.Text})
			continue
		}
		text += part.Text
	}
	if text == "" {
		return nil, fmt.Errorf("gemini: %w", llm.ErrEmptyResponse)
	}

	result := &llm.Result{
		ResponseText:    text,
		Thinking:        thinking,
		Model:           out.ModelVersion,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Usage: models.TokenUsage{
			InputTokens:     out.UsageMetadata.PromptTokenCount,
			OutputTokens:    out.UsageMetadata.CandidatesTokenCount,
			CacheReadTokens: out.UsageMetadata.CachedContentTokenCount,
		},
		CacheHit: out.UsageMetadata.CachedContentTokenCount > 0,
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

// Cleanup deletes the content cache and the uploaded file. Either call
// failing is reported but both are attempted; the file TTL (~48h) and cache
// TTL (5min) reclaim anything left behind.
func (e *Executor) Cleanup(ctx context.Context, handle models.DocumentHandle, apiKey string) error {
	if handle.Kind != models.HandleGeminiFile {
		return nil
	}
	var firstErr error
	if handle.CacheName != "" {
		if err := e.delete(ctx, "/v1beta/"+handle.CacheName, apiKey); err != nil {
			firstErr = err
		}
	}
	if handle.FileName != "" {
		if err := e.delete(ctx, "/v1beta/"+handle.FileName, apiKey); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Executor) delete(ctx context.Context, path, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete %s: status %d", path, resp.StatusCode)
	}
	return nil
}

func (e *Executor) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var parsed struct {
		Error struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	code := ""
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
		code = parsed.Error.Status
	}
	return &llm.ProviderError{
		Provider:   models.ProviderGoogle,
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    msg,
	}
}
