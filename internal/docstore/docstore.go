// Package docstore fetches document bytes from the object storage HTTP API.
package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Sentinel errors for storage failures.
var (
	ErrUnreachable = errors.New("document storage unreachable")
	ErrNotFound    = errors.New("document not found in storage")
	ErrTimeout     = errors.New("document storage timeout")
)

// maxDocumentBytes caps a single download. Provider upload limits sit far
// below this anyway.
const maxDocumentBytes = 100 << 20

// Client fetches and stores document bytes.
type Client interface {
	Fetch(ctx context.Context, storagePath string) ([]byte, error)
	Store(ctx context.Context, storagePath string, data []byte, mimeType string) error
}

// HTTPClient implements Client against a bucket-scoped object storage API.
type HTTPClient struct {
	baseURL string
	token   string
	bucket  string
	client  *http.Client
}

func NewHTTPClient(baseURL, token, bucket string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		bucket:  bucket,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Fetch(ctx context.Context, storagePath string) ([]byte, error) {
	u := fmt.Sprintf("%s/object/%s/%s", c.baseURL, url.PathEscape(c.bucket), storagePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, storagePath)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("storage returned status %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading document body: %w", err)
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("document %s exceeds %d bytes", storagePath, maxDocumentBytes)
	}
	return data, nil
}

// Store uploads document bytes under storagePath. Used by the inline upload
// flow; existing objects at the same path are an error.
func (c *HTTPClient) Store(ctx context.Context, storagePath string, data []byte, mimeType string) error {
	u := fmt.Sprintf("%s/object/%s/%s", c.baseURL, url.PathEscape(c.bucket), storagePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("storage returned status %d: %s", resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
