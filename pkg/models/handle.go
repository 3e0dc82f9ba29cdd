package models

import "time"

// HandleKind discriminates the provider-specific shapes a DocumentHandle can
// take. Switches over HandleKind must cover every constant.
type HandleKind string

const (
	// HandleAnthropicFile references a document uploaded via the Files API.
	HandleAnthropicFile HandleKind = "anthropic_file"
	// HandleAnthropicInline carries raw document bytes on every call.
	// Legacy mode, kept behind a feature flag.
	HandleAnthropicInline HandleKind = "anthropic_inline"
	// HandleGeminiFile references a resumable-upload file URI (~48h validity)
	// and optionally an explicit content cache (~5min TTL).
	HandleGeminiFile HandleKind = "gemini_file"
	// HandleMistralURL is a signed download URL (~24h validity).
	HandleMistralURL HandleKind = "mistral_url"
)

// DocumentHandle is a provider-specific, time-bounded reference to an
// already-uploaded document. Created at most once per run per provider and
// reused by every operation in the run. Treated as read-only after creation;
// only the serial execution path may adopt an updated handle returned by an
// executor.
type DocumentHandle struct {
	Kind HandleKind `json:"kind"`

	// Anthropic
	FileID string `json:"file_id,omitempty"`
	Data   []byte `json:"data,omitempty"`

	// Gemini
	FileURI        string     `json:"file_uri,omitempty"`
	FileName       string     `json:"file_name,omitempty"`
	CacheName      string     `json:"cache_name,omitempty"`
	CacheExpiresAt *time.Time `json:"cache_expires_at,omitempty"`

	// Mistral
	SignedURL string `json:"signed_url,omitempty"`

	// MediaType is the MIME type the provider accepted, which may differ
	// from the document's own (e.g. markdown coerced to text/plain).
	MediaType string `json:"media_type,omitempty"`
}

// HasCache reports whether the handle carries a live provider-side cache.
func (h DocumentHandle) HasCache() bool {
	return h.Kind == HandleGeminiFile && h.CacheName != ""
}
