package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	ResultStatusCompleted = "completed"
	ResultStatusFailed    = "failed"
)

// TokenUsage is the normalized usage metadata extracted from a provider
// response. Cache fields are zero for providers without prompt caching.
type TokenUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// ThinkingBlock is a reasoning trace segment a provider emitted alongside the
// answer. Reasoning content never counts as answer content.
type ThinkingBlock struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// OperationResult is the persisted outcome of executing one operation within
// one run. Written exactly once per operation index per run.
type OperationResult struct {
	ID               uuid.UUID       `db:"id"                json:"id"`
	RunID            uuid.UUID       `db:"run_id"            json:"run_id"`
	OperationID      uuid.UUID       `db:"operation_id"      json:"operation_id"`
	OperationName    string          `db:"operation_name"    json:"operation_name"`
	OperationType    OperationType   `db:"operation_type"    json:"operation_type"`
	ExecutionOrder   int             `db:"execution_order"   json:"execution_order"`
	Status           string          `db:"status"            json:"status"`
	ResponseText     string          `db:"response_text"     json:"response_text"`
	StructuredOutput json.RawMessage `db:"structured_output" json:"structured_output,omitempty"`
	ThinkingBlocks   []ThinkingBlock `db:"thinking_blocks"   json:"thinking_blocks,omitempty"`
	ModelUsed        string          `db:"model_used"        json:"model_used"`
	Usage            TokenUsage      `db:"tokens_used"       json:"tokens_used"`
	ExecutionTimeMS  int64           `db:"execution_time_ms" json:"execution_time_ms"`
	CacheHit         bool            `db:"cache_hit"         json:"cache_hit"`
	ErrorMessage     *string         `db:"error_message"     json:"error_message,omitempty"`
	ErrorType        *string         `db:"error_type"        json:"error_type,omitempty"`
	RetryCount       int             `db:"retry_count"       json:"retry_count"`
	CreatedAt        time.Time       `db:"created_at"        json:"created_at"`
}
