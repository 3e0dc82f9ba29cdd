package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RunStatusPending    = "pending"
	RunStatusProcessing = "processing"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
	RunStatusCancelled  = "cancelled"
)

// ModelSettings are per-processor sampling defaults copied into a snapshot.
type ModelSettings struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Thinking    bool     `json:"thinking,omitempty"`
}

// RunSnapshot is the immutable, point-in-time copy of everything a run needs:
// the processor's operations, the document reference, model settings, and the
// provider document handle. Live edits to the source processor after run
// creation must never affect a run; the snapshot is the only thing the
// orchestrator ever reads back.
type RunSnapshot struct {
	Operations   []Operation    `json:"operations"`
	Document     DocumentRef    `json:"document"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Provider     Provider       `json:"provider"`
	Model        string         `json:"model"`
	Settings     ModelSettings  `json:"settings"`
	Handle       DocumentHandle `json:"handle"`
}

// Run is one execution of a snapshot's operations against one document via
// one provider. Counters plus persisted operation results are the unit of
// resumability: a background invocation can always continue from them.
type Run struct {
	ID                  uuid.UUID   `db:"id"                   json:"id"`
	TenantID            uuid.UUID   `db:"tenant_id"            json:"tenant_id"`
	ProcessorID         *uuid.UUID  `db:"processor_id"         json:"processor_id,omitempty"`
	SnapshotID          *uuid.UUID  `db:"snapshot_id"          json:"snapshot_id,omitempty"`
	Status              string      `db:"status"               json:"status"`
	TotalOperations     int         `db:"total_operations"     json:"total_operations"`
	CompletedOperations int         `db:"completed_operations" json:"completed_operations"`
	FailedOperations    int         `db:"failed_operations"    json:"failed_operations"`
	Snapshot            RunSnapshot `db:"snapshot"             json:"snapshot"`
	ErrorMessage        *string     `db:"error_message"        json:"error_message,omitempty"`
	TriggeredBy         string      `db:"triggered_by"         json:"triggered_by"`
	StartedAt           *time.Time  `db:"started_at"           json:"started_at,omitempty"`
	CompletedAt         *time.Time  `db:"completed_at"         json:"completed_at,omitempty"`
	CreatedAt           time.Time   `db:"created_at"           json:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at"           json:"updated_at"`
}

// Terminal reports whether the run can make no further progress.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}
