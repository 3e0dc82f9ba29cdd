package models

import (
	"time"

	"github.com/google/uuid"
)

// Processor is a named, ordered collection of operations plus default LLM
// settings — the reusable playbook a run executes.
type Processor struct {
	ID                  uuid.UUID     `db:"id"                    json:"id"`
	TenantID            uuid.UUID     `db:"tenant_id"             json:"tenant_id"`
	Name                string        `db:"name"                  json:"name"`
	SystemPrompt        string        `db:"system_prompt"         json:"system_prompt"`
	Provider            Provider      `db:"provider"              json:"provider"`
	Model               string        `db:"model"                 json:"model"`
	Settings            ModelSettings `db:"settings"              json:"settings"`
	PublishedSnapshotID *uuid.UUID    `db:"published_snapshot_id" json:"published_snapshot_id,omitempty"`
	CreatedAt           time.Time     `db:"created_at"            json:"created_at"`
	UpdatedAt           time.Time     `db:"updated_at"            json:"updated_at"`
}

// ProcessorSnapshot is a published, frozen copy of a processor's operations
// and settings. Runs may target a snapshot directly instead of the live
// draft.
type ProcessorSnapshot struct {
	ID           uuid.UUID     `db:"id"            json:"id"`
	ProcessorID  uuid.UUID     `db:"processor_id"  json:"processor_id"`
	TenantID     uuid.UUID     `db:"tenant_id"     json:"tenant_id"`
	Operations   []Operation   `db:"operations"    json:"operations"`
	SystemPrompt string        `db:"system_prompt" json:"system_prompt"`
	Provider     Provider      `db:"provider"      json:"provider"`
	Model        string        `db:"model"         json:"model"`
	Settings     ModelSettings `db:"settings"      json:"settings"`
	CreatedAt    time.Time     `db:"created_at"    json:"created_at"`
}

// ProviderCredential is a tenant-scoped, encrypted provider API key plus the
// model configuration that goes with it.
type ProviderCredential struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	TenantID     uuid.UUID `db:"tenant_id"     json:"tenant_id"`
	Provider     Provider  `db:"provider"      json:"provider"`
	EncryptedKey []byte    `db:"encrypted_key" json:"-"`
	Model        string    `db:"model"         json:"model"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"    json:"updated_at"`
}
