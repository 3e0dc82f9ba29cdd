package models

import (
	"time"

	"github.com/google/uuid"
)

// Document is a stored input artifact owned by a tenant.
type Document struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	TenantID    uuid.UUID `db:"tenant_id"    json:"tenant_id"`
	Name        string    `db:"name"         json:"name"`
	SizeBytes   int64     `db:"size_bytes"   json:"size_bytes"`
	MimeType    string    `db:"mime_type"    json:"mime_type"`
	StoragePath string    `db:"storage_path" json:"storage_path"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}

// DocumentRef is the snapshot-embedded description of a run's input document.
// StoragePath is empty for inline uploads that never hit persistent storage.
type DocumentRef struct {
	Name        string `json:"name"`
	SizeBytes   int64  `json:"size_bytes"`
	MimeType    string `json:"mime_type"`
	StoragePath string `json:"storage_path,omitempty"`
	Inline      bool   `json:"inline,omitempty"`
}
