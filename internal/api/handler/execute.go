package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	mw "github.com/validai/validai-engine/internal/api/middleware"
	"github.com/validai/validai-engine/internal/api/response"
	"github.com/validai/validai-engine/internal/docstore"
	"github.com/validai/validai-engine/internal/llm"
	"github.com/validai/validai-engine/internal/queue"
	"github.com/validai/validai-engine/internal/run"
	"github.com/validai/validai-engine/internal/store"
	"github.com/validai/validai-engine/pkg/models"
)

// Orchestrator is the run service the execute handler depends on.
type Orchestrator interface {
	StartRun(ctx context.Context, req run.StartRequest) (*models.Run, error)
	ProcessChunk(ctx context.Context, task queue.ChunkTask) error
}

type executeRequest struct {
	// Initial payload.
	ProcessorID *uuid.UUID  `json:"processor_id"`
	SnapshotID  *uuid.UUID  `json:"playbook_snapshot_id"`
	DocumentID  *uuid.UUID  `json:"document_id"`
	FileUpload  *fileUpload `json:"file_upload"`

	// Background payload.
	Background bool       `json:"background"`
	RunID      *uuid.UUID `json:"run_id"`
	StartIndex int        `json:"start_index"`
}

type fileUpload struct {
	File      string `json:"file"` // base64
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// NewExecuteHandler returns the handler for POST /api/v1/execute-processor-run.
// It accepts two payload shapes: an initial invocation that creates a pending
// run and returns 202, and a background invocation (service token only) that
// executes one chunk synchronously and returns 200.
func NewExecuteHandler(svc Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Background || req.RunID != nil {
			handleBackground(w, r, svc, req)
			return
		}
		handleInitial(w, r, svc, req)
	}
}

func handleBackground(w http.ResponseWriter, r *http.Request, svc Orchestrator, req executeRequest) {
	if !mw.IsServiceCall(r) {
		response.Error(w, http.StatusForbidden, "FORBIDDEN",
			"Background invocations require the service role token", nil)
		return
	}
	if req.RunID == nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "run_id is required", nil)
		return
	}
	if req.StartIndex < 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "start_index must be non-negative", nil)
		return
	}

	err := svc.ProcessChunk(r.Context(), queue.ChunkTask{RunID: *req.RunID, StartIndex: req.StartIndex})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RUN_NOT_FOUND", "Run not found", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Chunk processing failed", nil)
		return
	}
	response.JSON(w, map[string]any{"success": true})
}

func handleInitial(w http.ResponseWriter, r *http.Request, svc Orchestrator, req executeRequest) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return
	}

	start := run.StartRequest{
		TenantID:    tenantID,
		ProcessorID: req.ProcessorID,
		SnapshotID:  req.SnapshotID,
		DocumentID:  req.DocumentID,
		TriggeredBy: "api",
	}
	if req.FileUpload != nil {
		data, err := base64.StdEncoding.DecodeString(req.FileUpload.File)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"file_upload.file must be base64", nil)
			return
		}
		start.Upload = &run.FileUpload{
			Name:     req.FileUpload.Filename,
			MimeType: req.FileUpload.MimeType,
			Data:     data,
		}
	}

	created, err := svc.StartRun(r.Context(), start)
	if err != nil {
		writeStartError(w, err)
		return
	}

	response.Accepted(w, map[string]any{
		"run_id": created.ID,
		"status": created.Status,
	})
}

func writeStartError(w http.ResponseWriter, err error) {
	var pe *llm.ProviderError
	switch {
	case errors.Is(err, run.ErrBadStartRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, run.ErrNoOperations):
		response.Error(w, http.StatusBadRequest, "PROCESSOR_EMPTY",
			"The processor has no operations to execute", nil)
	case errors.Is(err, run.ErrNoCredentials):
		response.Error(w, http.StatusUnprocessableEntity, "NO_CREDENTIALS",
			"No provider credentials are configured for this tenant", nil)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Referenced resource not found", nil)
	case errors.As(err, &pe):
		response.Error(w, http.StatusBadGateway, "PROVIDER_ERROR",
			"Document preparation failed at the provider", map[string]any{
				"provider": pe.Provider,
				"status":   pe.StatusCode,
			})
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
