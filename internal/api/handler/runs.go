package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/validai/validai-engine/internal/api/middleware"
	"github.com/validai/validai-engine/internal/api/response"
	"github.com/validai/validai-engine/internal/store"
	"github.com/validai/validai-engine/pkg/models"
)

// RunReader is the read-only slice of the store the run endpoints use.
type RunReader interface {
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	ListOperationResults(ctx context.Context, runID uuid.UUID) ([]*models.OperationResult, error)
}

// loadRun parses {runID}, loads the run, and enforces tenant ownership.
// Service calls may read any run.
func loadRun(w http.ResponseWriter, r *http.Request, reader RunReader) *models.Run {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "runID must be a UUID", nil)
		return nil
	}

	rn, err := reader.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RUN_NOT_FOUND", "Run not found", nil)
			return nil
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load run", nil)
		return nil
	}

	if !mw.IsServiceCall(r) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok || tenantID != rn.TenantID {
			// Hide existence from other tenants.
			response.Error(w, http.StatusNotFound, "RUN_NOT_FOUND", "Run not found", nil)
			return nil
		}
	}
	return rn
}

// NewGetRunHandler returns the handler for GET /api/v1/runs/{runID}.
func NewGetRunHandler(reader RunReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn := loadRun(w, r, reader)
		if rn == nil {
			return
		}
		response.JSON(w, runView(rn))
	}
}

// NewListResultsHandler returns the handler for GET /api/v1/runs/{runID}/results.
func NewListResultsHandler(reader RunReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn := loadRun(w, r, reader)
		if rn == nil {
			return
		}
		results, err := reader.ListOperationResults(r.Context(), rn.ID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load results", nil)
			return
		}
		response.JSON(w, map[string]any{
			"run_id":  rn.ID,
			"status":  rn.Status,
			"results": results,
		})
	}
}

func runView(rn *models.Run) map[string]any {
	view := map[string]any{
		"run_id":               rn.ID,
		"status":               rn.Status,
		"total_operations":     rn.TotalOperations,
		"completed_operations": rn.CompletedOperations,
		"failed_operations":    rn.FailedOperations,
		"provider":             rn.Snapshot.Provider,
		"model":                rn.Snapshot.Model,
		"document":             rn.Snapshot.Document.Name,
		"created_at":           rn.CreatedAt,
	}
	if rn.StartedAt != nil {
		view["started_at"] = rn.StartedAt
	}
	if rn.CompletedAt != nil {
		view["completed_at"] = rn.CompletedAt
	}
	if rn.ErrorMessage != nil {
		view["error_message"] = *rn.ErrorMessage
	}
	return view
}
