package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/validai/validai-engine/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error

	GetProcessor(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Processor, error)
	ListOperations(ctx context.Context, processorID uuid.UUID) ([]models.Operation, error)
	GetProcessorSnapshot(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.ProcessorSnapshot, error)

	GetDocument(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Document, error)
	CreateDocument(ctx context.Context, doc *models.Document) error

	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status string, opts ...RunUpdateOption) error
	// IncrementRunProgress atomically bumps the completed or failed counter,
	// keyed by the persisted outcome status of one operation.
	IncrementRunProgress(ctx context.Context, runID uuid.UUID, outcome string) error

	CreateOperationResult(ctx context.Context, result *models.OperationResult) error
	ListOperationResults(ctx context.Context, runID uuid.UUID) ([]*models.OperationResult, error)

	GetProviderCredential(ctx context.Context, tenantID uuid.UUID, provider models.Provider) (*models.ProviderCredential, error)
	GetExecutionConfig(ctx context.Context, provider models.Provider, model string) (*models.ExecutionConfig, error)
}

type runUpdateParams struct {
	ErrorMessage *string
}

type RunUpdateOption func(*runUpdateParams)

func WithErrorMessage(msg string) RunUpdateOption {
	return func(p *runUpdateParams) {
		p.ErrorMessage = &msg
	}
}
