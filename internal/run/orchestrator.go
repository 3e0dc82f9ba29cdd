// Package run orchestrates processor runs: snapshot creation, credential
// resolution, document preparation, chunked background execution, resume,
// and finalization.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/validai/validai-engine/internal/cache"
	"github.com/validai/validai-engine/internal/config"
	"github.com/validai/validai-engine/internal/docstore"
	"github.com/validai/validai-engine/internal/engine"
	"github.com/validai/validai-engine/internal/queue"
	"github.com/validai/validai-engine/internal/secrets"
	"github.com/validai/validai-engine/internal/store"
	"github.com/validai/validai-engine/pkg/models"
)

var (
	ErrNoOperations    = errors.New("processor has no operations")
	ErrNoCredentials   = errors.New("no provider credentials available")
	ErrBadStartRequest = errors.New("invalid run request")
)

// statusTTL bounds how long cached run status entries live.
const statusTTL = time.Hour

// ProviderGateway is the provider-facing slice of the router the
// orchestrator needs. *llm.Router satisfies it.
type ProviderGateway interface {
	Prepare(ctx context.Context, provider models.Provider, doc models.DocumentRef, data []byte, systemPrompt, model, apiKey string) (models.DocumentHandle, error)
	Cleanup(ctx context.Context, provider models.Provider, handle models.DocumentHandle, apiKey string) error
}

// ChunkRunner executes one chunk. *engine.Engine satisfies it.
type ChunkRunner interface {
	ExecuteChunk(ctx context.Context, req engine.ChunkRequest) (engine.ChunkOutcome, error)
}

// FileUpload is an inline document arriving with the run request, already
// base64-decoded by the handler.
type FileUpload struct {
	Name     string
	MimeType string
	Data     []byte
}

// StartRequest describes an initial run invocation. Exactly one of
// ProcessorID/SnapshotID and exactly one of DocumentID/Upload must be set.
type StartRequest struct {
	TenantID    uuid.UUID
	ProcessorID *uuid.UUID
	SnapshotID  *uuid.UUID
	DocumentID  *uuid.UUID
	Upload      *FileUpload
	TriggeredBy string
}

type Orchestrator struct {
	store     store.Store
	docs      docstore.Client
	providers ProviderGateway
	engine    ChunkRunner
	queue     queue.Queue
	cache     cache.Cache
	secrets   *secrets.Box
	envKeys   config.ProvidersConfig
	logger    *slog.Logger
}

func NewOrchestrator(
	st store.Store,
	docs docstore.Client,
	providers ProviderGateway,
	eng ChunkRunner,
	q queue.Queue,
	c cache.Cache,
	box *secrets.Box,
	envKeys config.ProvidersConfig,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:     st,
		docs:      docs,
		providers: providers,
		engine:    eng,
		queue:     q,
		cache:     c,
		secrets:   box,
		envKeys:   envKeys,
		logger:    logger,
	}
}

// definition is the resolved processor content a run snapshots.
type definition struct {
	processorID  *uuid.UUID
	snapshotID   *uuid.UUID
	operations   []models.Operation
	systemPrompt string
	provider     models.Provider
	model        string
	settings     models.ModelSettings
}

// StartRun resolves the processor definition, document, and credentials,
// prepares the document with the provider, persists the pending run, and
// dispatches the first chunk. Everything that can fail does so before the
// run row exists; a StartRun error never leaves a run behind.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (*models.Run, error) {
	if err := validateStartRequest(req); err != nil {
		return nil, err
	}

	def, err := o.resolveDefinition(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(def.operations) == 0 {
		return nil, ErrNoOperations
	}

	docRef, data, err := o.resolveDocument(ctx, req)
	if err != nil {
		return nil, err
	}

	creds, err := o.resolveCredentials(ctx, req.TenantID, def.provider)
	if err != nil {
		return nil, err
	}
	model := def.model
	if model == "" {
		model = creds.model
	}
	if model == "" {
		return nil, fmt.Errorf("no model configured for provider %s", def.provider)
	}

	handle, err := o.providers.Prepare(ctx, def.provider, docRef, data, def.systemPrompt, model, creds.apiKey)
	if err != nil {
		return nil, fmt.Errorf("prepare document: %w", err)
	}

	now := time.Now().UTC()
	run := &models.Run{
		ID:              uuid.New(),
		TenantID:        req.TenantID,
		ProcessorID:     def.processorID,
		SnapshotID:      def.snapshotID,
		Status:          models.RunStatusPending,
		TotalOperations: len(def.operations),
		TriggeredBy:     req.TriggeredBy,
		CreatedAt:       now,
		UpdatedAt:       now,
		Snapshot: models.RunSnapshot{
			Operations:   def.operations,
			Document:     docRef,
			SystemPrompt: def.systemPrompt,
			Provider:     def.provider,
			Model:        model,
			Settings:     def.settings,
			Handle:       handle,
		},
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		// The run row never existed; release what Prepare created.
		o.cleanupProvider(ctx, run.Snapshot, creds.apiKey)
		return nil, fmt.Errorf("persist run: %w", err)
	}

	if err := o.queue.Enqueue(ctx, queue.ChunkTask{RunID: run.ID, StartIndex: 0}); err != nil {
		msg := fmt.Sprintf("dispatch first chunk: %v", err)
		if uerr := o.store.UpdateRunStatus(ctx, run.ID, models.RunStatusFailed, store.WithErrorMessage(msg)); uerr != nil {
			o.logger.Error("failed to mark run failed after dispatch error", "run_id", run.ID, "error", uerr)
		}
		return nil, fmt.Errorf("dispatch first chunk: %w", err)
	}

	if err := o.cache.SetRunStatus(ctx, run.ID, models.RunStatusPending, statusTTL); err != nil {
		o.logger.Warn("failed to cache run status", "run_id", run.ID, "error", err)
	}

	o.logger.Info("run created",
		"run_id", run.ID, "tenant_id", req.TenantID,
		"provider", def.provider, "operations", len(def.operations))
	return run, nil
}

func validateStartRequest(req StartRequest) error {
	if (req.ProcessorID == nil) == (req.SnapshotID == nil) {
		return fmt.Errorf("%w: exactly one of processor_id and playbook_snapshot_id required", ErrBadStartRequest)
	}
	if (req.DocumentID == nil) == (req.Upload == nil) {
		return fmt.Errorf("%w: exactly one of document_id and file_upload required", ErrBadStartRequest)
	}
	if req.Upload != nil && (req.Upload.Name == "" || len(req.Upload.Data) == 0) {
		return fmt.Errorf("%w: file_upload requires a name and content", ErrBadStartRequest)
	}
	return nil
}

func (o *Orchestrator) resolveDefinition(ctx context.Context, req StartRequest) (*definition, error) {
	if req.SnapshotID != nil {
		snap, err := o.store.GetProcessorSnapshot(ctx, *req.SnapshotID, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		return &definition{
			processorID:  &snap.ProcessorID,
			snapshotID:   &snap.ID,
			operations:   snap.Operations,
			systemPrompt: snap.SystemPrompt,
			provider:     providerOrDefault(snap.Provider),
			model:        snap.Model,
			settings:     snap.Settings,
		}, nil
	}

	proc, err := o.store.GetProcessor(ctx, *req.ProcessorID, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load processor: %w", err)
	}

	// A published processor executes its published snapshot, not the live
	// draft. Unpublished processors run the draft directly.
	if proc.PublishedSnapshotID != nil {
		snap, err := o.store.GetProcessorSnapshot(ctx, *proc.PublishedSnapshotID, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("load published snapshot: %w", err)
		}
		return &definition{
			processorID:  &snap.ProcessorID,
			snapshotID:   &snap.ID,
			operations:   snap.Operations,
			systemPrompt: snap.SystemPrompt,
			provider:     providerOrDefault(snap.Provider),
			model:        snap.Model,
			settings:     snap.Settings,
		}, nil
	}

	ops, err := o.store.ListOperations(ctx, proc.ID)
	if err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}
	return &definition{
		processorID:  &proc.ID,
		operations:   ops,
		systemPrompt: proc.SystemPrompt,
		provider:     providerOrDefault(proc.Provider),
		model:        proc.Model,
		settings:     proc.Settings,
	}, nil
}

func providerOrDefault(p models.Provider) models.Provider {
	if p == "" {
		return models.DefaultProvider
	}
	return p
}

func (o *Orchestrator) resolveDocument(ctx context.Context, req StartRequest) (models.DocumentRef, []byte, error) {
	if req.Upload != nil {
		mimeType := req.Upload.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		doc := &models.Document{
			ID:          uuid.New(),
			TenantID:    req.TenantID,
			Name:        req.Upload.Name,
			SizeBytes:   int64(len(req.Upload.Data)),
			MimeType:    mimeType,
			StoragePath: fmt.Sprintf("uploads/%s/%s", uuid.New(), req.Upload.Name),
			CreatedAt:   time.Now().UTC(),
		}
		if err := o.docs.Store(ctx, doc.StoragePath, req.Upload.Data, mimeType); err != nil {
			return models.DocumentRef{}, nil, fmt.Errorf("store uploaded document: %w", err)
		}
		if err := o.store.CreateDocument(ctx, doc); err != nil {
			return models.DocumentRef{}, nil, fmt.Errorf("persist uploaded document: %w", err)
		}
		return models.DocumentRef{
			Name:        doc.Name,
			SizeBytes:   doc.SizeBytes,
			MimeType:    doc.MimeType,
			StoragePath: doc.StoragePath,
			Inline:      true,
		}, req.Upload.Data, nil
	}

	doc, err := o.store.GetDocument(ctx, *req.DocumentID, req.TenantID)
	if err != nil {
		return models.DocumentRef{}, nil, fmt.Errorf("load document: %w", err)
	}
	data, err := o.docs.Fetch(ctx, doc.StoragePath)
	if err != nil {
		return models.DocumentRef{}, nil, fmt.Errorf("fetch document bytes: %w", err)
	}
	return models.DocumentRef{
		Name:        doc.Name,
		SizeBytes:   doc.SizeBytes,
		MimeType:    doc.MimeType,
		StoragePath: doc.StoragePath,
	}, data, nil
}

type credentials struct {
	apiKey string
	model  string
}

// resolveCredentials prefers the tenant's stored credential and falls back
// to the environment-level key for the provider.
func (o *Orchestrator) resolveCredentials(ctx context.Context, tenantID uuid.UUID, provider models.Provider) (credentials, error) {
	cred, err := o.store.GetProviderCredential(ctx, tenantID, provider)
	switch {
	case err == nil:
		apiKey, oerr := o.secrets.Open(cred.EncryptedKey)
		if oerr != nil {
			return credentials{}, fmt.Errorf("decrypt credential for %s: %w", provider, oerr)
		}
		return credentials{apiKey: apiKey, model: cred.Model}, nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return credentials{}, fmt.Errorf("load credential: %w", err)
	}

	var key, model string
	switch provider {
	case models.ProviderAnthropic:
		key, model = o.envKeys.Anthropic.APIKey, o.envKeys.Anthropic.Model
	case models.ProviderGoogle:
		key, model = o.envKeys.Google.APIKey, o.envKeys.Google.Model
	case models.ProviderMistral:
		key, model = o.envKeys.Mistral.APIKey, o.envKeys.Mistral.Model
	}
	if key == "" {
		return credentials{}, fmt.Errorf("%w for provider %s", ErrNoCredentials, provider)
	}
	return credentials{apiKey: key, model: model}, nil
}

// ProcessChunk executes one chunk of a run and either enqueues the next
// chunk or finalizes the run. It is the continuation-queue handler and also
// backs the HTTP background invocation path.
func (o *Orchestrator) ProcessChunk(ctx context.Context, task queue.ChunkTask) error {
	run, err := o.store.GetRun(ctx, task.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", task.RunID, err)
	}

	if run.Terminal() {
		// Cancellation (or a concurrent finalize) lands here; the chain
		// stops without touching the run again.
		o.logger.Info("run already terminal, dropping chunk",
			"run_id", run.ID, "status", run.Status, "start_index", task.StartIndex)
		return nil
	}

	if run.Status == models.RunStatusPending {
		if err := o.store.UpdateRunStatus(ctx, run.ID, models.RunStatusProcessing); err != nil {
			return fmt.Errorf("mark run processing: %w", err)
		}
		run.Status = models.RunStatusProcessing
		o.cacheStatus(ctx, run.ID, models.RunStatusProcessing)
	}

	// Resume invariant: never re-run an operation that already has a
	// persisted result, whatever start index the caller asked for.
	effectiveStart := max(task.StartIndex, run.CompletedOperations+run.FailedOperations)
	total := len(run.Snapshot.Operations)

	if effectiveStart >= total {
		return o.finalize(ctx, run)
	}

	creds, err := o.resolveCredentials(ctx, run.TenantID, run.Snapshot.Provider)
	if err != nil {
		return o.failRun(ctx, run, err)
	}

	cfg := o.executionConfig(ctx, run.Snapshot.Provider, run.Snapshot.Model)
	end := min(effectiveStart+cfg.ChunkSize, total)

	o.logger.Info("executing chunk",
		"run_id", run.ID, "start", effectiveStart, "end", end,
		"mode", cfg.Mode, "concurrency", cfg.MaxConcurrency)

	_, err = o.engine.ExecuteChunk(ctx, engine.ChunkRequest{
		Run:        run,
		Operations: run.Snapshot.Operations[effectiveStart:end],
		StartIndex: effectiveStart,
		Config:     cfg,
		APIKey:     creds.apiKey,
		FirstChunk: effectiveStart == 0,
	})
	if err != nil {
		// Shutdown cancellation is not a run failure. The run stays
		// processing and the resume invariant makes replaying it safe.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			o.logger.Info("chunk interrupted, run left resumable",
				"run_id", run.ID, "start", effectiveStart)
			return fmt.Errorf("execute chunk: %w", err)
		}
		return o.failRun(ctx, run, fmt.Errorf("execute chunk: %w", err))
	}

	if end < total {
		if err := o.queue.Enqueue(ctx, queue.ChunkTask{RunID: run.ID, StartIndex: end}); err != nil {
			return o.failRun(ctx, run, fmt.Errorf("dispatch next chunk: %w", err))
		}
		return nil
	}

	// Reload for fresh counters before finalizing.
	run, err = o.store.GetRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("reload run %s: %w", task.RunID, err)
	}
	return o.finalize(ctx, run)
}

func (o *Orchestrator) executionConfig(ctx context.Context, provider models.Provider, model string) models.ExecutionConfig {
	cfg, err := o.store.GetExecutionConfig(ctx, provider, model)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("execution config lookup failed, using defaults",
				"provider", provider, "model", model, "error", err)
		}
		return models.DefaultExecutionConfig(provider)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = models.DefaultExecutionConfig(provider).ChunkSize
	}
	return *cfg
}

// finalize closes out a run whose operations have all settled. Per-operation
// failures do not fail the run; they are visible in the counters and result
// rows.
func (o *Orchestrator) finalize(ctx context.Context, run *models.Run) error {
	if run.Terminal() {
		return nil
	}
	if err := o.store.UpdateRunStatus(ctx, run.ID, models.RunStatusCompleted); err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	o.cacheStatus(ctx, run.ID, models.RunStatusCompleted)

	if creds, err := o.resolveCredentials(ctx, run.TenantID, run.Snapshot.Provider); err == nil {
		o.cleanupProvider(ctx, run.Snapshot, creds.apiKey)
	}

	o.logger.Info("run completed",
		"run_id", run.ID,
		"completed", run.CompletedOperations, "failed", run.FailedOperations,
		"total", run.TotalOperations)
	return nil
}

func (o *Orchestrator) failRun(ctx context.Context, run *models.Run, cause error) error {
	if err := o.store.UpdateRunStatus(ctx, run.ID, models.RunStatusFailed, store.WithErrorMessage(cause.Error())); err != nil {
		o.logger.Error("failed to mark run failed", "run_id", run.ID, "error", err)
	}
	o.cacheStatus(ctx, run.ID, models.RunStatusFailed)

	if creds, err := o.resolveCredentials(ctx, run.TenantID, run.Snapshot.Provider); err == nil {
		o.cleanupProvider(ctx, run.Snapshot, creds.apiKey)
	}
	return cause
}

func (o *Orchestrator) cacheStatus(ctx context.Context, runID uuid.UUID, status string) {
	if err := o.cache.SetRunStatus(ctx, runID, status, statusTTL); err != nil {
		o.logger.Warn("failed to cache run status", "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) cleanupProvider(ctx context.Context, snapshot models.RunSnapshot, apiKey string) {
	if err := o.providers.Cleanup(ctx, snapshot.Provider, snapshot.Handle, apiKey); err != nil {
		o.logger.Warn("provider cleanup failed",
			"provider", snapshot.Provider, "error", err)
	}
}
