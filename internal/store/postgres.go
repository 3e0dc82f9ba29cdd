package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/validai/validai-engine/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// --- Processors ---

func (s *PostgresStore) GetProcessor(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Processor, error) {
	var p models.Processor
	var settings []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, system_prompt, provider, model, settings, published_snapshot_id, created_at, updated_at
		 FROM processors WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&p.ID, &p.TenantID, &p.Name, &p.SystemPrompt, &p.Provider, &p.Model,
		&settings, &p.PublishedSnapshotID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get processor: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &p.Settings); err != nil {
			return nil, fmt.Errorf("decode processor settings: %w", err)
		}
	}
	return &p, nil
}

func (s *PostgresStore) ListOperations(ctx context.Context, processorID uuid.UUID) ([]models.Operation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, type, prompt, position, config
		 FROM operations WHERE processor_id = $1 ORDER BY position ASC`, processorID)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		var op models.Operation
		if err := rows.Scan(&op.ID, &op.Name, &op.Type, &op.Prompt, &op.Position, &op.Config); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *PostgresStore) GetProcessorSnapshot(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.ProcessorSnapshot, error) {
	var snap models.ProcessorSnapshot
	var operations, settings []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, processor_id, tenant_id, operations, system_prompt, provider, model, settings, created_at
		 FROM processor_snapshots WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&snap.ID, &snap.ProcessorID, &snap.TenantID, &operations, &snap.SystemPrompt,
		&snap.Provider, &snap.Model, &settings, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get processor snapshot: %w", err)
	}
	if err := json.Unmarshal(operations, &snap.Operations); err != nil {
		return nil, fmt.Errorf("decode snapshot operations: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &snap.Settings); err != nil {
			return nil, fmt.Errorf("decode snapshot settings: %w", err)
		}
	}
	return &snap, nil
}

// --- Documents ---

func (s *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Document, error) {
	var d models.Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, size_bytes, mime_type, storage_path, created_at
		 FROM documents WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&d.ID, &d.TenantID, &d.Name, &d.SizeBytes, &d.MimeType, &d.StoragePath, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, tenant_id, name, size_bytes, mime_type, storage_path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		doc.ID, doc.TenantID, doc.Name, doc.SizeBytes, doc.MimeType, doc.StoragePath, doc.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	snapshot, err := json.Marshal(run.Snapshot)
	if err != nil {
		return fmt.Errorf("encode run snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, tenant_id, processor_id, snapshot_id, status, total_operations,
		                   completed_operations, failed_operations, snapshot, triggered_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.TenantID, run.ProcessorID, run.SnapshotID, run.Status, run.TotalOperations,
		run.CompletedOperations, run.FailedOperations, snapshot, run.TriggeredBy, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	var r models.Run
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, processor_id, snapshot_id, status, total_operations,
		        completed_operations, failed_operations, snapshot, error_message, triggered_by,
		        started_at, completed_at, created_at, updated_at
		 FROM runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.TenantID, &r.ProcessorID, &r.SnapshotID, &r.Status, &r.TotalOperations,
		&r.CompletedOperations, &r.FailedOperations, &snapshot, &r.ErrorMessage, &r.TriggeredBy,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if err := json.Unmarshal(snapshot, &r.Snapshot); err != nil {
		return nil, fmt.Errorf("decode run snapshot: %w", err)
	}
	return &r, nil
}

var validRunTransitions = map[string][]string{
	models.RunStatusPending:    {models.RunStatusProcessing, models.RunStatusFailed, models.RunStatusCancelled},
	models.RunStatusProcessing: {models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled},
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id uuid.UUID, status string, opts ...RunUpdateOption) error {
	params := &runUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}

	allowed := validRunTransitions[currentStatus]
	valid := false
	for _, a := range allowed {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid run status transition: %s -> %s", currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE runs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.RunStatusProcessing {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status == models.RunStatusCompleted || status == models.RunStatusFailed || status == models.RunStatusCancelled {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}

	query += " WHERE id = $1"

	_, err = s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementRunProgress(ctx context.Context, runID uuid.UUID, outcome string) error {
	var column string
	switch outcome {
	case models.ResultStatusCompleted:
		column = "completed_operations"
	case models.ResultStatusFailed:
		column = "failed_operations"
	default:
		return fmt.Errorf("unknown operation outcome %q", outcome)
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE runs SET %s = %s + 1, updated_at = NOW() WHERE id = $1`, column, column), runID)
	if err != nil {
		return fmt.Errorf("increment run progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Operation Results ---

func (s *PostgresStore) CreateOperationResult(ctx context.Context, result *models.OperationResult) error {
	usage, err := json.Marshal(result.Usage)
	if err != nil {
		return fmt.Errorf("encode token usage: %w", err)
	}
	var thinking []byte
	if len(result.ThinkingBlocks) > 0 {
		thinking, err = json.Marshal(result.ThinkingBlocks)
		if err != nil {
			return fmt.Errorf("encode thinking blocks: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO operation_results (id, run_id, operation_id, operation_name, operation_type,
		        execution_order, status, response_text, structured_output, thinking_blocks, model_used,
		        tokens_used, execution_time_ms, cache_hit, error_message, error_type, retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		result.ID, result.RunID, result.OperationID, result.OperationName, result.OperationType,
		result.ExecutionOrder, result.Status, result.ResponseText, result.StructuredOutput, thinking,
		result.ModelUsed, usage, result.ExecutionTimeMS, result.CacheHit,
		result.ErrorMessage, result.ErrorType, result.RetryCount, result.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create operation result: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOperationResults(ctx context.Context, runID uuid.UUID) ([]*models.OperationResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, operation_id, operation_name, operation_type, execution_order, status,
		        response_text, structured_output, thinking_blocks, model_used, tokens_used,
		        execution_time_ms, cache_hit, error_message, error_type, retry_count, created_at
		 FROM operation_results WHERE run_id = $1 ORDER BY execution_order ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list operation results: %w", err)
	}
	defer rows.Close()

	var results []*models.OperationResult
	for rows.Next() {
		var r models.OperationResult
		var usage, thinking []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.OperationID, &r.OperationName, &r.OperationType,
			&r.ExecutionOrder, &r.Status, &r.ResponseText, &r.StructuredOutput, &thinking,
			&r.ModelUsed, &usage, &r.ExecutionTimeMS, &r.CacheHit,
			&r.ErrorMessage, &r.ErrorType, &r.RetryCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan operation result: %w", err)
		}
		if len(usage) > 0 {
			if err := json.Unmarshal(usage, &r.Usage); err != nil {
				return nil, fmt.Errorf("decode token usage: %w", err)
			}
		}
		if len(thinking) > 0 {
			if err := json.Unmarshal(thinking, &r.ThinkingBlocks); err != nil {
				return nil, fmt.Errorf("decode thinking blocks: %w", err)
			}
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// --- Provider Credentials ---

func (s *PostgresStore) GetProviderCredential(ctx context.Context, tenantID uuid.UUID, provider models.Provider) (*models.ProviderCredential, error) {
	var c models.ProviderCredential
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, provider, encrypted_key, model, created_at, updated_at
		 FROM provider_credentials WHERE tenant_id = $1 AND provider = $2`, tenantID, provider,
	).Scan(&c.ID, &c.TenantID, &c.Provider, &c.EncryptedKey, &c.Model, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider credential: %w", err)
	}
	return &c, nil
}

// --- Execution Configs ---

func (s *PostgresStore) GetExecutionConfig(ctx context.Context, provider models.Provider, model string) (*models.ExecutionConfig, error) {
	var c models.ExecutionConfig
	var batchDelayMS int64
	err := s.pool.QueryRow(ctx,
		`SELECT provider, model, mode, max_concurrency, warmup_count, batch_delay_ms, chunk_size, rate_limit_safety
		 FROM execution_configs WHERE provider = $1 AND model = $2`, provider, model,
	).Scan(&c.Provider, &c.Model, &c.Mode, &c.MaxConcurrency, &c.WarmupCount,
		&batchDelayMS, &c.ChunkSize, &c.RateLimitSafety)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution config: %w", err)
	}
	c.BatchDelay = time.Duration(batchDelayMS) * time.Millisecond
	return &c, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
