package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/validai/validai-engine/internal/store"
	"github.com/validai/validai-engine/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("validai_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func defaultTenantID(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		`SELECT id FROM tenants WHERE name = 'default'`).Scan(&id)
	require.NoError(t, err)
	return id
}

func sampleRun(tenantID uuid.UUID, ops int) *models.Run {
	operations := make([]models.Operation, ops)
	for i := range operations {
		operations[i] = models.Operation{
			ID:       uuid.New(),
			Name:     "op",
			Type:     models.OperationGeneric,
			Prompt:   "Summarize the document.",
			Position: i,
		}
	}
	now := time.Now().UTC()
	return &models.Run{
		ID:              uuid.New(),
		TenantID:        tenantID,
		Status:          models.RunStatusPending,
		TotalOperations: ops,
		Snapshot: models.RunSnapshot{
			Operations: operations,
			Document:   models.DocumentRef{Name: "contract.pdf", SizeBytes: 1024, MimeType: "application/pdf"},
			Provider:   models.ProviderAnthropic,
			Model:      "claude-sonnet-4-5-20250929",
			Handle:     models.DocumentHandle{Kind: models.HandleAnthropicFile, FileID: "file_123"},
		},
		TriggeredBy: "test",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCreateGetRun_SnapshotRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, pool)

	run := sampleRun(tenantID, 3)
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status)
	assert.Equal(t, 3, got.TotalOperations)
	assert.Len(t, got.Snapshot.Operations, 3)
	assert.Equal(t, models.HandleAnthropicFile, got.Snapshot.Handle.Kind)
	assert.Equal(t, "file_123", got.Snapshot.Handle.FileID)
}

func TestGetRun_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateRunStatus_Transitions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, pool)

	run := sampleRun(tenantID, 1)
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, models.RunStatusProcessing))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusProcessing, got.Status)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, models.RunStatusCompleted))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)

	// Completed is terminal
	err = s.UpdateRunStatus(ctx, run.ID, models.RunStatusProcessing)
	assert.Error(t, err)
}

func TestUpdateRunStatus_FailedWithMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, pool)

	run := sampleRun(tenantID, 1)
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, models.RunStatusFailed,
		store.WithErrorMessage("credential resolution failed")))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "credential resolution failed", *got.ErrorMessage)
}

func TestIncrementRunProgress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, pool)

	run := sampleRun(tenantID, 3)
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.IncrementRunProgress(ctx, run.ID, models.ResultStatusCompleted))
	require.NoError(t, s.IncrementRunProgress(ctx, run.ID, models.ResultStatusCompleted))
	require.NoError(t, s.IncrementRunProgress(ctx, run.ID, models.ResultStatusFailed))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CompletedOperations)
	assert.Equal(t, 1, got.FailedOperations)
}

func TestIncrementRunProgress_UnknownOutcome(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.IncrementRunProgress(context.Background(), uuid.New(), "weird")
	assert.Error(t, err)
}

func TestCreateOperationResult_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, pool)

	run := sampleRun(tenantID, 2)
	require.NoError(t, s.CreateRun(ctx, run))

	result := &models.OperationResult{
		ID:               uuid.New(),
		RunID:            run.ID,
		OperationID:      run.Snapshot.Operations[0].ID,
		OperationName:    "validity check",
		OperationType:    models.OperationValidation,
		ExecutionOrder:   0,
		Status:           models.ResultStatusCompleted,
		ResponseText:     `{"result": true, "comment": "signed by both parties"}`,
		StructuredOutput: json.RawMessage(`{"result":true,"comment":"signed by both parties"}`),
		ModelUsed:        "claude-sonnet-4-5-20250929",
		Usage:            models.TokenUsage{InputTokens: 1200, OutputTokens: 40, CacheReadTokens: 1100},
		ExecutionTimeMS:  842,
		CacheHit:         true,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, s.CreateOperationResult(ctx, result))

	results, err := s.ListOperationResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.OperationValidation, results[0].OperationType)
	assert.True(t, results[0].CacheHit)
	assert.Equal(t, 1100, results[0].Usage.CacheReadTokens)
}

func TestCreateOperationResult_DuplicateOrderRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, pool)

	run := sampleRun(tenantID, 1)
	require.NoError(t, s.CreateRun(ctx, run))

	mk := func() *models.OperationResult {
		return &models.OperationResult{
			ID:             uuid.New(),
			RunID:          run.ID,
			OperationID:    run.Snapshot.Operations[0].ID,
			OperationName:  "op",
			OperationType:  models.OperationGeneric,
			ExecutionOrder: 0,
			Status:         models.ResultStatusCompleted,
			CreatedAt:      time.Now().UTC(),
		}
	}
	require.NoError(t, s.CreateOperationResult(ctx, mk()))
	err := s.CreateOperationResult(ctx, mk())
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestGetExecutionConfig_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetExecutionConfig(context.Background(), models.ProviderGoogle, "gemini-2.5-flash")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetExecutionConfig_Row(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	_, err := pool.Exec(ctx,
		`INSERT INTO execution_configs (provider, model, mode, max_concurrency, warmup_count, batch_delay_ms, chunk_size, rate_limit_safety)
		 VALUES ('anthropic', 'claude-sonnet-4-5-20250929', 'hybrid', 5, 1, 2000, 5, TRUE)`)
	require.NoError(t, err)

	cfg, err := s.GetExecutionConfig(ctx, models.ProviderAnthropic, "claude-sonnet-4-5-20250929")
	require.NoError(t, err)
	assert.Equal(t, models.ModeHybrid, cfg.Mode)
	assert.Equal(t, 1, cfg.WarmupCount)
	assert.Equal(t, 2*time.Second, cfg.BatchDelay)
	assert.Equal(t, 5, cfg.ChunkSize)
}

func TestGetProviderCredential(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, pool)

	_, err := pool.Exec(ctx,
		`INSERT INTO provider_credentials (tenant_id, provider, encrypted_key, model)
		 VALUES ($1, 'mistral', $2, 'mistral-large-latest')`, tenantID, []byte{0x01, 0x02})
	require.NoError(t, err)

	cred, err := s.GetProviderCredential(ctx, tenantID, models.ProviderMistral)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, cred.EncryptedKey)
	assert.Equal(t, "mistral-large-latest", cred.Model)

	_, err = s.GetProviderCredential(ctx, tenantID, models.ProviderGoogle)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDocuments_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, pool)

	doc := &models.Document{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Name:        "contract.txt",
		SizeBytes:   2048,
		MimeType:    "text/plain",
		StoragePath: tenantID.String() + "/contract.txt",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateDocument(ctx, doc))

	got, err := s.GetDocument(ctx, doc.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", got.MimeType)

	_, err = s.GetDocument(ctx, doc.ID, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
