// Package engine schedules a chunk of operations against a provider:
// serially, in concurrency-bounded waves, or hybrid (a serial warmup
// followed by waves).
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/validai/validai-engine/internal/llm"
	"github.com/validai/validai-engine/internal/store"
	"github.com/validai/validai-engine/pkg/models"
)

// Caller issues one operation call through retry and routing. *llm.Router
// satisfies it.
type Caller interface {
	Execute(ctx context.Context, provider models.Provider, req llm.Request) (*llm.Result, error)
}

// ResultStore is the slice of the store the engine writes through.
type ResultStore interface {
	CreateOperationResult(ctx context.Context, result *models.OperationResult) error
	IncrementRunProgress(ctx context.Context, runID uuid.UUID, outcome string) error
}

// ChunkRequest describes one chunk execution. Operations[0] has execution
// order StartIndex within the run.
type ChunkRequest struct {
	Run        *models.Run
	Operations []models.Operation
	StartIndex int
	Config     models.ExecutionConfig
	APIKey     string
	// FirstChunk gates the hybrid warmup; later chunks run fully parallel
	// because the provider cache is already warm.
	FirstChunk bool
}

// ChunkOutcome reports per-chunk progress. Handle is non-nil when a serial
// call returned an updated document handle the run should adopt.
type ChunkOutcome struct {
	Completed int
	Failed    int
	Handle    *models.DocumentHandle
}

type Engine struct {
	caller Caller
	store  ResultStore
	logger *slog.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(caller Caller, st ResultStore, logger *slog.Logger) *Engine {
	return &Engine{
		caller: caller,
		store:  st,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExecuteChunk runs every operation in the chunk, persisting one result per
// operation as soon as it finishes. Provider failures never abort the chunk;
// the operation is recorded as failed and execution moves on. Only
// infrastructure failures (persistence, cancellation) surface as errors.
func (e *Engine) ExecuteChunk(ctx context.Context, req ChunkRequest) (ChunkOutcome, error) {
	var outcome ChunkOutcome
	handle := req.Run.Snapshot.Handle

	serialCount := 0
	switch req.Config.Mode {
	case models.ModeSerial:
		serialCount = len(req.Operations)
	case models.ModeHybrid:
		if req.FirstChunk {
			serialCount = min(req.Config.WarmupCount, len(req.Operations))
		}
	}

	// Warmup and serial operations each form their own wave so the provider
	// cache write from one call lands before the next begins.
	for i := 0; i < serialCount; i++ {
		res, err := e.executeOne(ctx, req, req.Operations[i], req.StartIndex+i, handle)
		if err != nil {
			return outcome, err
		}
		outcome.add(res)
		if res.updatedHandle != nil {
			handle = *res.updatedHandle
			outcome.Handle = res.updatedHandle
		}
		if err := e.delayBetweenWaves(ctx, req.Config, len(req.Operations)-i-1); err != nil {
			return outcome, err
		}
	}

	remaining := req.Operations[serialCount:]
	order := req.StartIndex + serialCount
	concurrency := max(req.Config.MaxConcurrency, 1)

	for len(remaining) > 0 {
		wave := remaining[:min(concurrency, len(remaining))]
		remaining = remaining[len(wave):]

		var mu sync.Mutex
		rateLimited := false

		g, gctx := errgroup.WithContext(ctx)
		for i, op := range wave {
			opOrder := order + i
			g.Go(func() error {
				res, err := e.executeOne(gctx, req, op, opOrder, handle)
				if err != nil {
					return err
				}
				mu.Lock()
				outcome.add(res)
				rateLimited = rateLimited || res.rateLimited
				mu.Unlock()
				return nil
			})
		}
		order += len(wave)
		if err := g.Wait(); err != nil {
			return outcome, err
		}

		// Rate limiting observed in this wave halves the next wave. The
		// reduction lasts for the rest of this invocation only.
		if rateLimited && req.Config.RateLimitSafety && concurrency > 1 {
			concurrency = max(concurrency/2, 1)
			e.logger.Warn("rate limited, halving concurrency",
				"run_id", req.Run.ID, "concurrency", concurrency)
		}

		if err := e.delayBetweenWaves(ctx, req.Config, len(remaining)); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (e *Engine) delayBetweenWaves(ctx context.Context, cfg models.ExecutionConfig, remaining int) error {
	if remaining <= 0 || cfg.BatchDelay <= 0 {
		return nil
	}
	return e.sleep(ctx, cfg.BatchDelay)
}

type opOutcome struct {
	completed     bool
	skipped       bool
	rateLimited   bool
	updatedHandle *models.DocumentHandle
}

func (o *ChunkOutcome) add(res opOutcome) {
	switch {
	case res.skipped:
	case res.completed:
		o.Completed++
	default:
		o.Failed++
	}
}

// executeOne performs one operation call and persists its result. The
// returned error is infrastructure-level only; provider errors become a
// failed result row.
func (e *Engine) executeOne(ctx context.Context, req ChunkRequest, op models.Operation, order int, handle models.DocumentHandle) (opOutcome, error) {
	snapshot := req.Run.Snapshot

	res, callErr := e.caller.Execute(ctx, snapshot.Provider, llm.Request{
		Operation:    op,
		Document:     snapshot.Document,
		SystemPrompt: snapshot.SystemPrompt,
		Model:        snapshot.Model,
		Settings:     snapshot.Settings,
		APIKey:       req.APIKey,
		Handle:       handle,
	})

	record := &models.OperationResult{
		ID:             uuid.New(),
		RunID:          req.Run.ID,
		OperationID:    op.ID,
		OperationName:  op.Name,
		OperationType:  op.Type,
		ExecutionOrder: order,
		CreatedAt:      time.Now().UTC(),
	}

	var out opOutcome
	if callErr != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		msg := callErr.Error()
		errType := llm.ErrorType(callErr)
		record.Status = models.ResultStatusFailed
		record.ErrorMessage = &msg
		record.ErrorType = &errType
		record.RetryCount = llm.RetryCount(callErr)
		out.rateLimited = llm.IsRateLimit(callErr)
		e.logger.Warn("operation failed",
			"run_id", req.Run.ID, "operation", op.Name, "order", order,
			"error_type", errType, "error", msg)
	} else {
		record.Status = models.ResultStatusCompleted
		record.ResponseText = res.ResponseText
		record.StructuredOutput = res.StructuredOutput
		record.ThinkingBlocks = res.Thinking
		record.ModelUsed = res.Model
		record.Usage = res.Usage
		record.ExecutionTimeMS = res.ExecutionTimeMS
		record.CacheHit = res.CacheHit
		if res.ValidationError != "" {
			record.ErrorMessage = &res.ValidationError
			vt := "validation"
			record.ErrorType = &vt
		}
		out.completed = true
		out.updatedHandle = res.UpdatedHandle
	}

	if err := e.store.CreateOperationResult(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Already persisted by an earlier invocation; counters were
			// bumped then, so do not count it again.
			e.logger.Info("result already recorded, skipping",
				"run_id", req.Run.ID, "order", order)
			return opOutcome{skipped: true}, nil
		}
		return opOutcome{}, err
	}

	outcomeLabel := models.ResultStatusFailed
	if out.completed {
		outcomeLabel = models.ResultStatusCompleted
	}
	if err := e.store.IncrementRunProgress(ctx, req.Run.ID, outcomeLabel); err != nil {
		return opOutcome{}, err
	}
	return out, nil
}
