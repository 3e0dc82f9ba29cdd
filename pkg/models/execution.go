package models

import "time"

// ExecutionMode selects how a chunk's operations are scheduled.
type ExecutionMode string

const (
	// ModeSerial runs operations strictly one after another.
	ModeSerial ExecutionMode = "serial"
	// ModeParallel runs operations in concurrency-bounded waves.
	ModeParallel ExecutionMode = "parallel"
	// ModeHybrid runs the first WarmupCount operations serially so the
	// provider's prompt cache populates from a single write, then switches to
	// parallel. Applies only to a run's first chunk.
	ModeHybrid ExecutionMode = "hybrid"
)

// ExecutionConfig holds per-(provider, model) tuning for the execution
// engine. Rows live in the execution_configs table; absent rows fall back to
// per-provider defaults.
type ExecutionConfig struct {
	Provider        Provider      `db:"provider"          json:"provider"`
	Model           string        `db:"model"             json:"model"`
	Mode            ExecutionMode `db:"mode"              json:"mode"`
	MaxConcurrency  int           `db:"max_concurrency"   json:"max_concurrency"`
	WarmupCount     int           `db:"warmup_count"      json:"warmup_count"`
	BatchDelay      time.Duration `db:"batch_delay_ms"    json:"batch_delay_ms"`
	ChunkSize       int           `db:"chunk_size"        json:"chunk_size"`
	RateLimitSafety bool          `db:"rate_limit_safety" json:"rate_limit_safety"`
}

// DefaultExecutionConfig returns the hardcoded fallback tuning for a provider.
// Anthropic defaults to hybrid so the first operation's cache write lands
// before concurrent readers arrive; Gemini and Mistral have no ordering
// requirement and go straight to parallel.
func DefaultExecutionConfig(provider Provider) ExecutionConfig {
	cfg := ExecutionConfig{
		Provider:        provider,
		Mode:            ModeParallel,
		MaxConcurrency:  5,
		WarmupCount:     0,
		BatchDelay:      time.Second,
		ChunkSize:       10,
		RateLimitSafety: true,
	}
	if provider == ProviderAnthropic {
		cfg.Mode = ModeHybrid
		cfg.WarmupCount = 1
	}
	return cfg
}
