package backfill

import (
	"os"
	"strconv"
	"time"
)

// Config holds backfill-specific configuration.
type Config struct {
	// StartBlock overrides the start of the range (default: resume from
	// the highest projected block, or 1 on an empty store).
	StartBlock uint64

	// EndBlock overrides the end of the range (default: current chain
	// head). Use 0 to fetch from RPC.
	EndBlock uint64

	// ChunkSize is the number of blocks per eth_getLogs request.
	ChunkSize uint64

	// Concurrency is the number of concurrent block timestamp fetches.
	Concurrency int

	// DryRun only counts logs without projecting them.
	DryRun bool

	// ProgressInterval is how often to log progress.
	ProgressInterval time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		StartBlock:       0,
		EndBlock:         0,
		ChunkSize:        2000,
		Concurrency:      10,
		DryRun:           false,
		ProgressInterval: 10 * time.Second,
	}
}

// LoadConfig loads backfill configuration from environment variables.
func LoadConfig() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("BACKFILL_START_BLOCK"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.StartBlock = n
		}
	}

	if v := os.Getenv("BACKFILL_END_BLOCK"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.EndBlock = n
		}
	}

	if v := os.Getenv("BACKFILL_CHUNK_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			cfg.ChunkSize = n
		}
	}

	if v := os.Getenv("BACKFILL_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}

	if v := os.Getenv("BACKFILL_DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}

	if v := os.Getenv("BACKFILL_PROGRESS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ProgressInterval = d
		}
	}

	return cfg
}
