package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autopilot-defi/autopilot-indexer/internal/backfill"
	"github.com/autopilot-defi/autopilot-indexer/internal/config"
	"github.com/autopilot-defi/autopilot-indexer/internal/db"
	"github.com/autopilot-defi/autopilot-indexer/internal/projector"
	"github.com/autopilot-defi/autopilot-indexer/pkg/db/postgres"
	"github.com/autopilot-defi/autopilot-indexer/pkg/ledger"
)

func main() {
	// Parse flags
	dryRun := flag.Bool("dry-run", false, "Only count logs, don't project")
	startBlock := flag.Uint64("start", 0, "Start block (default: resume after last projected block)")
	endBlock := flag.Uint64("end", 0, "End block (default: current chain head)")
	chunkSize := flag.Uint64("chunk", 0, "Blocks per eth_getLogs request (default: 2000)")
	concurrency := flag.Int("concurrency", 0, "Concurrent block timestamp fetches (default: 10)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load base configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// Setup logging
	setupLogging(cfg.LogLevel)

	if cfg.PostgresURL == "" {
		slog.Error("POSTGRES_URL is required for backfill")
		os.Exit(1)
	}

	// Connect to PostgreSQL
	pool, err := db.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	store, err := postgres.New(ctx, pool)
	if err != nil {
		slog.Error("failed to init postgres store", "err", err)
		os.Exit(1)
	}

	// Ledger RPC client
	client := ledger.New(ledger.Opts{
		Endpoints: cfg.LedgerRPCURLs,
		RPS:       cfg.RPCRPS,
		Burst:     cfg.RPCBurst,
	})

	proj := projector.New(store, projector.Config{
		SavingsRatioBps: cfg.SavingsRatioBps,
	})

	// Build backfill config
	backfillCfg := backfill.LoadConfig()

	// Override with flags if provided
	if *dryRun {
		backfillCfg.DryRun = true
	}
	if *startBlock > 0 {
		backfillCfg.StartBlock = *startBlock
	}
	if *endBlock > 0 {
		backfillCfg.EndBlock = *endBlock
	}
	if *chunkSize > 0 {
		backfillCfg.ChunkSize = *chunkSize
	}
	if *concurrency > 0 {
		backfillCfg.Concurrency = *concurrency
	}

	// Resume from the last projected block unless a start was given
	if backfillCfg.StartBlock == 0 {
		last, err := store.LastBlock(ctx)
		if err != nil {
			slog.Error("failed to read last projected block", "err", err)
			os.Exit(1)
		}
		if last > 0 {
			backfillCfg.StartBlock = last + 1
			slog.Info("resuming after last projected block", "block", last)
		}
	}

	bf := backfill.New(client, proj, cfg.ContractAddress, backfillCfg)

	result, err := bf.Run(ctx)
	if err != nil {
		slog.Error("backfill failed", "err", err)
		os.Exit(1)
	}

	fmt.Printf("Backfill Results:\n")
	fmt.Printf("  Total Logs:    %d\n", result.TotalLogs)
	fmt.Printf("  Total Applied: %d\n", result.TotalApplied)
	fmt.Printf("  Total Skipped: %d\n", result.TotalSkipped)
	fmt.Printf("  Total Failed:  %d\n", result.TotalFailed)
	fmt.Printf("  Duration:      %s\n", result.Duration.Round(time.Millisecond))

	if len(result.Errors) > 0 {
		fmt.Printf("  Errors:\n")
		for _, e := range result.Errors {
			fmt.Printf("    %v\n", e)
		}
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
