package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/autopilot-defi/autopilot-indexer/internal/api"
	"github.com/autopilot-defi/autopilot-indexer/internal/api/handler"
	"github.com/autopilot-defi/autopilot-indexer/internal/config"
	"github.com/autopilot-defi/autopilot-indexer/internal/db"
	"github.com/autopilot-defi/autopilot-indexer/internal/facade"
	"github.com/autopilot-defi/autopilot-indexer/internal/listener"
	"github.com/autopilot-defi/autopilot-indexer/internal/projector"
	"github.com/autopilot-defi/autopilot-indexer/internal/publisher"
	"github.com/autopilot-defi/autopilot-indexer/internal/worker"
	"github.com/autopilot-defi/autopilot-indexer/pkg/db/postgres"
	"github.com/autopilot-defi/autopilot-indexer/pkg/events"
	"github.com/autopilot-defi/autopilot-indexer/pkg/ledger"
)

// projectionStore is the full store surface shared by the PostgreSQL and
// in-memory implementations.
type projectionStore interface {
	projector.Store
	handler.Reader
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// Setup logging
	setupLogging(cfg.LogLevel)

	slog.Info("starting autopilot-indexer",
		"contract", cfg.ContractAddress,
		"listener_enabled", cfg.LedgerWSURL != "",
		"http_enabled", cfg.HTTPEnabled,
	)

	// Select store: PostgreSQL, or the in-memory store for local dev
	var store projectionStore
	if cfg.PostgresURL != "" {
		pool, err := db.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			os.Exit(1)
		}
		defer pool.Close()

		pg, err := postgres.New(ctx, pool)
		if err != nil {
			slog.Error("failed to init postgres store", "err", err)
			os.Exit(1)
		}
		store = pg
	} else {
		slog.Warn("POSTGRES_URL not set, using in-memory store")
		store = projector.NewMemStore()
	}

	// Connect to Redis
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to parse redis url", "err", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	// Ledger RPC client
	client := ledger.New(ledger.Opts{
		Endpoints: cfg.LedgerRPCURLs,
		RPS:       cfg.RPCRPS,
		Burst:     cfg.RPCBurst,
	})

	// Create publisher
	pub, err := publisher.New(redisClient, cfg.EventsTopic)
	if err != nil {
		slog.Error("failed to create publisher", "err", err)
		os.Exit(1)
	}
	defer pub.Close()

	// Create projector
	proj := projector.New(store, projector.Config{
		SavingsRatioBps: cfg.SavingsRatioBps,
	})

	// Create worker
	wrk, err := worker.New(worker.Config{
		RedisClient:   redisClient,
		Projector:     proj,
		Topic:         cfg.EventsTopic,
		ConsumerGroup: cfg.ConsumerGroup,
		Concurrency:   cfg.WorkerConcurrency,
	})
	if err != nil {
		slog.Error("failed to create worker", "err", err)
		os.Exit(1)
	}
	defer wrk.Close()

	// Run all components
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting worker")
		return wrk.Run(ctx)
	})

	if cfg.LedgerWSURL != "" {
		lst := listener.New(listener.Config{
			URL:             cfg.LedgerWSURL,
			ContractAddress: cfg.ContractAddress,
			MaxRetries:      cfg.WSMaxRetries,
			ReconnectDelay:  cfg.WSReconnectDelay,
		}, client, func(env events.Envelope) error {
			return pub.PublishLog(ctx, env)
		})
		g.Go(func() error {
			slog.Info("starting websocket listener", "url", cfg.LedgerWSURL)
			return lst.Run(ctx)
		})
	}

	if cfg.HTTPEnabled {
		zlog, err := zap.NewProduction()
		if err != nil {
			slog.Error("failed to create zap logger", "err", err)
			os.Exit(1)
		}
		defer zlog.Sync()

		// Read-only facade: onchain reads work, writes need a signer
		fac := facade.New(client, cfg.ContractAddress, nil, cfg.ReceiptPollInterval)

		srv, err := api.NewServer(store, fac, zlog, cfg.HTTPAddr, cfg.AdminToken)
		if err != nil {
			slog.Error("failed to create api server", "err", err)
			os.Exit(1)
		}
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	// Periodic queue depth reporting
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				wrk.LogQueueStats(ctx)
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("indexer error", "err", err)
		os.Exit(1)
	}

	slog.Info("shutdown complete")
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
