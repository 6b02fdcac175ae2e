package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autopilot-defi/autopilot-indexer/internal/projector"
	"github.com/autopilot-defi/autopilot-indexer/pkg/events"
	"github.com/autopilot-defi/autopilot-indexer/pkg/ledger"
)

// Result contains the results of a backfill operation.
type Result struct {
	TotalLogs    uint64
	TotalApplied uint64
	TotalSkipped uint64
	TotalFailed  uint64
	Duration     time.Duration
	Errors       []error
}

// Backfiller replays historical contract logs through the projector.
// Logs are applied in (block, logIndex) order so the per-owner ordering
// check holds over the whole range.
type Backfiller struct {
	client    *ledger.Client
	projector *projector.Projector
	contract  string
	config    *Config
}

// New creates a new Backfiller.
func New(client *ledger.Client, proj *projector.Projector, contract string, cfg *Config) *Backfiller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Backfiller{
		client:    client,
		projector: proj,
		contract:  contract,
		config:    cfg,
	}
}

// Run executes the backfill operation.
func (b *Backfiller) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	startBlock := b.config.StartBlock
	if startBlock == 0 {
		startBlock = 1
	}

	endBlock := b.config.EndBlock
	if endBlock == 0 {
		head, err := b.client.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("get chain head: %w", err)
		}
		endBlock = head
		slog.Info("fetched chain head from RPC", "block", endBlock)
	}
	if startBlock > endBlock {
		return nil, fmt.Errorf("start block %d past end block %d", startBlock, endBlock)
	}

	slog.Info("starting backfill",
		"contract", b.contract,
		"start_block", startBlock,
		"end_block", endBlock,
		"chunk_size", b.config.ChunkSize,
		"dry_run", b.config.DryRun,
	)

	var applied, skipped, failed atomic.Uint64

	progressCtx, cancelProgress := context.WithCancel(ctx)
	defer cancelProgress()
	go b.reportProgress(progressCtx, endBlock-startBlock+1, startBlock, &applied, &skipped, &failed)

	for from := startBlock; from <= endBlock; from += b.config.ChunkSize {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(start)
			result.TotalApplied = applied.Load()
			result.TotalSkipped = skipped.Load()
			result.TotalFailed = failed.Load()
			return result, ctx.Err()
		default:
		}

		to := from + b.config.ChunkSize - 1
		if to > endBlock {
			to = endBlock
		}

		logs, err := b.client.Logs(ctx, from, to, b.contract)
		if err != nil {
			return nil, fmt.Errorf("fetch logs [%d,%d]: %w", from, to, err)
		}
		result.TotalLogs += uint64(len(logs))

		if b.config.DryRun || len(logs) == 0 {
			continue
		}

		sort.SliceStable(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber < logs[j].BlockNumber
			}
			return logs[i].LogIndex < logs[j].LogIndex
		})

		blockTimes, err := b.fetchBlockTimes(ctx, logs)
		if err != nil {
			return nil, fmt.Errorf("fetch block times [%d,%d]: %w", from, to, err)
		}

		for _, lg := range logs {
			ev, err := events.Decode(lg, blockTimes[uint64(lg.BlockNumber)])
			if err != nil {
				if errors.Is(err, events.ErrUnknownEvent) {
					skipped.Add(1)
					continue
				}
				failed.Add(1)
				result.Errors = append(result.Errors, fmt.Errorf("decode %s-%d: %w", lg.TxHash, uint64(lg.LogIndex), err))
				continue
			}

			if err := b.projector.Apply(ctx, ev); err != nil {
				if errors.Is(err, projector.ErrMalformedEvent) {
					failed.Add(1)
					result.Errors = append(result.Errors, fmt.Errorf("apply %s-%d: %w", lg.TxHash, uint64(lg.LogIndex), err))
					continue
				}
				// Storage errors stop the run; continuing would leave
				// an ordering gap behind.
				return nil, fmt.Errorf("apply %s-%d: %w", lg.TxHash, uint64(lg.LogIndex), err)
			}
			applied.Add(1)
		}
	}

	result.TotalApplied = applied.Load()
	result.TotalSkipped = skipped.Load()
	result.TotalFailed = failed.Load()
	result.Duration = time.Since(start)

	slog.Info("backfill complete",
		"total_logs", result.TotalLogs,
		"total_applied", result.TotalApplied,
		"total_skipped", result.TotalSkipped,
		"total_failed", result.TotalFailed,
		"duration", result.Duration,
	)

	return result, nil
}

// fetchBlockTimes resolves the timestamp of every distinct block in logs,
// with bounded concurrency.
func (b *Backfiller) fetchBlockTimes(ctx context.Context, logs []ledger.Log) (map[uint64]uint64, error) {
	distinct := make(map[uint64]bool)
	for _, lg := range logs {
		distinct[uint64(lg.BlockNumber)] = true
	}

	var mu sync.Mutex
	times := make(map[uint64]uint64, len(distinct))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.Concurrency)
	for block := range distinct {
		block := block
		g.Go(func() error {
			ts, err := b.client.BlockTime(gCtx, block)
			if err != nil {
				return fmt.Errorf("block %d: %w", block, err)
			}
			mu.Lock()
			times[block] = ts
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return times, nil
}

// reportProgress logs progress at regular intervals.
func (b *Backfiller) reportProgress(ctx context.Context, totalBlocks, startBlock uint64, applied, skipped, failed *atomic.Uint64) {
	ticker := time.NewTicker(b.config.ProgressInterval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a := applied.Load()
			s := skipped.Load()
			f := failed.Load()

			elapsed := time.Since(startTime)
			rate := float64(a) / elapsed.Seconds()

			slog.Info("backfill progress",
				"start_block", startBlock,
				"total_blocks", totalBlocks,
				"applied", a,
				"skipped", s,
				"failed", f,
				"rate_per_sec", fmt.Sprintf("%.1f", rate),
			)
		}
	}
}
