package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
)

// initRebalanceActions creates the immutable rebalance history table.
func (s *Store) initRebalanceActions(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS rebalance_actions (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			token_in TEXT NOT NULL,
			token_out TEXT NOT NULL,
			amount_in BIGINT NOT NULL DEFAULT 0,
			amount_out BIGINT NOT NULL DEFAULT 0,
			gas_used BIGINT NOT NULL DEFAULT 0,
			timestamp BIGINT NOT NULL,
			block_number BIGINT NOT NULL,
			tx_hash TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rebalance_actions_owner ON rebalance_actions(owner);
		CREATE INDEX IF NOT EXISTS idx_rebalance_actions_block ON rebalance_actions(block_number);
	`
	return s.exec(ctx, query)
}

// initGasAnalytics creates the per-owner aggregate table.
func (s *Store) initGasAnalytics(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS gas_analytics (
			owner TEXT PRIMARY KEY,
			total_rebalances BIGINT NOT NULL DEFAULT 0,
			total_gas_used BIGINT NOT NULL DEFAULT 0,
			average_gas BIGINT NOT NULL DEFAULT 0,
			estimated_savings BIGINT NOT NULL DEFAULT 0,
			last_updated TIMESTAMP WITH TIME ZONE NOT NULL
		);
	`
	return s.exec(ctx, query)
}

func queueRebalance(batch *pgx.Batch, r models.RebalanceAction) {
	batch.Queue(`
		INSERT INTO rebalance_actions (id, owner, token_in, token_out, amount_in, amount_out, gas_used, timestamp, block_number, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`,
		r.ID, r.Owner, r.TokenIn, r.TokenOut, int64(r.AmountIn), int64(r.AmountOut),
		int64(r.GasUsed), int64(r.Timestamp), int64(r.BlockNumber), r.TxHash, r.CreatedAt,
	)
}

func queueGasAnalytics(batch *pgx.Batch, a models.GasAnalytics) {
	batch.Queue(`
		INSERT INTO gas_analytics (owner, total_rebalances, total_gas_used, average_gas, estimated_savings, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner) DO UPDATE SET
			total_rebalances = EXCLUDED.total_rebalances,
			total_gas_used = EXCLUDED.total_gas_used,
			average_gas = EXCLUDED.average_gas,
			estimated_savings = EXCLUDED.estimated_savings,
			last_updated = EXCLUDED.last_updated
	`,
		a.Owner, int64(a.TotalRebalances), int64(a.TotalGasUsed),
		int64(a.AverageGas), int64(a.EstimatedSavings), a.LastUpdated,
	)
}

// GetGasAnalytics returns the owner's aggregate, or nil if none exists.
func (s *Store) GetGasAnalytics(ctx context.Context, owner string) (*models.GasAnalytics, error) {
	query := `
		SELECT owner, total_rebalances, total_gas_used, average_gas, estimated_savings, last_updated
		FROM gas_analytics
		WHERE owner = $1
	`

	var a models.GasAnalytics
	var total, gas, avg, savings int64
	err := s.pool.QueryRow(ctx, query, owner).Scan(&a.Owner, &total, &gas, &avg, &savings, &a.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query gas analytics: %w", err)
	}
	a.TotalRebalances = uint64(total)
	a.TotalGasUsed = uint64(gas)
	a.AverageGas = uint64(avg)
	a.EstimatedSavings = uint64(savings)
	return &a, nil
}

// ListRebalances returns the owner's rebalance history, newest first.
func (s *Store) ListRebalances(ctx context.Context, owner string, limit int) ([]models.RebalanceAction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, owner, token_in, token_out, amount_in, amount_out, gas_used, timestamp, block_number, tx_hash, created_at
		FROM rebalance_actions
		WHERE owner = $1
		ORDER BY block_number DESC, id DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query rebalances: %w", err)
	}
	defer rows.Close()

	var out []models.RebalanceAction
	for rows.Next() {
		var r models.RebalanceAction
		var amountIn, amountOut, gasUsed, ts, block int64

		if err := rows.Scan(&r.ID, &r.Owner, &r.TokenIn, &r.TokenOut, &amountIn, &amountOut, &gasUsed, &ts, &block, &r.TxHash, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rebalance: %w", err)
		}
		r.AmountIn = uint64(amountIn)
		r.AmountOut = uint64(amountOut)
		r.GasUsed = uint64(gasUsed)
		r.Timestamp = uint64(ts)
		r.BlockNumber = uint64(block)
		out = append(out, r)
	}
	return out, rows.Err()
}
