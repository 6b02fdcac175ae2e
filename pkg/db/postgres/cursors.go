package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
)

// initCursors creates the per-owner ordering cursor table.
func (s *Store) initCursors(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS owner_cursors (
			owner TEXT PRIMARY KEY,
			block_number BIGINT NOT NULL DEFAULT 0,
			log_index BIGINT NOT NULL DEFAULT 0
		);
	`
	return s.exec(ctx, query)
}

func queueCursor(batch *pgx.Batch, c models.Cursor) {
	batch.Queue(`
		INSERT INTO owner_cursors (owner, block_number, log_index)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			log_index = EXCLUDED.log_index
	`, c.Owner, int64(c.BlockNumber), int64(c.LogIndex))
}

// GetCursor returns the owner's last applied position; the zero cursor
// means no event has been folded for the owner yet.
func (s *Store) GetCursor(ctx context.Context, owner string) (models.Cursor, error) {
	var c models.Cursor
	var block, logIndex int64

	err := s.pool.QueryRow(ctx,
		`SELECT owner, block_number, log_index FROM owner_cursors WHERE owner = $1`,
		owner,
	).Scan(&c.Owner, &block, &logIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Cursor{}, nil
	}
	if err != nil {
		return models.Cursor{}, fmt.Errorf("query cursor: %w", err)
	}
	c.BlockNumber = uint64(block)
	c.LogIndex = uint32(logIndex)
	return c, nil
}

// LastBlock returns the highest block any cursor has reached. The backfill
// CLI resumes from here.
func (s *Store) LastBlock(ctx context.Context) (uint64, error) {
	var block int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(block_number), 0) FROM owner_cursors`).Scan(&block)
	if err != nil {
		return 0, fmt.Errorf("query last block: %w", err)
	}
	return uint64(block), nil
}
