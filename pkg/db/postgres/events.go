package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
)

// initPermissionEvents creates the append-only audit table.
func (s *Store) initPermissionEvents(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS permission_events (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount BIGINT,
			remaining BIGINT,
			timestamp BIGINT NOT NULL,
			block_number BIGINT NOT NULL,
			tx_hash TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_permission_events_owner ON permission_events(owner);
		CREATE INDEX IF NOT EXISTS idx_permission_events_kind ON permission_events(kind);
		CREATE INDEX IF NOT EXISTS idx_permission_events_block ON permission_events(block_number);
	`
	return s.exec(ctx, query)
}

func queuePermissionEvent(batch *pgx.Batch, e models.PermissionEvent) {
	// Keyed by txHash-logIndex: a replayed event overwrites its own row
	// instead of appending a duplicate.
	batch.Queue(`
		INSERT INTO permission_events (id, owner, kind, amount, remaining, timestamp, block_number, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			amount = EXCLUDED.amount,
			remaining = EXCLUDED.remaining,
			timestamp = EXCLUDED.timestamp
	`,
		e.ID, e.Owner, string(e.Kind), toNullableInt64(e.Amount), toNullableInt64(e.Remaining),
		int64(e.Timestamp), int64(e.BlockNumber), e.TxHash,
	)
}

// HasEvent reports whether a derived record with the given event id was
// already committed (audit row or rebalance action).
func (s *Store) HasEvent(ctx context.Context, id string) (bool, error) {
	query := `
		SELECT EXISTS (SELECT 1 FROM permission_events WHERE id = $1)
			OR EXISTS (SELECT 1 FROM rebalance_actions WHERE id = $1)
	`
	var seen bool
	if err := s.pool.QueryRow(ctx, query, id).Scan(&seen); err != nil {
		return false, fmt.Errorf("query event id: %w", err)
	}
	return seen, nil
}

// ListPermissionEvents returns the owner's audit history, newest first.
func (s *Store) ListPermissionEvents(ctx context.Context, owner string, limit int) ([]models.PermissionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, owner, kind, amount, remaining, timestamp, block_number, tx_hash
		FROM permission_events
		WHERE owner = $1
		ORDER BY block_number DESC, id DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query permission events: %w", err)
	}
	defer rows.Close()

	var out []models.PermissionEvent
	for rows.Next() {
		var e models.PermissionEvent
		var kind string
		var amount, remaining *int64
		var ts, block int64

		if err := rows.Scan(&e.ID, &e.Owner, &kind, &amount, &remaining, &ts, &block, &e.TxHash); err != nil {
			return nil, fmt.Errorf("scan permission event: %w", err)
		}
		e.Kind = models.PermissionEventKind(kind)
		e.Amount = toNullableUint64(amount)
		e.Remaining = toNullableUint64(remaining)
		e.Timestamp = uint64(ts)
		e.BlockNumber = uint64(block)
		out = append(out, e)
	}
	return out, rows.Err()
}

func toNullableUint64(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	out := uint64(*v)
	return &out
}
