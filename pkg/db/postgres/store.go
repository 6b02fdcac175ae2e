// Package postgres is the durable implementation of the projector's
// derived entity store and the read API behind the HTTP handlers.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autopilot-defi/autopilot-indexer/internal/projector"
)

// Store holds the connection pool and implements projector.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store and ensures every table exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}

	inits := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"permissions", s.initPermissions},
		{"permission_events", s.initPermissionEvents},
		{"user_configs", s.initUserConfigs},
		{"rebalance_actions", s.initRebalanceActions},
		{"gas_analytics", s.initGasAnalytics},
		{"daily_stats", s.initDailyStats},
		{"owner_cursors", s.initCursors},
	}
	for _, in := range inits {
		if err := in.fn(ctx); err != nil {
			return nil, fmt.Errorf("init %s: %w", in.name, err)
		}
	}
	return s, nil
}

// exec is a small helper for DDL and single statements.
func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

// CommitBatch writes every derived record for one event in a single
// transaction. Any statement failure rolls the whole event back so the
// ingestion runtime can redeliver it (NACK).
func (s *Store) CommitBatch(ctx context.Context, b *projector.Batch) error {
	start := time.Now()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}

		for _, p := range b.Permissions {
			queuePermission(batch, p)
		}
		for _, e := range b.PermissionEvents {
			queuePermissionEvent(batch, e)
		}
		for _, c := range b.Configs {
			queueUserConfig(batch, c)
		}
		for _, r := range b.Rebalances {
			queueRebalance(batch, r)
		}
		for _, a := range b.Analytics {
			queueGasAnalytics(batch, a)
		}
		for _, d := range b.Daily {
			queueDailyStats(batch, d)
		}
		for _, o := range b.DailyOwners {
			queueDailyOwner(batch, o)
		}
		if b.Cursor.Owner != "" {
			queueCursor(batch, b.Cursor)
		}

		if batch.Len() == 0 {
			return nil
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("batch statement %d: %w", i, err)
			}
		}
		return nil
	})

	if err != nil {
		slog.Debug("pg transaction: ROLLBACK", "owner", b.Cursor.Owner, "err", err)
		return err
	}

	slog.Debug("pg transaction: COMMIT",
		"owner", b.Cursor.Owner,
		"duration", time.Since(start),
	)
	return nil
}
