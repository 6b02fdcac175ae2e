package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
)

// initUserConfigs creates the one-row-per-owner config table.
func (s *Store) initUserConfigs(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS user_configs (
			owner TEXT PRIMARY KEY,
			spending_cap BIGINT NOT NULL DEFAULT 0,
			slippage_limit_bps BIGINT NOT NULL DEFAULT 0,
			is_paused BOOLEAN NOT NULL DEFAULT false,
			has_active_permission BOOLEAN NOT NULL DEFAULT false,
			permission_expiry BIGINT NOT NULL DEFAULT 0,
			last_updated TIMESTAMP WITH TIME ZONE NOT NULL
		);
	`
	return s.exec(ctx, query)
}

func queueUserConfig(batch *pgx.Batch, c models.UserConfig) {
	// Total replacement, not a patch: the row always reflects the most
	// recent event for the owner.
	batch.Queue(`
		INSERT INTO user_configs (owner, spending_cap, slippage_limit_bps, is_paused, has_active_permission, permission_expiry, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner) DO UPDATE SET
			spending_cap = EXCLUDED.spending_cap,
			slippage_limit_bps = EXCLUDED.slippage_limit_bps,
			is_paused = EXCLUDED.is_paused,
			has_active_permission = EXCLUDED.has_active_permission,
			permission_expiry = EXCLUDED.permission_expiry,
			last_updated = EXCLUDED.last_updated
	`,
		c.Owner, int64(c.SpendingCap), int64(c.SlippageLimitBps), c.IsPaused,
		c.HasActivePermission, int64(c.PermissionExpiry), c.LastUpdated,
	)
}

// GetUserConfig returns the owner's config row, or nil if none exists yet.
func (s *Store) GetUserConfig(ctx context.Context, owner string) (*models.UserConfig, error) {
	query := `
		SELECT owner, spending_cap, slippage_limit_bps, is_paused, has_active_permission, permission_expiry, last_updated
		FROM user_configs
		WHERE owner = $1
	`

	var c models.UserConfig
	var cap64, slippage, expiry int64
	err := s.pool.QueryRow(ctx, query, owner).Scan(
		&c.Owner, &cap64, &slippage, &c.IsPaused, &c.HasActivePermission, &expiry, &c.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user config: %w", err)
	}
	c.SpendingCap = uint64(cap64)
	c.SlippageLimitBps = uint64(slippage)
	c.PermissionExpiry = uint64(expiry)
	return &c, nil
}
