package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/autopilot-defi/autopilot-indexer/internal/projector"
	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
)

// initDailyStats creates the per-date aggregate table and the daily owner
// set behind the distinct-user count.
func (s *Store) initDailyStats(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS daily_stats (
			date TEXT PRIMARY KEY,
			total_rebalances BIGINT NOT NULL DEFAULT 0,
			total_gas_used BIGINT NOT NULL DEFAULT 0,
			total_volume BIGINT NOT NULL DEFAULT 0,
			unique_users BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS daily_owners (
			date TEXT NOT NULL,
			owner TEXT NOT NULL,
			PRIMARY KEY (date, owner)
		);
	`
	return s.exec(ctx, query)
}

func queueDailyStats(batch *pgx.Batch, d models.DailyStats) {
	batch.Queue(`
		INSERT INTO daily_stats (date, total_rebalances, total_gas_used, total_volume, unique_users)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (date) DO UPDATE SET
			total_rebalances = EXCLUDED.total_rebalances,
			total_gas_used = EXCLUDED.total_gas_used,
			total_volume = EXCLUDED.total_volume,
			unique_users = EXCLUDED.unique_users
	`,
		d.Date, int64(d.TotalRebalances), int64(d.TotalGasUsed),
		int64(d.TotalVolume), int64(d.UniqueUsers),
	)
}

func queueDailyOwner(batch *pgx.Batch, o projector.DailyOwner) {
	batch.Queue(`
		INSERT INTO daily_owners (date, owner)
		VALUES ($1, $2)
		ON CONFLICT (date, owner) DO NOTHING
	`, o.Date, o.Owner)
}

// GetDailyStats returns the aggregate for one UTC date, or nil.
func (s *Store) GetDailyStats(ctx context.Context, date string) (*models.DailyStats, error) {
	query := `
		SELECT date, total_rebalances, total_gas_used, total_volume, unique_users
		FROM daily_stats
		WHERE date = $1
	`

	var d models.DailyStats
	var total, gas, volume, users int64
	err := s.pool.QueryRow(ctx, query, date).Scan(&d.Date, &total, &gas, &volume, &users)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	d.TotalRebalances = uint64(total)
	d.TotalGasUsed = uint64(gas)
	d.TotalVolume = uint64(volume)
	d.UniqueUsers = uint64(users)
	return &d, nil
}

// HasDailyOwner reports whether the owner already acted on the given date.
func (s *Store) HasDailyOwner(ctx context.Context, date, owner string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM daily_owners WHERE date = $1 AND owner = $2)`,
		date, owner,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("query daily owner: %w", err)
	}
	return seen, nil
}

// ListDailyStats returns up to the given number of most recent daily rows,
// newest date first.
func (s *Store) ListDailyStats(ctx context.Context, days int) ([]models.DailyStats, error) {
	if days <= 0 {
		days = 7
	}
	query := `
		SELECT date, total_rebalances, total_gas_used, total_volume, unique_users
		FROM daily_stats
		ORDER BY date DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, days)
	if err != nil {
		return nil, fmt.Errorf("query daily stats range: %w", err)
	}
	defer rows.Close()

	var out []models.DailyStats
	for rows.Next() {
		var d models.DailyStats
		var total, gas, volume, users int64
		if err := rows.Scan(&d.Date, &total, &gas, &volume, &users); err != nil {
			return nil, fmt.Errorf("scan daily stats: %w", err)
		}
		d.TotalRebalances = uint64(total)
		d.TotalGasUsed = uint64(gas)
		d.TotalVolume = uint64(volume)
		d.UniqueUsers = uint64(users)
		out = append(out, d)
	}
	return out, rows.Err()
}
