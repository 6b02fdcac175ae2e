package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
)

// initPermissions creates the permissions table.
func (s *Store) initPermissions(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS permissions (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			spending_cap BIGINT NOT NULL DEFAULT 0,
			spent BIGINT NOT NULL DEFAULT 0,
			expiry BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT false,
			granted_at BIGINT NOT NULL,
			revoked_at BIGINT,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_permissions_owner ON permissions(owner);
		CREATE INDEX IF NOT EXISTS idx_permissions_owner_active ON permissions(owner, active);
	`
	return s.exec(ctx, query)
}

func queuePermission(batch *pgx.Batch, p models.Permission) {
	batch.Queue(`
		INSERT INTO permissions (id, owner, spending_cap, spent, expiry, active, granted_at, revoked_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			spending_cap = EXCLUDED.spending_cap,
			spent = EXCLUDED.spent,
			expiry = EXCLUDED.expiry,
			active = EXCLUDED.active,
			revoked_at = EXCLUDED.revoked_at,
			updated_at = EXCLUDED.updated_at
	`,
		p.ID, p.Owner, int64(p.SpendingCap), int64(p.Spent), int64(p.Expiry),
		p.Active, int64(p.GrantedAt), toNullableInt64(p.RevokedAt), p.UpdatedAt,
	)
}

// ActivePermissions returns every active grant instance for an owner.
func (s *Store) ActivePermissions(ctx context.Context, owner string) ([]models.Permission, error) {
	query := `
		SELECT id, owner, spending_cap, spent, expiry, active, granted_at, revoked_at, updated_at
		FROM permissions
		WHERE owner = $1 AND active = true
		ORDER BY granted_at
	`

	rows, err := s.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("query active permissions: %w", err)
	}
	defer rows.Close()

	var out []models.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPermission returns the owner's newest active permission, or nil.
func (s *Store) GetPermission(ctx context.Context, owner string) (*models.Permission, error) {
	query := `
		SELECT id, owner, spending_cap, spent, expiry, active, granted_at, revoked_at, updated_at
		FROM permissions
		WHERE owner = $1 AND active = true
		ORDER BY granted_at DESC
		LIMIT 1
	`

	rows, err := s.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("query permission: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	p, err := scanPermission(rows)
	if err != nil {
		return nil, err
	}
	return &p, rows.Err()
}

func scanPermission(rows pgx.Rows) (models.Permission, error) {
	var p models.Permission
	var cap64, spent, expiry, grantedAt int64
	var revokedAt *int64

	if err := rows.Scan(&p.ID, &p.Owner, &cap64, &spent, &expiry, &p.Active, &grantedAt, &revokedAt, &p.UpdatedAt); err != nil {
		return p, fmt.Errorf("scan permission: %w", err)
	}
	p.SpendingCap = uint64(cap64)
	p.Spent = uint64(spent)
	p.Expiry = uint64(expiry)
	p.GrantedAt = uint64(grantedAt)
	if revokedAt != nil {
		v := uint64(*revokedAt)
		p.RevokedAt = &v
	}
	return p, nil
}

func toNullableInt64(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	out := int64(*v)
	return &out
}
