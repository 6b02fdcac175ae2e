package models

import (
	"fmt"
	"time"
)

const PermissionsTableName = "permissions"
const PermissionEventsTableName = "permission_events"
const UserConfigsTableName = "user_configs"

// PermissionEventKind is the lifecycle transition recorded in the audit log.
type PermissionEventKind string

const (
	EventGranted PermissionEventKind = "GRANTED"
	EventRevoked PermissionEventKind = "REVOKED"
	EventUsed    PermissionEventKind = "USED"
	EventPaused  PermissionEventKind = "PAUSED"
	EventResumed PermissionEventKind = "RESUMED"
)

// Permission is one grant instance for an owner. A new grant creates a new
// row keyed by (owner, granted_at); revocation is terminal for the row.
type Permission struct {
	ID          string     `json:"id" db:"id"` // owner-grantedAt
	Owner       string     `json:"owner" db:"owner"`
	SpendingCap uint64     `json:"spending_cap" db:"spending_cap"`
	Spent       uint64     `json:"spent" db:"spent"`
	Expiry      uint64     `json:"expiry" db:"expiry"` // unix seconds, informational
	Active      bool       `json:"active" db:"active"`
	GrantedAt   uint64     `json:"granted_at" db:"granted_at"`
	RevokedAt   *uint64    `json:"revoked_at,omitempty" db:"revoked_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// PermissionID builds the grant-instance key.
func PermissionID(owner string, grantedAt uint64) string {
	return fmt.Sprintf("%s-%d", owner, grantedAt)
}

// Expired reports whether the permission has passed its expiry at the given
// time. The projector never flips Active on expiry; readers call this.
func (p *Permission) Expired(now time.Time) bool {
	return p.Expiry > 0 && uint64(now.Unix()) >= p.Expiry
}

// PermissionEvent is an immutable audit record of one lifecycle transition,
// keyed by txHash-logIndex so replays overwrite instead of duplicating.
type PermissionEvent struct {
	ID          string              `json:"id" db:"id"`
	Owner       string              `json:"owner" db:"owner"`
	Kind        PermissionEventKind `json:"kind" db:"kind"`
	Amount      *uint64             `json:"amount,omitempty" db:"amount"`
	Remaining   *uint64             `json:"remaining,omitempty" db:"remaining"`
	Timestamp   uint64              `json:"timestamp" db:"timestamp"`
	BlockNumber uint64              `json:"block_number" db:"block_number"`
	TxHash      string              `json:"tx_hash" db:"tx_hash"`
}

// UserConfig is the latest known flags for an owner, one row per owner,
// replaced wholesale on every update (last write wins).
type UserConfig struct {
	Owner               string    `json:"owner" db:"owner"`
	SpendingCap         uint64    `json:"spending_cap" db:"spending_cap"`
	SlippageLimitBps    uint64    `json:"slippage_limit_bps" db:"slippage_limit_bps"`
	IsPaused            bool      `json:"is_paused" db:"is_paused"`
	HasActivePermission bool      `json:"has_active_permission" db:"has_active_permission"`
	PermissionExpiry    uint64    `json:"permission_expiry" db:"permission_expiry"`
	LastUpdated         time.Time `json:"last_updated" db:"last_updated"`
}

// DefaultSlippageBps is used when an owner has no prior config row.
const DefaultSlippageBps uint64 = 500
