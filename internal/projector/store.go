package projector

import (
	"context"

	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
)

// Batch is every derived write produced by folding a single event. The
// store commits it atomically together with the owner cursor, so a crash
// can never leave an event half-applied.
type Batch struct {
	Permissions      []models.Permission
	PermissionEvents []models.PermissionEvent
	Configs          []models.UserConfig
	Analytics        []models.GasAnalytics
	Daily            []models.DailyStats
	Rebalances       []models.RebalanceAction
	DailyOwners      []DailyOwner
	Cursor           models.Cursor
}

// DailyOwner marks an owner as active on a UTC date. The set backs the
// distinct-owner uniqueUsers count on DailyStats.
type DailyOwner struct {
	Date  string `json:"date" db:"date"`
	Owner string `json:"owner" db:"owner"`
}

// Store is the keyed entity store the projector folds into. Reads return
// the current value (nil or zero when absent); CommitBatch applies one
// event's writes as a unit. The projector is the only writer.
type Store interface {
	ActivePermissions(ctx context.Context, owner string) ([]models.Permission, error)
	GetUserConfig(ctx context.Context, owner string) (*models.UserConfig, error)
	GetGasAnalytics(ctx context.Context, owner string) (*models.GasAnalytics, error)
	GetDailyStats(ctx context.Context, date string) (*models.DailyStats, error)
	HasDailyOwner(ctx context.Context, date, owner string) (bool, error)
	GetCursor(ctx context.Context, owner string) (models.Cursor, error)
	HasEvent(ctx context.Context, id string) (bool, error)

	CommitBatch(ctx context.Context, batch *Batch) error
}
