// Package projector folds the ordered permission-contract event stream
// into the derived entities: permission snapshots, the audit log, user
// configs and the rebalance analytics aggregates.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
	"github.com/autopilot-defi/autopilot-indexer/pkg/events"
)

// ErrOutOfOrder is returned when an event arrives at or below the owner's
// cursor without a matching already-applied record. Per-owner delivery
// order is a hard precondition; violating it would corrupt recomputed
// fields, so the projector fails loudly instead.
var ErrOutOfOrder = errors.New("event out of order for owner")

// ErrMalformedEvent is returned for events whose fields violate the ledger
// contract (e.g. remaining allowance above the cap). Such events are not
// retryable.
var ErrMalformedEvent = errors.New("malformed event")

// Config tunes the projector's policy parameters.
type Config struct {
	// SavingsRatioBps estimates gas saved versus manual execution, in
	// basis points of gas used. Defaults to 3000 (30%).
	SavingsRatioBps uint64
}

// Projector is a deterministic per-event reducer over a Store. It has no
// retry logic: storage failures propagate to the caller, which decides
// whether to redeliver the whole event.
type Projector struct {
	store Store
	cfg   Config

	anomalies atomic.Uint64
}

// New creates a Projector over the given store.
func New(store Store, cfg Config) *Projector {
	if cfg.SavingsRatioBps == 0 {
		cfg.SavingsRatioBps = 3000
	}
	return &Projector{store: store, cfg: cfg}
}

// Anomalies returns how many events referenced state that did not exist
// (e.g. a Use event for an owner with no active permission).
func (p *Projector) Anomalies() uint64 {
	return p.anomalies.Load()
}

// Apply folds one event into the store. Replays of already-applied events
// are skipped as a whole, so at-least-once delivery is safe.
func (p *Projector) Apply(ctx context.Context, ev events.Event) error {
	meta := ev.EventMeta()

	cursor, err := p.store.GetCursor(ctx, meta.Owner)
	if err != nil {
		return fmt.Errorf("get cursor: %w", err)
	}

	if !cursor.Before(meta.BlockNumber, meta.LogIndex) {
		replay, err := p.isReplay(ctx, ev)
		if err != nil {
			return err
		}
		if replay {
			slog.Debug("skipping replayed event",
				"owner", meta.Owner,
				"event_id", meta.ID(),
				"block", meta.BlockNumber,
				"log_index", meta.LogIndex,
			)
			return nil
		}
		return fmt.Errorf("%w: %s at (%d,%d), cursor (%d,%d)",
			ErrOutOfOrder, meta.Owner, meta.BlockNumber, meta.LogIndex,
			cursor.BlockNumber, cursor.LogIndex)
	}

	batch, err := p.fold(ctx, ev)
	if err != nil {
		return err
	}

	batch.Cursor = models.Cursor{
		Owner:       meta.Owner,
		BlockNumber: meta.BlockNumber,
		LogIndex:    meta.LogIndex,
	}

	if err := p.store.CommitBatch(ctx, batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// isReplay reports whether an event at or below the cursor was already
// applied. Five of the seven kinds append an audit record keyed by the
// event id; RebalanceExecuted appends a rebalance action with the same
// key. ConfigUpdated writes only the last-write-wins config row, so its
// replay is indistinguishable from out-of-order delivery and is skipped
// either way (re-replacing the row is harmless).
func (p *Projector) isReplay(ctx context.Context, ev events.Event) (bool, error) {
	if _, ok := ev.(*events.ConfigUpdated); ok {
		return true, nil
	}
	seen, err := p.store.HasEvent(ctx, ev.EventMeta().ID())
	if err != nil {
		return false, fmt.Errorf("check event id: %w", err)
	}
	return seen, nil
}

func (p *Projector) fold(ctx context.Context, ev events.Event) (*Batch, error) {
	switch e := ev.(type) {
	case *events.PermissionGranted:
		return p.foldGranted(ctx, e)
	case *events.PermissionRevoked:
		return p.foldRevoked(ctx, e)
	case *events.PermissionUsed:
		return p.foldUsed(ctx, e)
	case *events.PermissionPaused:
		return p.foldPauseState(ctx, e.Meta, e.Timestamp, true)
	case *events.PermissionResumed:
		return p.foldPauseState(ctx, e.Meta, e.Timestamp, false)
	case *events.RebalanceExecuted:
		return p.foldRebalance(ctx, e)
	case *events.ConfigUpdated:
		return p.foldConfig(ctx, e)
	}
	return nil, fmt.Errorf("unhandled event type %T", ev)
}

func (p *Projector) foldGranted(ctx context.Context, ev *events.PermissionGranted) (*Batch, error) {
	batch := &Batch{}

	batch.Permissions = append(batch.Permissions, models.Permission{
		ID:          models.PermissionID(ev.Owner, ev.Timestamp),
		Owner:       ev.Owner,
		SpendingCap: ev.SpendingCap,
		Spent:       0,
		Expiry:      ev.Expiry,
		Active:      true,
		GrantedAt:   ev.Timestamp,
		UpdatedAt:   blockTime(ev.Meta),
	})

	cfg, err := p.currentConfig(ctx, ev.Owner)
	if err != nil {
		return nil, err
	}
	cfg.SpendingCap = ev.SpendingCap
	cfg.IsPaused = false
	cfg.HasActivePermission = true
	cfg.PermissionExpiry = ev.Expiry
	cfg.LastUpdated = blockTime(ev.Meta)
	batch.Configs = append(batch.Configs, cfg)

	cap := ev.SpendingCap
	batch.PermissionEvents = append(batch.PermissionEvents, models.PermissionEvent{
		ID:          ev.ID(),
		Owner:       ev.Owner,
		Kind:        models.EventGranted,
		Amount:      &cap,
		Timestamp:   ev.Timestamp,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
	})

	return batch, nil
}

func (p *Projector) foldRevoked(ctx context.Context, ev *events.PermissionRevoked) (*Batch, error) {
	batch := &Batch{}

	perms, err := p.store.ActivePermissions(ctx, ev.Owner)
	if err != nil {
		return nil, fmt.Errorf("active permissions: %w", err)
	}
	if len(perms) == 0 {
		p.noteAnomaly(ev.Meta, "revoke with no active permission")
	}
	ts := ev.Timestamp
	for _, perm := range perms {
		perm.Active = false
		perm.RevokedAt = &ts
		perm.UpdatedAt = blockTime(ev.Meta)
		batch.Permissions = append(batch.Permissions, perm)
	}

	cfg, err := p.currentConfig(ctx, ev.Owner)
	if err != nil {
		return nil, err
	}
	cfg.HasActivePermission = false
	cfg.PermissionExpiry = 0
	cfg.LastUpdated = blockTime(ev.Meta)
	batch.Configs = append(batch.Configs, cfg)

	batch.PermissionEvents = append(batch.PermissionEvents, models.PermissionEvent{
		ID:          ev.ID(),
		Owner:       ev.Owner,
		Kind:        models.EventRevoked,
		Timestamp:   ev.Timestamp,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
	})

	return batch, nil
}

func (p *Projector) foldUsed(ctx context.Context, ev *events.PermissionUsed) (*Batch, error) {
	batch := &Batch{}

	perms, err := p.store.ActivePermissions(ctx, ev.Owner)
	if err != nil {
		return nil, fmt.Errorf("active permissions: %w", err)
	}
	if len(perms) == 0 {
		p.noteAnomaly(ev.Meta, "use with no active permission")
	}
	for _, perm := range perms {
		if ev.Remaining > perm.SpendingCap {
			return nil, fmt.Errorf("%w: remaining %d above cap %d for %s",
				ErrMalformedEvent, ev.Remaining, perm.SpendingCap, perm.ID)
		}
		// Recomputed from the cap, not accumulated: the last Use event
		// for an owner wins.
		perm.Spent = perm.SpendingCap - ev.Remaining
		perm.UpdatedAt = blockTime(ev.Meta)
		batch.Permissions = append(batch.Permissions, perm)
	}

	amount, remaining := ev.Amount, ev.Remaining
	batch.PermissionEvents = append(batch.PermissionEvents, models.PermissionEvent{
		ID:          ev.ID(),
		Owner:       ev.Owner,
		Kind:        models.EventUsed,
		Amount:      &amount,
		Remaining:   &remaining,
		Timestamp:   ev.BlockTime,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
	})

	return batch, nil
}

func (p *Projector) foldPauseState(ctx context.Context, meta events.Meta, timestamp uint64, paused bool) (*Batch, error) {
	batch := &Batch{}

	cfg, err := p.currentConfig(ctx, meta.Owner)
	if err != nil {
		return nil, err
	}
	cfg.IsPaused = paused
	cfg.LastUpdated = blockTime(meta)
	batch.Configs = append(batch.Configs, cfg)

	kind := models.EventPaused
	if !paused {
		kind = models.EventResumed
	}
	batch.PermissionEvents = append(batch.PermissionEvents, models.PermissionEvent{
		ID:          meta.ID(),
		Owner:       meta.Owner,
		Kind:        kind,
		Timestamp:   timestamp,
		BlockNumber: meta.BlockNumber,
		TxHash:      meta.TxHash,
	})

	return batch, nil
}

func (p *Projector) foldRebalance(ctx context.Context, ev *events.RebalanceExecuted) (*Batch, error) {
	batch := &Batch{}

	batch.Rebalances = append(batch.Rebalances, models.RebalanceAction{
		ID:          ev.ID(),
		Owner:       ev.Owner,
		TokenIn:     ev.TokenIn,
		TokenOut:    ev.TokenOut,
		AmountIn:    ev.AmountIn,
		AmountOut:   ev.AmountOut,
		GasUsed:     ev.GasUsed,
		Timestamp:   ev.Timestamp,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
		CreatedAt:   blockTime(ev.Meta),
	})

	ga, err := p.store.GetGasAnalytics(ctx, ev.Owner)
	if err != nil {
		return nil, fmt.Errorf("gas analytics: %w", err)
	}
	if ga == nil {
		ga = &models.GasAnalytics{Owner: ev.Owner}
	}
	ga.TotalRebalances++
	ga.TotalGasUsed += ev.GasUsed
	ga.AverageGas = ga.TotalGasUsed / ga.TotalRebalances
	ga.EstimatedSavings += ev.GasUsed * p.cfg.SavingsRatioBps / 10_000
	ga.LastUpdated = blockTime(ev.Meta)
	batch.Analytics = append(batch.Analytics, *ga)

	date := models.UTCDate(ev.Timestamp)
	daily, err := p.store.GetDailyStats(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("daily stats: %w", err)
	}
	if daily == nil {
		daily = &models.DailyStats{Date: date}
	}
	daily.TotalRebalances++
	daily.TotalGasUsed += ev.GasUsed
	daily.TotalVolume += ev.AmountIn

	seen, err := p.store.HasDailyOwner(ctx, date, ev.Owner)
	if err != nil {
		return nil, fmt.Errorf("daily owner: %w", err)
	}
	if !seen {
		daily.UniqueUsers++
		batch.DailyOwners = append(batch.DailyOwners, DailyOwner{Date: date, Owner: ev.Owner})
	}
	batch.Daily = append(batch.Daily, *daily)

	return batch, nil
}

func (p *Projector) foldConfig(ctx context.Context, ev *events.ConfigUpdated) (*Batch, error) {
	batch := &Batch{}

	cfg, err := p.currentConfig(ctx, ev.Owner)
	if err != nil {
		return nil, err
	}
	cfg.SpendingCap = ev.SpendingCap
	cfg.SlippageLimitBps = ev.SlippageLimit
	cfg.LastUpdated = blockTime(ev.Meta)
	batch.Configs = append(batch.Configs, cfg)

	return batch, nil
}

// currentConfig returns the owner's config row, or a fresh one with the
// default slippage limit. The returned value is replaced wholesale by the
// caller, never patched in place.
func (p *Projector) currentConfig(ctx context.Context, owner string) (models.UserConfig, error) {
	cfg, err := p.store.GetUserConfig(ctx, owner)
	if err != nil {
		return models.UserConfig{}, fmt.Errorf("user config: %w", err)
	}
	if cfg == nil {
		return models.UserConfig{
			Owner:            owner,
			SlippageLimitBps: models.DefaultSlippageBps,
		}, nil
	}
	return *cfg, nil
}

func (p *Projector) noteAnomaly(meta events.Meta, what string) {
	p.anomalies.Add(1)
	slog.Warn("projection anomaly",
		"what", what,
		"owner", meta.Owner,
		"event_id", meta.ID(),
		"block", meta.BlockNumber,
	)
}

func blockTime(meta events.Meta) time.Time {
	return time.Unix(int64(meta.BlockTime), 0).UTC()
}
