// Package events defines the typed chain events emitted by the permission
// contract and the decoder that turns raw logs into them.
package events

import (
	"fmt"

	"github.com/autopilot-defi/autopilot-indexer/pkg/ledger"
)

// Meta is the position and identity shared by every event. The derived
// record id txHash-logIndex is unique even for multiple events in one
// transaction.
type Meta struct {
	Owner       string `json:"owner"`
	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint32 `json:"log_index"`
	TxHash      string `json:"tx_hash"`
	BlockTime   uint64 `json:"block_time"` // unix seconds of the containing block
}

// ID returns the deterministic replay-safe identity of the event.
func (m Meta) ID() string {
	return fmt.Sprintf("%s-%d", m.TxHash, m.LogIndex)
}

// Event is one decoded contract event.
type Event interface {
	EventMeta() Meta
}

func (m Meta) EventMeta() Meta { return m }

// PermissionGranted starts a new grant instance for the owner.
type PermissionGranted struct {
	Meta
	SpendingCap uint64 `json:"spending_cap"`
	Expiry      uint64 `json:"expiry"`
	Timestamp   uint64 `json:"timestamp"`
}

// PermissionRevoked terminates every active grant instance of the owner.
type PermissionRevoked struct {
	Meta
	Timestamp uint64 `json:"timestamp"`
}

// PermissionUsed reports spend against the active grant. Spent is
// recomputed from the cap and the remaining allowance, so the last Use
// event wins.
type PermissionUsed struct {
	Meta
	Amount    uint64 `json:"amount"`
	Remaining uint64 `json:"remaining"`
}

// PermissionPaused suspends automation for the owner.
type PermissionPaused struct {
	Meta
	Timestamp uint64 `json:"timestamp"`
}

// PermissionResumed lifts a pause.
type PermissionResumed struct {
	Meta
	Timestamp uint64 `json:"timestamp"`
}

// RebalanceExecuted reports one completed rebalance swap.
type RebalanceExecuted struct {
	Meta
	TokenIn   string `json:"token_in"`
	TokenOut  string `json:"token_out"`
	AmountIn  uint64 `json:"amount_in"`
	AmountOut uint64 `json:"amount_out"`
	GasUsed   uint64 `json:"gas_used"`
	Timestamp uint64 `json:"timestamp"`
}

// ConfigUpdated replaces the owner's spending cap and slippage limit.
type ConfigUpdated struct {
	Meta
	SpendingCap   uint64 `json:"spending_cap"`
	SlippageLimit uint64 `json:"slippage_limit"`
}

var _ = []Event{
	(*PermissionGranted)(nil),
	(*PermissionRevoked)(nil),
	(*PermissionUsed)(nil),
	(*PermissionPaused)(nil),
	(*PermissionResumed)(nil),
	(*RebalanceExecuted)(nil),
	(*ConfigUpdated)(nil),
}

// Envelope is the queue payload carrying one raw log plus the timestamp of
// its block, resolved by the producer side (listener or backfill).
type Envelope struct {
	Log       ledger.Log `json:"log"`
	BlockTime uint64     `json:"block_time"`
}
