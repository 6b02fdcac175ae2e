package models

import "time"

const RebalanceActionsTableName = "rebalance_actions"
const GasAnalyticsTableName = "gas_analytics"
const DailyStatsTableName = "daily_stats"
const DailyOwnersTableName = "daily_owners"

// RebalanceAction is an immutable record of one executed rebalance,
// keyed by txHash-logIndex.
type RebalanceAction struct {
	ID          string    `json:"id" db:"id"`
	Owner       string    `json:"owner" db:"owner"`
	TokenIn     string    `json:"token_in" db:"token_in"`
	TokenOut    string    `json:"token_out" db:"token_out"`
	AmountIn    uint64    `json:"amount_in" db:"amount_in"`
	AmountOut   uint64    `json:"amount_out" db:"amount_out"`
	GasUsed     uint64    `json:"gas_used" db:"gas_used"`
	Timestamp   uint64    `json:"timestamp" db:"timestamp"`
	BlockNumber uint64    `json:"block_number" db:"block_number"`
	TxHash      string    `json:"tx_hash" db:"tx_hash"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// GasAnalytics is the running per-owner rebalance cost aggregate.
// AverageGasPerRebalance is recomputed (integer division), never
// incrementally averaged.
type GasAnalytics struct {
	Owner             string    `json:"owner" db:"owner"`
	TotalRebalances   uint64    `json:"total_rebalances" db:"total_rebalances"`
	TotalGasUsed      uint64    `json:"total_gas_used" db:"total_gas_used"`
	AverageGas        uint64    `json:"average_gas_per_rebalance" db:"average_gas"`
	EstimatedSavings  uint64    `json:"estimated_savings" db:"estimated_savings"`
	LastUpdated       time.Time `json:"last_updated" db:"last_updated"`
}

// DailyStats is the per-UTC-date aggregate, exactly one row per date.
// UniqueUsers is a true distinct-owner count backed by the daily_owners set.
type DailyStats struct {
	Date            string `json:"date" db:"date"` // YYYY-MM-DD (UTC)
	TotalRebalances uint64 `json:"total_rebalances" db:"total_rebalances"`
	TotalGasUsed    uint64 `json:"total_gas_used" db:"total_gas_used"`
	TotalVolume     uint64 `json:"total_volume" db:"total_volume"`
	UniqueUsers     uint64 `json:"unique_users" db:"unique_users"`
}

// UTCDate formats a unix timestamp as the DailyStats key.
func UTCDate(ts uint64) string {
	return time.Unix(int64(ts), 0).UTC().Format("2006-01-02")
}
