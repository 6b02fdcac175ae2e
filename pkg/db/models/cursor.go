package models

const CursorsTableName = "owner_cursors"

// Cursor is the last applied (block, log index) position for an owner.
// The projector refuses to fold a new event at or below the cursor unless
// it can prove the event was already applied (same derived record id).
type Cursor struct {
	Owner       string `json:"owner" db:"owner"`
	BlockNumber uint64 `json:"block_number" db:"block_number"`
	LogIndex    uint32 `json:"log_index" db:"log_index"`
}

// Before reports whether the cursor position is strictly before
// (block, logIndex).
func (c Cursor) Before(block uint64, logIndex uint32) bool {
	if c.BlockNumber != block {
		return c.BlockNumber < block
	}
	return c.LogIndex < logIndex
}
