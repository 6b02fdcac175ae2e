package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// HexUint64 unmarshals JSON-RPC quantity strings ("0x10") into a uint64.
type HexUint64 uint64

func (h *HexUint64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		*h = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("parse quantity %q: %w", s, err)
	}
	*h = HexUint64(v)
	return nil
}

func (h HexUint64) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", uint64(h)))
}

// Log is one contract log entry as returned by eth_getLogs and the
// websocket log subscription.
type Log struct {
	Address     string    `json:"address"`
	Topics      []string  `json:"topics"`
	Data        string    `json:"data"`
	BlockNumber HexUint64 `json:"blockNumber"`
	TxHash      string    `json:"transactionHash"`
	LogIndex    HexUint64 `json:"logIndex"`
	Removed     bool      `json:"removed"`
}

// Receipt is the mined-transaction summary used by the facade.
type Receipt struct {
	TxHash      string    `json:"transactionHash"`
	BlockNumber HexUint64 `json:"blockNumber"`
	Status      HexUint64 `json:"status"`
	GasUsed     HexUint64 `json:"gasUsed"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}
