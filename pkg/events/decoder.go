package events

import (
	"errors"
	"fmt"

	"github.com/autopilot-defi/autopilot-indexer/pkg/ledger"
)

// ErrUnknownEvent is returned for logs whose topic0 is not one of the
// permission contract's events. Callers normally skip such logs.
var ErrUnknownEvent = errors.New("unknown event topic")

// Decode converts a raw log into its typed event. The block timestamp is
// supplied by the caller because logs do not carry it.
func Decode(lg ledger.Log, blockTime uint64) (Event, error) {
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("log %s-%d: want at least 2 topics, got %d", lg.TxHash, lg.LogIndex, len(lg.Topics))
	}

	owner, err := ledger.TopicAddress(lg.Topics[1])
	if err != nil {
		return nil, fmt.Errorf("owner topic: %w", err)
	}

	meta := Meta{
		Owner:       owner,
		BlockNumber: uint64(lg.BlockNumber),
		LogIndex:    uint32(lg.LogIndex),
		TxHash:      lg.TxHash,
		BlockTime:   blockTime,
	}

	data, err := ledger.DecodeHex(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("log data: %w", err)
	}
	words, err := ledger.Words(data)
	if err != nil {
		return nil, fmt.Errorf("log data: %w", err)
	}

	switch lg.Topics[0] {
	case ledger.TopicPermissionGranted:
		vals, err := uintWords(words, 3)
		if err != nil {
			return nil, fmt.Errorf("PermissionGranted: %w", err)
		}
		return &PermissionGranted{Meta: meta, SpendingCap: vals[0], Expiry: vals[1], Timestamp: vals[2]}, nil

	case ledger.TopicPermissionRevoked:
		vals, err := uintWords(words, 1)
		if err != nil {
			return nil, fmt.Errorf("PermissionRevoked: %w", err)
		}
		return &PermissionRevoked{Meta: meta, Timestamp: vals[0]}, nil

	case ledger.TopicPermissionUsed:
		vals, err := uintWords(words, 2)
		if err != nil {
			return nil, fmt.Errorf("PermissionUsed: %w", err)
		}
		return &PermissionUsed{Meta: meta, Amount: vals[0], Remaining: vals[1]}, nil

	case ledger.TopicPermissionPaused:
		vals, err := uintWords(words, 1)
		if err != nil {
			return nil, fmt.Errorf("PermissionPaused: %w", err)
		}
		return &PermissionPaused{Meta: meta, Timestamp: vals[0]}, nil

	case ledger.TopicPermissionResumed:
		vals, err := uintWords(words, 1)
		if err != nil {
			return nil, fmt.Errorf("PermissionResumed: %w", err)
		}
		return &PermissionResumed{Meta: meta, Timestamp: vals[0]}, nil

	case ledger.TopicRebalanceExecuted:
		// data: tokenIn, tokenOut, amountIn, amountOut, gasUsed, timestamp
		if len(words) != 6 {
			return nil, fmt.Errorf("RebalanceExecuted: want 6 words, got %d", len(words))
		}
		tokenIn, err := ledger.DecodeAddress(words[0])
		if err != nil {
			return nil, fmt.Errorf("RebalanceExecuted tokenIn: %w", err)
		}
		tokenOut, err := ledger.DecodeAddress(words[1])
		if err != nil {
			return nil, fmt.Errorf("RebalanceExecuted tokenOut: %w", err)
		}
		vals, err := uintWords(words[2:], 4)
		if err != nil {
			return nil, fmt.Errorf("RebalanceExecuted: %w", err)
		}
		return &RebalanceExecuted{
			Meta:      meta,
			TokenIn:   tokenIn,
			TokenOut:  tokenOut,
			AmountIn:  vals[0],
			AmountOut: vals[1],
			GasUsed:   vals[2],
			Timestamp: vals[3],
		}, nil

	case ledger.TopicConfigUpdated:
		vals, err := uintWords(words, 2)
		if err != nil {
			return nil, fmt.Errorf("ConfigUpdated: %w", err)
		}
		return &ConfigUpdated{Meta: meta, SpendingCap: vals[0], SlippageLimit: vals[1]}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, lg.Topics[0])
}

func uintWords(words [][]byte, n int) ([]uint64, error) {
	if len(words) != n {
		return nil, fmt.Errorf("want %d data words, got %d", n, len(words))
	}
	out := make([]uint64, n)
	for i, w := range words {
		v, err := ledger.DecodeUint64(w)
		if err != nil {
			return nil, fmt.Errorf("word %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
