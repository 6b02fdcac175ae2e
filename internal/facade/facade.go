package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/autopilot-defi/autopilot-indexer/pkg/ledger"
)

var (
	// ErrNotConnected is returned by write operations when no signer
	// has been configured.
	ErrNotConnected = errors.New("facade: no signer connected")

	// ErrRejected is returned when a submitted transaction reverts.
	ErrRejected = errors.New("facade: transaction reverted")
)

// tokenScale converts USD amounts to 6-decimal token units.
var tokenScale = decimal.New(1, 6)

// Signer produces raw signed transactions for the connected account.
type Signer interface {
	Address() string
	SignTransaction(ctx context.Context, to string, data []byte) ([]byte, error)
}

// OnchainPermission is the live permission state read from the contract,
// as opposed to the derived state served by the indexer.
type OnchainPermission struct {
	SpendingCap uint64
	Spent       uint64
	Expiry      uint64
	IsActive    bool
	GrantedAt   uint64
}

// CapUSD returns the spending cap as a USD amount.
func (p *OnchainPermission) CapUSD() decimal.Decimal {
	return decimal.NewFromUint64(p.SpendingCap).Div(tokenScale)
}

// SpentUSD returns the spent amount as a USD amount.
func (p *OnchainPermission) SpentUSD() decimal.Decimal {
	return decimal.NewFromUint64(p.Spent).Div(tokenScale)
}

// Facade wraps the permission contract's transaction and read surface.
// Write calls block until the transaction is mined.
type Facade struct {
	client   *ledger.Client
	contract string
	signer   Signer
	poll     time.Duration
}

// New creates a Facade. A nil signer leaves the facade read-only.
func New(client *ledger.Client, contract string, signer Signer, pollInterval time.Duration) *Facade {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Facade{
		client:   client,
		contract: contract,
		signer:   signer,
		poll:     pollInterval,
	}
}

// Grant submits grantPermission with the cap converted to token units.
// The contract computes the expiry from durationDays.
func (f *Facade) Grant(ctx context.Context, capUSD decimal.Decimal, durationDays int) (*ledger.Receipt, error) {
	capUnits, err := usdToUnits(capUSD)
	if err != nil {
		return nil, err
	}
	if durationDays <= 0 {
		return nil, fmt.Errorf("facade: duration must be positive, got %d days", durationDays)
	}

	data := append([]byte{}, ledger.SelGrantPermission...)
	data = append(data, ledger.EncodeUint64(capUnits)...)
	data = append(data, ledger.EncodeUint64(uint64(durationDays))...)

	return f.submit(ctx, "grantPermission", data)
}

// Revoke submits revokePermission.
func (f *Facade) Revoke(ctx context.Context) (*ledger.Receipt, error) {
	return f.submit(ctx, "revokePermission", append([]byte{}, ledger.SelRevokePermission...))
}

// TogglePause submits togglePause.
func (f *Facade) TogglePause(ctx context.Context, paused bool) (*ledger.Receipt, error) {
	data := append([]byte{}, ledger.SelTogglePause...)
	data = append(data, ledger.EncodeBool(paused)...)
	return f.submit(ctx, "togglePause", data)
}

// SetSlippage submits setConfig with a new slippage limit in basis points.
func (f *Facade) SetSlippage(ctx context.Context, bps uint64) (*ledger.Receipt, error) {
	if bps > 10_000 {
		return nil, fmt.Errorf("facade: slippage %d bps above 100%%", bps)
	}
	data := append([]byte{}, ledger.SelSetConfig...)
	data = append(data, ledger.EncodeUint64(bps)...)
	return f.submit(ctx, "setConfig", data)
}

// GetPermission reads the live permission for owner via eth_call.
func (f *Facade) GetPermission(ctx context.Context, owner string) (*OnchainPermission, error) {
	ownerWord, err := ledger.EncodeAddress(owner)
	if err != nil {
		return nil, err
	}
	data := append([]byte{}, ledger.SelGetPermission...)
	data = append(data, ownerWord...)

	out, err := f.client.CallContract(ctx, f.contract, data)
	if err != nil {
		return nil, fmt.Errorf("facade: getPermission: %w", err)
	}

	words, err := ledger.Words(out)
	if err != nil {
		return nil, fmt.Errorf("facade: getPermission return: %w", err)
	}
	if len(words) != 5 {
		return nil, fmt.Errorf("facade: getPermission return: want 5 words, got %d", len(words))
	}

	perm := &OnchainPermission{}
	if perm.SpendingCap, err = ledger.DecodeUint64(words[0]); err != nil {
		return nil, err
	}
	if perm.Spent, err = ledger.DecodeUint64(words[1]); err != nil {
		return nil, err
	}
	if perm.Expiry, err = ledger.DecodeUint64(words[2]); err != nil {
		return nil, err
	}
	if perm.IsActive, err = ledger.DecodeBool(words[3]); err != nil {
		return nil, err
	}
	if perm.GrantedAt, err = ledger.DecodeUint64(words[4]); err != nil {
		return nil, err
	}
	return perm, nil
}

// Connected reports whether write operations are available.
func (f *Facade) Connected() bool {
	return f.signer != nil
}

// submit signs, broadcasts and waits for one contract call.
func (f *Facade) submit(ctx context.Context, op string, data []byte) (*ledger.Receipt, error) {
	if f.signer == nil {
		return nil, ErrNotConnected
	}

	start := time.Now()

	raw, err := f.signer.SignTransaction(ctx, f.contract, data)
	if err != nil {
		return nil, fmt.Errorf("facade: sign %s: %w", op, err)
	}

	txHash, err := f.client.SendRawTransaction(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("facade: send %s: %w", op, err)
	}

	slog.Info("transaction submitted",
		"op", op,
		"tx_hash", txHash,
		"from", f.signer.Address(),
	)

	receipt, err := f.client.WaitMined(ctx, txHash, f.poll)
	if err != nil {
		return nil, fmt.Errorf("facade: wait %s: %w", op, err)
	}
	if !receipt.Succeeded() {
		return receipt, fmt.Errorf("%w: %s tx %s", ErrRejected, op, txHash)
	}

	slog.Info("transaction mined",
		"op", op,
		"tx_hash", txHash,
		"block", uint64(receipt.BlockNumber),
		"gas_used", uint64(receipt.GasUsed),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return receipt, nil
}

// usdToUnits converts a USD amount to 6-decimal token units.
func usdToUnits(usd decimal.Decimal) (uint64, error) {
	if usd.IsNegative() {
		return 0, fmt.Errorf("facade: amount must not be negative, got %s", usd)
	}
	units := usd.Mul(tokenScale)
	if !units.IsInteger() {
		units = units.Truncate(0)
	}
	if !units.BigInt().IsUint64() {
		return 0, fmt.Errorf("facade: amount %s overflows token units", usd)
	}
	return units.BigInt().Uint64(), nil
}
