package facade

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/autopilot-defi/autopilot-indexer/pkg/ledger"
)

const (
	testContract = "0xcccccccccccccccccccccccccccccccccccccccc"
	testTxHash   = "0xdddd000000000000000000000000000000000000000000000000000000000001"
)

type fakeSigner struct {
	to   string
	data []byte
	err  error
}

func (s *fakeSigner) Address() string { return "0x1111111111111111111111111111111111111111" }

func (s *fakeSigner) SignTransaction(_ context.Context, to string, data []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.to = to
	s.data = append([]byte{}, data...)
	return []byte{0xf8, 0x01}, nil
}

// rpcHandler maps JSON-RPC methods to canned results.
type rpcHandler map[string]any

func (h rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, ok := h[req.Method]
	if !ok {
		http.Error(w, "unexpected method "+req.Method, http.StatusBadRequest)
		return
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestFacade(t *testing.T, handler rpcHandler, signer Signer) *Facade {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := ledger.New(ledger.Opts{
		Endpoints: []string{srv.URL},
		Timeout:   time.Second,
		RPS:       1000,
		Burst:     1000,
	})
	return New(client, testContract, signer, 10*time.Millisecond)
}

func successReceipt() map[string]any {
	return map[string]any{
		"transactionHash": testTxHash,
		"blockNumber":     "0x64",
		"status":          "0x1",
		"gasUsed":         "0x5208",
	}
}

func TestGrantSubmitsAndWaits(t *testing.T) {
	signer := &fakeSigner{}
	f := newTestFacade(t, rpcHandler{
		"eth_sendRawTransaction":    testTxHash,
		"eth_getTransactionReceipt": successReceipt(),
	}, signer)

	receipt, err := f.Grant(context.Background(), decimal.NewFromInt(500), 30)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !receipt.Succeeded() {
		t.Fatalf("receipt not successful: %+v", receipt)
	}
	if signer.to != testContract {
		t.Fatalf("signed tx to %s, want %s", signer.to, testContract)
	}

	wantSel := hex.EncodeToString(ledger.SelGrantPermission)
	if got := hex.EncodeToString(signer.data[:4]); got != wantSel {
		t.Fatalf("selector = %s, want %s", got, wantSel)
	}
	capUnits, err := ledger.DecodeUint64(signer.data[4:36])
	if err != nil {
		t.Fatal(err)
	}
	if capUnits != 500_000_000 {
		t.Fatalf("cap units = %d, want 500000000", capUnits)
	}
	duration, err := ledger.DecodeUint64(signer.data[36:68])
	if err != nil {
		t.Fatal(err)
	}
	if duration != 30 {
		t.Fatalf("duration = %d days, want 30", duration)
	}
}

func TestSetSlippageRejectsOverLimit(t *testing.T) {
	f := newTestFacade(t, rpcHandler{}, &fakeSigner{})

	if _, err := f.SetSlippage(context.Background(), 10_001); err == nil {
		t.Fatal("expected slippage bound error")
	}
}

func TestWriteWithoutSignerFails(t *testing.T) {
	f := newTestFacade(t, rpcHandler{}, nil)

	if _, err := f.Revoke(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if f.Connected() {
		t.Fatal("Connected() = true without signer")
	}
}

func TestRevertedTransactionIsRejected(t *testing.T) {
	receipt := successReceipt()
	receipt["status"] = "0x0"
	f := newTestFacade(t, rpcHandler{
		"eth_sendRawTransaction":    testTxHash,
		"eth_getTransactionReceipt": receipt,
	}, &fakeSigner{})

	_, err := f.TogglePause(context.Background(), true)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestGetPermissionDecodesReturnWords(t *testing.T) {
	ret := "0x" +
		hex.EncodeToString(ledger.EncodeUint64(1_000_000_000)) +
		hex.EncodeToString(ledger.EncodeUint64(250_000_000)) +
		hex.EncodeToString(ledger.EncodeUint64(1_800_000_000)) +
		hex.EncodeToString(ledger.EncodeBool(true)) +
		hex.EncodeToString(ledger.EncodeUint64(1_700_000_000))

	f := newTestFacade(t, rpcHandler{"eth_call": ret}, nil)

	perm, err := f.GetPermission(context.Background(), "0x2222222222222222222222222222222222222222")
	if err != nil {
		t.Fatalf("GetPermission: %v", err)
	}
	if perm.SpendingCap != 1_000_000_000 || perm.Spent != 250_000_000 {
		t.Fatalf("cap/spent = %d/%d", perm.SpendingCap, perm.Spent)
	}
	if !perm.IsActive || perm.Expiry != 1_800_000_000 || perm.GrantedAt != 1_700_000_000 {
		t.Fatalf("unexpected permission %+v", perm)
	}
	if got := perm.CapUSD().String(); got != "1000" {
		t.Fatalf("CapUSD = %s, want 1000", got)
	}
	if got := perm.SpentUSD().String(); got != "250" {
		t.Fatalf("SpentUSD = %s, want 250", got)
	}
}

func TestUSDConversion(t *testing.T) {
	units, err := usdToUnits(decimal.RequireFromString("10.1234567"))
	if err != nil {
		t.Fatal(err)
	}
	if units != 10_123_456 {
		t.Fatalf("units = %d, want 10123456 (sub-unit digits truncated)", units)
	}

	if _, err := usdToUnits(decimal.NewFromInt(-1)); err == nil {
		t.Fatal("negative amount must be rejected")
	}
}
