package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/autopilot-defi/autopilot-indexer/internal/facade"
	"github.com/autopilot-defi/autopilot-indexer/pkg/ledger"
)

// HandleGrant submits grantPermission through the agent's signer.
func (h *Handler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CapUSD       string `json:"cap_usd"`
		DurationDays int    `json:"duration_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	capUSD, err := decimal.NewFromString(req.CapUSD)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "cap_usd must be a decimal string")
		return
	}

	h.submitTx(w, r, "grant", func() (*ledger.Receipt, error) {
		return h.Facade.Grant(r.Context(), capUSD, req.DurationDays)
	})
}

// HandleRevoke submits revokePermission.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	h.submitTx(w, r, "revoke", func() (*ledger.Receipt, error) {
		return h.Facade.Revoke(r.Context())
	})
}

// HandlePause submits togglePause.
func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	h.submitTx(w, r, "pause", func() (*ledger.Receipt, error) {
		return h.Facade.TogglePause(r.Context(), req.Paused)
	})
}

// HandleSetSlippage submits setConfig with a new slippage limit.
func (h *Handler) HandleSetSlippage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SlippageBps uint64 `json:"slippage_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	h.submitTx(w, r, "slippage", func() (*ledger.Receipt, error) {
		return h.Facade.SetSlippage(r.Context(), req.SlippageBps)
	})
}

// submitTx runs one facade write and maps its errors to HTTP statuses.
func (h *Handler) submitTx(w http.ResponseWriter, r *http.Request, op string, run func() (*ledger.Receipt, error)) {
	if h.Facade == nil {
		h.writeError(w, http.StatusServiceUnavailable, "ledger client not configured")
		return
	}

	receipt, err := run()
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]any{
			"op":       op,
			"tx_hash":  receipt.TxHash,
			"block":    uint64(receipt.BlockNumber),
			"gas_used": uint64(receipt.GasUsed),
		})
	case errors.Is(err, facade.ErrNotConnected):
		h.writeError(w, http.StatusServiceUnavailable, "no signer connected")
	case errors.Is(err, facade.ErrRejected):
		h.Logger.Warn("transaction reverted", zap.String("op", op), zap.Error(err))
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.Logger.Error("transaction failed", zap.String("op", op), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, err.Error())
	}
}
