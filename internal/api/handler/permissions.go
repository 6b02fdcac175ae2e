package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
)

// tokenScale converts 6-decimal token units to USD amounts.
var tokenScale = decimal.New(1, 6)

func usd(units uint64) string {
	return decimal.NewFromUint64(units).Div(tokenScale).String()
}

func usdPtr(units *uint64) *string {
	if units == nil {
		return nil
	}
	s := usd(*units)
	return &s
}

// permissionView decorates a Permission with USD amounts and the
// reader-side expiry check.
type permissionView struct {
	models.Permission
	SpendingCapUSD string `json:"spending_cap_usd"`
	SpentUSD       string `json:"spent_usd"`
	RemainingUSD   string `json:"remaining_usd"`
	Expired        bool   `json:"expired"`
}

func newPermissionView(p models.Permission, now time.Time) permissionView {
	remaining := uint64(0)
	if p.SpendingCap > p.Spent {
		remaining = p.SpendingCap - p.Spent
	}
	return permissionView{
		Permission:     p,
		SpendingCapUSD: usd(p.SpendingCap),
		SpentUSD:       usd(p.Spent),
		RemainingUSD:   usd(remaining),
		Expired:        p.Expired(now),
	}
}

type permissionEventView struct {
	models.PermissionEvent
	AmountUSD    *string `json:"amount_usd,omitempty"`
	RemainingUSD *string `json:"remaining_usd,omitempty"`
}

// owner extracts and normalizes the owner path variable.
func owner(r *http.Request) string {
	return strings.ToLower(mux.Vars(r)["owner"])
}

// limitParam parses ?limit= with a fallback.
func limitParam(r *http.Request, fallback int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// HandlePermission returns the newest active permission for an owner.
func (h *Handler) HandlePermission(w http.ResponseWriter, r *http.Request) {
	addr := owner(r)

	perm, err := h.Store.GetPermission(r.Context(), addr)
	if err != nil {
		h.Logger.Error("failed to load permission", zap.String("owner", addr), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if perm == nil {
		h.writeError(w, http.StatusNotFound, "no active permission")
		return
	}

	h.writeJSON(w, http.StatusOK, newPermissionView(*perm, time.Now()))
}

// HandlePermissionOnchain reads the live contract state for an owner,
// bypassing the derived store.
func (h *Handler) HandlePermissionOnchain(w http.ResponseWriter, r *http.Request) {
	if h.Facade == nil {
		h.writeError(w, http.StatusServiceUnavailable, "ledger client not configured")
		return
	}
	addr := owner(r)

	perm, err := h.Facade.GetPermission(r.Context(), addr)
	if err != nil {
		h.Logger.Error("onchain permission read failed", zap.String("owner", addr), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"owner":            addr,
		"spending_cap":     perm.SpendingCap,
		"spent":            perm.Spent,
		"spending_cap_usd": perm.CapUSD().String(),
		"spent_usd":        perm.SpentUSD().String(),
		"expiry":           perm.Expiry,
		"active":           perm.IsActive,
		"granted_at":       perm.GrantedAt,
	})
}

// HandlePermissionEvents returns the audit log for an owner, newest first.
func (h *Handler) HandlePermissionEvents(w http.ResponseWriter, r *http.Request) {
	addr := owner(r)

	events, err := h.Store.ListPermissionEvents(r.Context(), addr, limitParam(r, 100))
	if err != nil {
		h.Logger.Error("failed to list permission events", zap.String("owner", addr), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]permissionEventView, 0, len(events))
	for _, ev := range events {
		views = append(views, permissionEventView{
			PermissionEvent: ev,
			AmountUSD:       usdPtr(ev.Amount),
			RemainingUSD:    usdPtr(ev.Remaining),
		})
	}
	h.writeJSON(w, http.StatusOK, views)
}

// HandleUserConfig returns the latest flags for an owner.
func (h *Handler) HandleUserConfig(w http.ResponseWriter, r *http.Request) {
	addr := owner(r)

	cfg, err := h.Store.GetUserConfig(r.Context(), addr)
	if err != nil {
		h.Logger.Error("failed to load user config", zap.String("owner", addr), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cfg == nil {
		h.writeError(w, http.StatusNotFound, "no config for owner")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"owner":                 cfg.Owner,
		"spending_cap":          cfg.SpendingCap,
		"spending_cap_usd":      usd(cfg.SpendingCap),
		"slippage_limit_bps":    cfg.SlippageLimitBps,
		"is_paused":             cfg.IsPaused,
		"has_active_permission": cfg.HasActivePermission,
		"permission_expiry":     cfg.PermissionExpiry,
		"last_updated":          cfg.LastUpdated,
	})
}
