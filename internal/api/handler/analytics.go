package handler

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
)

type rebalanceView struct {
	models.RebalanceAction
	AmountInUSD  string `json:"amount_in_usd"`
	AmountOutUSD string `json:"amount_out_usd"`
}

// HandleRebalances returns executed rebalances for an owner, newest first.
func (h *Handler) HandleRebalances(w http.ResponseWriter, r *http.Request) {
	addr := owner(r)

	actions, err := h.Store.ListRebalances(r.Context(), addr, limitParam(r, 100))
	if err != nil {
		h.Logger.Error("failed to list rebalances", zap.String("owner", addr), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]rebalanceView, 0, len(actions))
	for _, a := range actions {
		views = append(views, rebalanceView{
			RebalanceAction: a,
			AmountInUSD:     usd(a.AmountIn),
			AmountOutUSD:    usd(a.AmountOut),
		})
	}
	h.writeJSON(w, http.StatusOK, views)
}

// HandleGasAnalytics returns the per-owner gas aggregate.
func (h *Handler) HandleGasAnalytics(w http.ResponseWriter, r *http.Request) {
	addr := owner(r)

	ga, err := h.Store.GetGasAnalytics(r.Context(), addr)
	if err != nil {
		h.Logger.Error("failed to load gas analytics", zap.String("owner", addr), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ga == nil {
		ga = &models.GasAnalytics{Owner: addr}
	}

	h.writeJSON(w, http.StatusOK, ga)
}

// HandleDailyStats returns protocol-wide per-day aggregates, newest first.
// Query param: ?days=N (default 7).
func (h *Handler) HandleDailyStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}

	stats, err := h.Store.ListDailyStats(r.Context(), days)
	if err != nil {
		h.Logger.Error("failed to list daily stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stats == nil {
		stats = make([]models.DailyStats, 0)
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// HandleDashboard returns the composite per-owner view the frontend
// renders on one screen.
func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	addr := owner(r)
	ctx := r.Context()

	perm, err := h.Store.GetPermission(ctx, addr)
	if err != nil {
		h.Logger.Error("dashboard permission load failed", zap.String("owner", addr), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	cfg, err := h.Store.GetUserConfig(ctx, addr)
	if err != nil {
		h.Logger.Error("dashboard config load failed", zap.String("owner", addr), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ga, err := h.Store.GetGasAnalytics(ctx, addr)
	if err != nil {
		h.Logger.Error("dashboard gas analytics load failed", zap.String("owner", addr), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	recent, err := h.Store.ListRebalances(ctx, addr, 10)
	if err != nil {
		h.Logger.Error("dashboard rebalances load failed", zap.String("owner", addr), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	events, err := h.Store.ListPermissionEvents(ctx, addr, 10)
	if err != nil {
		h.Logger.Error("dashboard events load failed", zap.String("owner", addr), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := map[string]any{
		"owner":          addr,
		"config":         cfg,
		"gas_analytics":  ga,
		"recent_actions": recent,
		"recent_events":  events,
	}
	if perm != nil {
		out["permission"] = newPermissionView(*perm, time.Now())
	}

	h.writeJSON(w, http.StatusOK, out)
}
