package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/autopilot-defi/autopilot-indexer/internal/facade"
	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
)

// Reader is the derived-state read surface served by the API. Both the
// PostgreSQL store and the in-memory dev store implement it.
type Reader interface {
	GetPermission(ctx context.Context, owner string) (*models.Permission, error)
	ActivePermissions(ctx context.Context, owner string) ([]models.Permission, error)
	GetUserConfig(ctx context.Context, owner string) (*models.UserConfig, error)
	GetGasAnalytics(ctx context.Context, owner string) (*models.GasAnalytics, error)
	GetDailyStats(ctx context.Context, date string) (*models.DailyStats, error)
	ListDailyStats(ctx context.Context, days int) ([]models.DailyStats, error)
	ListPermissionEvents(ctx context.Context, owner string, limit int) ([]models.PermissionEvent, error)
	ListRebalances(ctx context.Context, owner string, limit int) ([]models.RebalanceAction, error)
}

// Handler holds the dependencies for API handlers
type Handler struct {
	Store      Reader
	Facade     *facade.Facade
	Logger     *zap.Logger
	AdminToken string
}

// NewHandler creates a new Handler instance
func NewHandler(store Reader, fac *facade.Facade, logger *zap.Logger, adminToken string) *Handler {
	return &Handler{
		Store:      store,
		Facade:     fac,
		Logger:     logger,
		AdminToken: adminToken,
	}
}

// NewRouter creates and configures the HTTP router with all API routes
func (h *Handler) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.requestID)

	// Public health check endpoint
	r.HandleFunc("/api/health", h.HandleHealth).Methods(http.MethodGet)

	// Derived state
	r.HandleFunc("/api/permissions/{owner}", h.HandlePermission).Methods(http.MethodGet)
	r.HandleFunc("/api/permissions/{owner}/onchain", h.HandlePermissionOnchain).Methods(http.MethodGet)
	r.HandleFunc("/api/permissions/{owner}/events", h.HandlePermissionEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/permissions/{owner}/config", h.HandleUserConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/rebalances/{owner}", h.HandleRebalances).Methods(http.MethodGet)
	r.HandleFunc("/api/analytics/gas/{owner}", h.HandleGasAnalytics).Methods(http.MethodGet)
	r.HandleFunc("/api/analytics/daily", h.HandleDailyStats).Methods(http.MethodGet)
	r.HandleFunc("/api/dashboard/{owner}", h.HandleDashboard).Methods(http.MethodGet)

	// Protected transaction endpoints
	r.HandleFunc("/api/admin/grant", h.RequireAuth(h.HandleGrant)).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/revoke", h.RequireAuth(h.HandleRevoke)).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/pause", h.RequireAuth(h.HandlePause)).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/slippage", h.RequireAuth(h.HandleSetSlippage)).Methods(http.MethodPost)

	return r
}

// requestID tags every request with an id for log correlation.
func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		h.Logger.Debug("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r)
	})
}

// RequireAuth is a middleware that validates the bearer token
func (h *Handler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		expected := "Bearer " + h.AdminToken

		if auth != expected {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}

		next(w, r)
	}
}

// HandleHealth returns a simple health check response
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
