package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/autopilot-defi/autopilot-indexer/internal/projector"
	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
)

const testOwner = "0x1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a"

func seededStore(t *testing.T) *projector.MemStore {
	t.Helper()
	store := projector.NewMemStore()

	amount := uint64(250_000_000)
	batch := &projector.Batch{
		Permissions: []models.Permission{{
			ID:          models.PermissionID(testOwner, 1_700_000_000),
			Owner:       testOwner,
			SpendingCap: 1_000_000_000,
			Spent:       250_000_000,
			Expiry:      1_800_000_000,
			Active:      true,
			GrantedAt:   1_700_000_000,
		}},
		PermissionEvents: []models.PermissionEvent{{
			ID:          "0xabc-0",
			Owner:       testOwner,
			Kind:        models.EventUsed,
			Amount:      &amount,
			Timestamp:   1_700_000_100,
			BlockNumber: 100,
			TxHash:      "0xabc",
		}},
		Configs: []models.UserConfig{{
			Owner:               testOwner,
			SpendingCap:         1_000_000_000,
			SlippageLimitBps:    models.DefaultSlippageBps,
			HasActivePermission: true,
			PermissionExpiry:    1_800_000_000,
		}},
		Analytics: []models.GasAnalytics{{
			Owner:           testOwner,
			TotalRebalances: 2,
			TotalGasUsed:    300_000,
			AverageGas:      150_000,
		}},
		Daily: []models.DailyStats{{
			Date:            "2026-08-30",
			TotalRebalances: 2,
			TotalGasUsed:    300_000,
			TotalVolume:     500_000_000,
			UniqueUsers:     1,
		}},
		Rebalances: []models.RebalanceAction{{
			ID:          "0xabc-1",
			Owner:       testOwner,
			TokenIn:     "0xaaaa000000000000000000000000000000000001",
			TokenOut:    "0xaaaa000000000000000000000000000000000002",
			AmountIn:    250_000_000,
			AmountOut:   249_000_000,
			GasUsed:     150_000,
			Timestamp:   1_700_000_100,
			BlockNumber: 100,
			TxHash:      "0xabc",
		}},
		Cursor: models.Cursor{Owner: testOwner, BlockNumber: 100, LogIndex: 1},
	}
	if err := store.CommitBatch(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	return store
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	h := NewHandler(seededStore(t), nil, zap.NewNop(), "secret")
	return h.NewRouter()
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	rec := get(t, newTestRouter(t), "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPermissionViewCarriesUSDAmounts(t *testing.T) {
	rec := get(t, newTestRouter(t), "/api/permissions/"+testOwner)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var view struct {
		SpendingCapUSD string `json:"spending_cap_usd"`
		SpentUSD       string `json:"spent_usd"`
		RemainingUSD   string `json:"remaining_usd"`
		Expired        bool   `json:"expired"`
	}
	decodeBody(t, rec, &view)

	if view.SpendingCapUSD != "1000" || view.SpentUSD != "250" || view.RemainingUSD != "750" {
		t.Fatalf("usd amounts = %s/%s/%s", view.SpendingCapUSD, view.SpentUSD, view.RemainingUSD)
	}
}

func TestPermissionOwnerIsCaseInsensitive(t *testing.T) {
	rec := get(t, newTestRouter(t), "/api/permissions/0x"+strings.ToUpper(testOwner[2:]))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestPermissionNotFound(t *testing.T) {
	rec := get(t, newTestRouter(t), "/api/permissions/0x2222222222222222222222222222222222222222")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPermissionEventsCarryUSDAmounts(t *testing.T) {
	rec := get(t, newTestRouter(t), "/api/permissions/"+testOwner+"/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var views []struct {
		Kind      string  `json:"kind"`
		AmountUSD *string `json:"amount_usd"`
	}
	decodeBody(t, rec, &views)

	if len(views) != 1 || views[0].Kind != "USED" {
		t.Fatalf("views = %+v", views)
	}
	if views[0].AmountUSD == nil || *views[0].AmountUSD != "250" {
		t.Fatalf("amount_usd = %v", views[0].AmountUSD)
	}
}

func TestGasAnalyticsZeroValueForUnknownOwner(t *testing.T) {
	rec := get(t, newTestRouter(t), "/api/analytics/gas/0x2222222222222222222222222222222222222222")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var ga models.GasAnalytics
	decodeBody(t, rec, &ga)
	if ga.TotalRebalances != 0 {
		t.Fatalf("expected empty aggregate, got %+v", ga)
	}
}

func TestDailyStatsListsNewestFirst(t *testing.T) {
	rec := get(t, newTestRouter(t), "/api/analytics/daily?days=3")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var stats []models.DailyStats
	decodeBody(t, rec, &stats)
	if len(stats) != 1 || stats[0].Date != "2026-08-30" {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestDashboardComposite(t *testing.T) {
	rec := get(t, newTestRouter(t), "/api/dashboard/"+testOwner)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var out map[string]json.RawMessage
	decodeBody(t, rec, &out)
	for _, key := range []string{"permission", "config", "gas_analytics", "recent_actions", "recent_events"} {
		if _, ok := out[key]; !ok {
			t.Fatalf("dashboard missing %q", key)
		}
	}
}

func TestAdminRequiresBearerToken(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/admin/revoke", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/admin/revoke", nil)
	req.Header.Set("Authorization", "Bearer secret")
	router.ServeHTTP(rec, req)
	// Authorized but no ledger client wired.
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status with token = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	rec := get(t, newTestRouter(t), "/api/health")
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id header")
	}
}
