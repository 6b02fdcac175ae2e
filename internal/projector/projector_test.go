package projector_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/autopilot-defi/autopilot-indexer/internal/projector"
	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
	"github.com/autopilot-defi/autopilot-indexer/pkg/events"
)

const (
	owner  = "0x1111111111111111111111111111111111111111"
	owner2 = "0x2222222222222222222222222222222222222222"
	tokenA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	tokenB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func meta(who string, block uint64, logIndex uint32) events.Meta {
	return events.Meta{
		Owner:       who,
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      fmt.Sprintf("0x%064d", block*10+uint64(logIndex)),
		BlockTime:   1_700_000_000 + block*12,
	}
}

func granted(who string, block uint64, cap, expiry uint64) *events.PermissionGranted {
	m := meta(who, block, 0)
	return &events.PermissionGranted{Meta: m, SpendingCap: cap, Expiry: expiry, Timestamp: m.BlockTime}
}

func used(who string, block uint64, amount, remaining uint64) *events.PermissionUsed {
	return &events.PermissionUsed{Meta: meta(who, block, 0), Amount: amount, Remaining: remaining}
}

func revoked(who string, block uint64) *events.PermissionRevoked {
	m := meta(who, block, 0)
	return &events.PermissionRevoked{Meta: m, Timestamp: m.BlockTime}
}

func rebalanced(who string, block uint64, amountIn, gasUsed, timestamp uint64) *events.RebalanceExecuted {
	return &events.RebalanceExecuted{
		Meta:      meta(who, block, 0),
		TokenIn:   tokenA,
		TokenOut:  tokenB,
		AmountIn:  amountIn,
		AmountOut: amountIn - 1,
		GasUsed:   gasUsed,
		Timestamp: timestamp,
	}
}

func apply(t *testing.T, p *projector.Projector, evs ...events.Event) {
	t.Helper()
	for _, ev := range evs {
		if err := p.Apply(context.Background(), ev); err != nil {
			t.Fatalf("apply %T: %v", ev, err)
		}
	}
}

func TestGrantUseKeepsPermissionActive(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})
	ctx := context.Background()

	apply(t, p,
		granted(owner, 100, 1000, 1_800_000_000),
		used(owner, 101, 200, 800),
	)

	perm, err := store.GetPermission(ctx, owner)
	if err != nil {
		t.Fatalf("get permission: %v", err)
	}
	if perm == nil {
		t.Fatal("expected an active permission")
	}
	if !perm.Active {
		t.Error("permission should still be active after use")
	}
	if perm.Spent != 200 {
		t.Errorf("expected spent=200, got %d", perm.Spent)
	}

	history, err := store.ListPermissionEvents(ctx, owner, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(history))
	}
	// Newest first.
	if history[0].Kind != models.EventUsed || history[1].Kind != models.EventGranted {
		t.Errorf("unexpected audit order: %s, %s", history[0].Kind, history[1].Kind)
	}
}

func TestGrantUseRevokeRecomputesSpentFromLastUse(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})
	ctx := context.Background()

	apply(t, p,
		granted(owner, 100, 1000, 1_800_000_000),
		used(owner, 101, 200, 800),
		used(owner, 102, 300, 500),
	)

	perm, err := store.GetPermission(ctx, owner)
	if err != nil || perm == nil {
		t.Fatalf("get permission: %v (%v)", err, perm)
	}
	if perm.Spent != 500 {
		t.Errorf("last Use wins: expected spent=1000-500=500, got %d", perm.Spent)
	}

	apply(t, p, revoked(owner, 103))

	perms, err := store.ActivePermissions(ctx, owner)
	if err != nil {
		t.Fatalf("active permissions: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("expected no active permissions after revoke, got %d", len(perms))
	}

	history, err := store.ListPermissionEvents(ctx, owner, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 audit rows, got %d", len(history))
	}
	newest, err := store.ListPermissionEvents(ctx, owner, 1)
	if err != nil || len(newest) != 1 {
		t.Fatalf("list limit 1: %v (%d rows)", err, len(newest))
	}
	if newest[0].Kind != models.EventRevoked {
		t.Errorf("newest audit row should be REVOKED, got %s", newest[0].Kind)
	}
}

func TestGrantThenImmediateRevoke(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})
	ctx := context.Background()

	apply(t, p,
		granted(owner, 100, 1000, 1_800_000_000),
		revoked(owner, 101),
	)

	perm, err := store.GetPermission(ctx, owner)
	if err != nil {
		t.Fatalf("get permission: %v", err)
	}
	if perm != nil {
		t.Errorf("expected no active permission, got %+v", perm)
	}

	cfg, err := store.GetUserConfig(ctx, owner)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfg == nil || cfg.HasActivePermission {
		t.Errorf("config should show no active permission: %+v", cfg)
	}

	history, _ := store.ListPermissionEvents(ctx, owner, 0)
	if len(history) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(history))
	}
}

func TestSpentNeverExceedsCapOnWellFormedInput(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})
	ctx := context.Background()

	apply(t, p, granted(owner, 100, 1000, 1_800_000_000))
	for i, remaining := range []uint64{900, 500, 100, 0} {
		apply(t, p, used(owner, 101+uint64(i), 100, remaining))

		perm, _ := store.GetPermission(ctx, owner)
		if perm.Spent > perm.SpendingCap {
			t.Fatalf("spent %d exceeds cap %d", perm.Spent, perm.SpendingCap)
		}
	}
}

func TestMalformedUseIsRejected(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})

	apply(t, p, granted(owner, 100, 1000, 1_800_000_000))

	err := p.Apply(context.Background(), used(owner, 101, 1, 2000))
	if !errors.Is(err, projector.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})
	ctx := context.Background()

	grant := granted(owner, 100, 1000, 1_800_000_000)
	reb := rebalanced(owner, 101, 500, 120_000, 1_700_100_000)

	apply(t, p, grant, reb)

	ga1, _ := store.GetGasAnalytics(ctx, owner)

	// Same tx hash + log index: at-least-once redelivery.
	apply(t, p, grant, reb)

	ga2, _ := store.GetGasAnalytics(ctx, owner)
	if *ga1 != *ga2 {
		t.Errorf("replay changed analytics: %+v vs %+v", ga1, ga2)
	}

	history, _ := store.ListPermissionEvents(ctx, owner, 0)
	if len(history) != 1 {
		t.Errorf("replay duplicated audit rows: %d", len(history))
	}
	rebs, _ := store.ListRebalances(ctx, owner, 0)
	if len(rebs) != 1 {
		t.Errorf("replay duplicated rebalances: %d", len(rebs))
	}
}

func TestOutOfOrderEventFailsLoudly(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})

	apply(t, p, granted(owner, 100, 1000, 1_800_000_000))
	apply(t, p, used(owner, 105, 100, 900))

	// A never-seen event below the cursor must not fold silently.
	err := p.Apply(context.Background(), used(owner, 103, 50, 950))
	if !errors.Is(err, projector.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

func TestOrderingIsPerOwner(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})

	apply(t, p, granted(owner, 100, 1000, 1_800_000_000))
	// A different owner at a lower block is fine.
	apply(t, p, granted(owner2, 50, 2000, 1_800_000_000))
}

func TestGasAnalyticsAverageIsIntegerDivision(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})
	ctx := context.Background()

	gas := []uint64{100_000, 150_001, 97_003}
	var total uint64
	for i, g := range gas {
		apply(t, p, rebalanced(owner, 100+uint64(i), 500, g, 1_700_100_000))
		total += g

		ga, _ := store.GetGasAnalytics(ctx, owner)
		want := total / uint64(i+1)
		if ga.AverageGas != want {
			t.Errorf("after %d rebalances: average %d, want %d", i+1, ga.AverageGas, want)
		}
	}
}

func TestSavingsRatioIsConfigurable(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{SavingsRatioBps: 1000})
	ctx := context.Background()

	apply(t, p, rebalanced(owner, 100, 500, 120_000, 1_700_100_000))

	ga, _ := store.GetGasAnalytics(ctx, owner)
	if ga.EstimatedSavings != 12_000 {
		t.Errorf("expected savings 12000 at 10%%, got %d", ga.EstimatedSavings)
	}
}

func TestDailyStatsOneRowPerDate(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})
	ctx := context.Background()

	day1 := uint64(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Unix())
	day1Later := uint64(time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC).Unix())
	day2 := uint64(time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC).Unix())

	apply(t, p,
		rebalanced(owner, 100, 500, 100_000, day1),
		rebalanced(owner2, 101, 700, 110_000, day1Later),
		rebalanced(owner, 102, 900, 120_000, day2),
	)

	all, err := store.ListDailyStats(ctx, 0)
	if err != nil {
		t.Fatalf("list daily: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 daily rows, got %d", len(all))
	}

	d1, _ := store.GetDailyStats(ctx, "2026-03-01")
	if d1 == nil {
		t.Fatal("missing 2026-03-01 row")
	}
	if d1.TotalRebalances != 2 {
		t.Errorf("expected 2 rebalances on day 1, got %d", d1.TotalRebalances)
	}
	if d1.TotalVolume != 1200 {
		t.Errorf("expected volume 1200 on day 1, got %d", d1.TotalVolume)
	}
}

func TestDailyUniqueUsersCountsDistinctOwners(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})
	ctx := context.Background()

	day := uint64(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Unix())

	apply(t, p,
		rebalanced(owner, 100, 500, 100_000, day),
		rebalanced(owner2, 101, 700, 110_000, day+60),
		rebalanced(owner, 102, 900, 120_000, day+120),
	)

	d, _ := store.GetDailyStats(ctx, "2026-03-01")
	if d.UniqueUsers != 2 {
		t.Errorf("expected 2 unique users, got %d", d.UniqueUsers)
	}
	if d.TotalRebalances != 3 {
		t.Errorf("expected 3 rebalances, got %d", d.TotalRebalances)
	}
}

func TestUseWithoutPermissionIsAnAnomaly(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})
	ctx := context.Background()

	apply(t, p, used(owner, 100, 100, 900))

	if p.Anomalies() != 1 {
		t.Errorf("expected 1 anomaly, got %d", p.Anomalies())
	}
	// The audit row is still appended.
	history, _ := store.ListPermissionEvents(ctx, owner, 0)
	if len(history) != 1 {
		t.Errorf("expected audit row for anomalous use, got %d rows", len(history))
	}
}

func TestExpiryIsInformational(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})
	ctx := context.Background()

	expiry := uint64(time.Now().Add(-time.Hour).Unix())
	apply(t, p, granted(owner, 100, 1000, expiry))

	perm, _ := store.GetPermission(ctx, owner)
	if perm == nil || !perm.Active {
		t.Fatal("projector must not flip active on expiry")
	}
	if !perm.Expired(time.Now()) {
		t.Error("reader-side expiry check should report expired")
	}
}

func TestConfigUpdatedReplacesCapAndSlippage(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})
	ctx := context.Background()

	apply(t, p, granted(owner, 100, 1000, 1_800_000_000))

	m := meta(owner, 101, 0)
	apply(t, p, &events.ConfigUpdated{Meta: m, SpendingCap: 5000, SlippageLimit: 250})

	cfg, _ := store.GetUserConfig(ctx, owner)
	if cfg.SpendingCap != 5000 || cfg.SlippageLimitBps != 250 {
		t.Errorf("config not replaced: %+v", cfg)
	}
	if !cfg.HasActivePermission {
		t.Error("config update must not clear the active-permission flag")
	}
}

func TestPauseResumeTogglesConfig(t *testing.T) {
	store := projector.NewMemStore()
	p := projector.New(store, projector.Config{})
	ctx := context.Background()

	apply(t, p, granted(owner, 100, 1000, 1_800_000_000))

	mp := meta(owner, 101, 0)
	apply(t, p, &events.PermissionPaused{Meta: mp, Timestamp: mp.BlockTime})

	cfg, _ := store.GetUserConfig(ctx, owner)
	if !cfg.IsPaused {
		t.Fatal("expected paused config")
	}

	mr := meta(owner, 102, 0)
	apply(t, p, &events.PermissionResumed{Meta: mr, Timestamp: mr.BlockTime})

	cfg, _ = store.GetUserConfig(ctx, owner)
	if cfg.IsPaused {
		t.Fatal("expected resumed config")
	}

	history, _ := store.ListPermissionEvents(ctx, owner, 0)
	if len(history) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(history))
	}
	if history[0].Kind != models.EventResumed || history[1].Kind != models.EventPaused {
		t.Errorf("unexpected audit kinds: %s, %s", history[0].Kind, history[1].Kind)
	}
}
