package worker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/autopilot-defi/autopilot-indexer/internal/projector"
	"github.com/autopilot-defi/autopilot-indexer/pkg/events"
	"github.com/autopilot-defi/autopilot-indexer/pkg/ledger"
)

const testOwner = "0x1111111111111111111111111111111111111111"

func wordHex(v uint64) string {
	return hex.EncodeToString(ledger.EncodeUint64(v))
}

func ownerTopic(t *testing.T) string {
	t.Helper()
	w, err := ledger.EncodeAddress(testOwner)
	if err != nil {
		t.Fatal(err)
	}
	return "0x" + hex.EncodeToString(w)
}

func grantedLog(t *testing.T, block, logIndex uint64) events.Envelope {
	t.Helper()
	return events.Envelope{
		Log: ledger.Log{
			Address: "0xcccccccccccccccccccccccccccccccccccccccc",
			Topics: []string{
				ledger.TopicPermissionGranted,
				ownerTopic(t),
			},
			Data: "0x" + wordHex(1_000_000_000) +
				wordHex(2_000_000_000) +
				wordHex(1_700_000_000),
			BlockNumber: ledger.HexUint64(block),
			TxHash:      "0xaaaa000000000000000000000000000000000000000000000000000000000001",
			LogIndex:    ledger.HexUint64(logIndex),
		},
		BlockTime: 1_700_000_000,
	}
}

func newTestWorker(t *testing.T) (*Worker, *projector.MemStore) {
	t.Helper()
	store := projector.NewMemStore()
	proj := projector.New(store, projector.Config{})
	return &Worker{projector: proj}, store
}

func TestHandleLogProjectsEvent(t *testing.T) {
	w, store := newTestWorker(t)

	payload, err := json.Marshal(grantedLog(t, 100, 0))
	if err != nil {
		t.Fatal(err)
	}

	if err := w.handleLog(message.NewMessage("m1", payload)); err != nil {
		t.Fatalf("handleLog: %v", err)
	}

	perm, err := store.GetPermission(context.Background(), testOwner)
	if err != nil {
		t.Fatal(err)
	}
	if perm == nil || !perm.Active {
		t.Fatalf("expected active permission, got %+v", perm)
	}
	if perm.SpendingCap != 1_000_000_000 {
		t.Fatalf("spending cap = %d, want 1000000000", perm.SpendingCap)
	}
}

func TestHandleLogAcksGarbagePayload(t *testing.T) {
	w, _ := newTestWorker(t)

	if err := w.handleLog(message.NewMessage("m1", []byte("not json"))); err != nil {
		t.Fatalf("garbage payload should be acked, got %v", err)
	}
}

func TestHandleLogAcksUnknownTopic(t *testing.T) {
	w, store := newTestWorker(t)

	env := grantedLog(t, 100, 0)
	env.Log.Topics[0] = "0x" + "00" + env.Log.Topics[0][4:]
	payload, _ := json.Marshal(env)

	if err := w.handleLog(message.NewMessage("m1", payload)); err != nil {
		t.Fatalf("unknown topic should be acked, got %v", err)
	}

	perm, err := store.GetPermission(context.Background(), testOwner)
	if err != nil {
		t.Fatal(err)
	}
	if perm != nil {
		t.Fatalf("unknown event must not be projected, got %+v", perm)
	}
}

func TestHandleLogRedeliversOnOutOfOrder(t *testing.T) {
	w, _ := newTestWorker(t)

	payload, _ := json.Marshal(grantedLog(t, 100, 5))
	if err := w.handleLog(message.NewMessage("m1", payload)); err != nil {
		t.Fatalf("handleLog: %v", err)
	}

	// An unseen event at a lower position is a gap the queue cannot
	// heal by acking.
	stale := grantedLog(t, 100, 1)
	stale.Log.TxHash = "0xaaaa000000000000000000000000000000000000000000000000000000000002"
	payload, _ = json.Marshal(stale)
	if err := w.handleLog(message.NewMessage("m2", payload)); err == nil {
		t.Fatal("expected out-of-order event to be nacked")
	}
}

func TestHandleLogAcksReplay(t *testing.T) {
	w, store := newTestWorker(t)

	payload, _ := json.Marshal(grantedLog(t, 100, 0))
	if err := w.handleLog(message.NewMessage("m1", payload)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := w.handleLog(message.NewMessage("m2", payload)); err != nil {
		t.Fatalf("redelivery should be acked, got %v", err)
	}

	evs, err := store.ListPermissionEvents(context.Background(), testOwner, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(evs))
	}
}
