package chain

import (
	"context"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Rebuild
// ---------------------------------------------------------------------------

func TestRebuild_ReproducesIdenticalChain(t *testing.T) {
	svc, repo, records := newTestService()
	entries := appendRecords(t, svc, records, 7)

	res, err := svc.Rebuild(context.Background(), nil)
	if err != nil {
		t.Fatalf("Rebuild returned error: %v", err)
	}
	if res.Predictions != 7 || res.Entries != 7 {
		t.Errorf("expected 7 predictions and 7 entries, got %d and %d", res.Predictions, res.Entries)
	}
	if res.Report == nil || !res.Report.Valid {
		t.Fatalf("expected rebuilt ledger to verify as valid, report: %+v", res.Report)
	}

	rebuilt, err := repo.ListRange(context.Background(), 0, 1<<32, 100)
	if err != nil {
		t.Fatalf("ListRange returned error: %v", err)
	}
	if len(rebuilt) != len(entries) {
		t.Fatalf("expected %d entries after rebuild, got %d", len(entries), len(rebuilt))
	}
	for i, e := range rebuilt {
		if e.ID != int64(i+1) {
			t.Errorf("expected id sequence to restart at 1, entry %d has id %d", i+1, e.ID)
		}
		if e.PredictionID != entries[i].PredictionID {
			t.Errorf("entry %d replays %s, want %s", i+1, e.PredictionID, entries[i].PredictionID)
		}
		if e.CurrentHash != entries[i].CurrentHash {
			t.Errorf("entry %d hash changed across rebuild: %s != %s", i+1, e.CurrentHash, entries[i].CurrentHash)
		}
		if !hashPtrEqual(e.PreviousHash, entries[i].PreviousHash) {
			t.Errorf("entry %d previous hash changed across rebuild", i+1)
		}
	}
}

func TestRebuild_RepairsCorruptedLedger(t *testing.T) {
	svc, repo, records := newTestService()
	entries := appendRecords(t, svc, records, 5)
	originalHash := entries[2].CurrentHash

	repo.entries[2].CurrentHash = strings.Repeat("00", 32)

	before, err := svc.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if before.Valid {
		t.Fatal("expected corrupted ledger to fail verification")
	}

	res, err := svc.Rebuild(context.Background(), nil)
	if err != nil {
		t.Fatalf("Rebuild returned error: %v", err)
	}
	if !res.Report.Valid {
		t.Fatalf("expected rebuilt ledger to be valid, errors: %v", res.Report.Errors)
	}

	repaired, err := repo.GetByPredictionID(context.Background(), "p-3")
	if err != nil {
		t.Fatalf("GetByPredictionID returned error: %v", err)
	}
	if repaired.CurrentHash != originalHash {
		t.Errorf("expected rebuild to restore hash %s, got %s", originalHash, repaired.CurrentHash)
	}
}

func TestRebuild_ClearsAnchorReceipts(t *testing.T) {
	svc, _, records := newTestService()
	entries := appendRecords(t, svc, records, 3)
	ids := []int64{entries[0].ID, entries[1].ID, entries[2].ID}
	if _, err := svc.MarkAnchored(context.Background(), ids, "0xabc", 42); err != nil {
		t.Fatalf("MarkAnchored returned error: %v", err)
	}

	if _, err := svc.Rebuild(context.Background(), nil); err != nil {
		t.Fatalf("Rebuild returned error: %v", err)
	}

	st, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if st.PendingAnchor != 3 {
		t.Errorf("expected all rebuilt entries to await anchoring, pending %d", st.PendingAnchor)
	}
	if st.LastAnchoredRef != nil {
		t.Errorf("expected no anchor reference after rebuild, got %s", *st.LastAnchoredRef)
	}
}

func TestRebuild_EmptyStore(t *testing.T) {
	svc, _, _ := newTestService()

	res, err := svc.Rebuild(context.Background(), nil)
	if err != nil {
		t.Fatalf("Rebuild returned error: %v", err)
	}
	if res.Predictions != 0 || res.Entries != 0 {
		t.Errorf("expected nothing to replay, got %d predictions and %d entries", res.Predictions, res.Entries)
	}
	if !res.Report.Valid {
		t.Error("expected empty rebuilt ledger to be valid")
	}
}

func TestRebuild_ReportsProgress(t *testing.T) {
	svc, _, records := newTestService()
	appendRecords(t, svc, records, 4)

	var dones []int
	total := -1
	if _, err := svc.Rebuild(context.Background(), func(done, n int) {
		dones = append(dones, done)
		total = n
	}); err != nil {
		t.Fatalf("Rebuild returned error: %v", err)
	}

	if total != 4 {
		t.Errorf("expected total 4, got %d", total)
	}
	want := []int{1, 2, 3, 4}
	if len(dones) != len(want) {
		t.Fatalf("expected %d progress calls, got %d", len(want), len(dones))
	}
	for i := range want {
		if dones[i] != want[i] {
			t.Errorf("progress call %d reported %d, want %d", i, dones[i], want[i])
		}
	}
}

func TestRebuild_ReplaysChronologically(t *testing.T) {
	svc, repo, records := newTestService()

	// Records arrive out of timestamp order; the rebuilt chain follows the
	// timestamps, not insertion order.
	for _, n := range []int{3, 1, 2} {
		records.add(testRecord(n))
	}

	res, err := svc.Rebuild(context.Background(), nil)
	if err != nil {
		t.Fatalf("Rebuild returned error: %v", err)
	}
	if res.Entries != 3 {
		t.Fatalf("expected 3 entries, got %d", res.Entries)
	}
	if !res.Report.Valid {
		t.Fatalf("expected valid rebuilt ledger, errors: %v", res.Report.Errors)
	}

	all, err := repo.ListRange(context.Background(), 0, 10, 10)
	if err != nil {
		t.Fatalf("ListRange returned error: %v", err)
	}
	wantOrder := []string{"p-1", "p-2", "p-3"}
	for i, e := range all {
		if e.PredictionID != wantOrder[i] {
			t.Errorf("position %d: expected %s, got %s", i+1, wantOrder[i], e.PredictionID)
		}
	}
}

func TestRebuild_PagesThroughLargeStore(t *testing.T) {
	svc, _, records := newTestService()

	// More predictions than one replay batch and one verification batch hold,
	// so both paging loops cross their boundaries.
	const n = 1001
	for i := 1; i <= n; i++ {
		records.add(testRecord(i))
	}

	res, err := svc.Rebuild(context.Background(), nil)
	if err != nil {
		t.Fatalf("Rebuild returned error: %v", err)
	}
	if res.Predictions != n || res.Entries != n {
		t.Errorf("expected %d predictions and entries, got %d and %d", n, res.Predictions, res.Entries)
	}
	if !res.Report.Valid {
		t.Fatalf("expected valid rebuilt ledger, errors: %v", res.Report.Errors)
	}
	if res.Report.Entries != n {
		t.Errorf("expected %d entries verified, got %d", n, res.Report.Entries)
	}
}
