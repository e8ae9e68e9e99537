package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeLedger struct {
	mu       sync.Mutex
	pending  []int64
	head     *string
	anchored map[int64]string // id -> reference

	pendingErr error
	markErr    error
}

func newFakeLedger(head string, ids ...int64) *fakeLedger {
	l := &fakeLedger{anchored: map[int64]string{}}
	if head != "" {
		l.head = &head
	}
	l.pending = append(l.pending, ids...)
	return l
}

func (f *fakeLedger) PendingAnchorIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	var out []int64
	for _, id := range f.pending {
		if id > afterID && f.anchored[id] == "" {
			out = append(out, id)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeLedger) LatestHash(ctx context.Context) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeLedger) MarkAnchored(ctx context.Context, ids []int64, reference string, position int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return 0, f.markErr
	}
	var n int64
	for _, id := range ids {
		if f.anchored[id] == "" {
			f.anchored[id] = reference
			n++
		}
	}
	return n, nil
}

func (f *fakeLedger) addPending(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, id)
}

func (f *fakeLedger) referenceFor(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.anchored[id]
}

func (f *fakeLedger) anchoredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.anchored)
}

type stubCommit struct {
	head string
	meta Metadata
	ref  string
}

type stubBackend struct {
	mu       sync.Mutex
	position int64
	commits  []stubCommit

	commitErr error
	onCommit  func() // runs inside Commit, before the receipt is issued
}

func (s *stubBackend) Commit(ctx context.Context, headHash string, meta Metadata) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return nil, s.commitErr
	}
	if s.onCommit != nil {
		s.onCommit()
	}
	s.position++
	ref := fmt.Sprintf("0xc%03d", s.position)
	s.commits = append(s.commits, stubCommit{head: headHash, meta: meta, ref: ref})
	return &Receipt{Reference: ref, Position: s.position}, nil
}

func (s *stubBackend) Verify(ctx context.Context, reference string) (*Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commits {
		if c.ref == reference {
			return &Verification{Reference: reference, Found: true, RawData: c.head}, nil
		}
	}
	return &Verification{Reference: reference, Found: false}, nil
}

func (s *stubBackend) Status(ctx context.Context) (*ServiceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &ServiceStatus{Mode: "simulated", Position: s.position, Reachable: true}, nil
}

func (s *stubBackend) Close() error { return nil }

func (s *stubBackend) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commits)
}

// ---------------------------------------------------------------------------
// RunCycle
// ---------------------------------------------------------------------------

func TestRunCycle_AnchorsPendingSnapshot(t *testing.T) {
	ledger := newFakeLedger("h3", 1, 2, 3)
	backend := &stubBackend{}
	c := NewCommitter(ledger, backend, time.Hour, 100, zerolog.Nop())

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Skipped {
		t.Fatal("expected a commit, got skipped cycle")
	}
	if res.Pending != 3 || res.Anchored != 3 {
		t.Errorf("expected 3 pending and 3 anchored, got %d and %d", res.Pending, res.Anchored)
	}
	if res.Reference == "" || res.Position != 1 {
		t.Errorf("expected receipt fields, got %+v", res)
	}

	if backend.commitCount() != 1 {
		t.Fatalf("expected one commit, got %d", backend.commitCount())
	}
	commit := backend.commits[0]
	if commit.head != "h3" {
		t.Errorf("expected head h3 committed, got %s", commit.head)
	}
	if commit.meta.TotalEntries != 3 {
		t.Errorf("expected metadata to cover 3 entries, got %d", commit.meta.TotalEntries)
	}
	if _, err := time.Parse(time.RFC3339, commit.meta.Timestamp); err != nil {
		t.Errorf("metadata timestamp %q does not parse as RFC3339: %v", commit.meta.Timestamp, err)
	}

	for _, id := range []int64{1, 2, 3} {
		if got := ledger.referenceFor(id); got != res.Reference {
			t.Errorf("entry %d stamped with %q, want %q", id, got, res.Reference)
		}
	}
}

func TestRunCycle_SnapshotPagesThroughBatches(t *testing.T) {
	ledger := newFakeLedger("h4", 1, 2, 3, 4)
	backend := &stubBackend{}
	c := NewCommitter(ledger, backend, time.Hour, 2, zerolog.Nop())

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Pending != 4 || res.Anchored != 4 {
		t.Errorf("expected all 4 entries in one cycle, got pending %d anchored %d", res.Pending, res.Anchored)
	}
	if backend.commitCount() != 1 {
		t.Errorf("expected a single commit covering every page, got %d", backend.commitCount())
	}
	if backend.commits[0].meta.TotalEntries != 4 {
		t.Errorf("expected metadata total 4, got %d", backend.commits[0].meta.TotalEntries)
	}
}

func TestRunCycle_NothingPendingSkips(t *testing.T) {
	ledger := newFakeLedger("h1")
	backend := &stubBackend{}
	c := NewCommitter(ledger, backend, time.Hour, 100, zerolog.Nop())

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if !res.Skipped {
		t.Error("expected skipped cycle")
	}
	if backend.commitCount() != 0 {
		t.Errorf("expected no commits, got %d", backend.commitCount())
	}
}

func TestRunCycle_EmptyHeadSkips(t *testing.T) {
	ledger := newFakeLedger("", 1)
	backend := &stubBackend{}
	c := NewCommitter(ledger, backend, time.Hour, 100, zerolog.Nop())

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if !res.Skipped {
		t.Error("expected skipped cycle when the ledger reports no head")
	}
	if backend.commitCount() != 0 {
		t.Errorf("expected no commits, got %d", backend.commitCount())
	}
}

func TestRunCycle_CommitFailureLeavesEntriesPending(t *testing.T) {
	ledger := newFakeLedger("h2", 1, 2)
	backend := &stubBackend{commitErr: errors.New("rpc timeout")}
	c := NewCommitter(ledger, backend, time.Hour, 100, zerolog.Nop())

	_, err := c.RunCycle(context.Background())
	if !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("expected ErrCommitFailed, got %v", err)
	}
	if ledger.anchoredCount() != 0 {
		t.Fatalf("expected no entries stamped after failed commit, got %d", ledger.anchoredCount())
	}

	// The next cycle picks the same entries up again.
	backend.commitErr = nil
	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Anchored != 2 {
		t.Errorf("expected retry cycle to anchor 2 entries, got %d", res.Anchored)
	}
}

func TestRunCycle_MarkFailureSurfaced(t *testing.T) {
	ledger := newFakeLedger("h1", 1)
	ledger.markErr = errors.New("connection reset")
	backend := &stubBackend{}
	c := NewCommitter(ledger, backend, time.Hour, 100, zerolog.Nop())

	if _, err := c.RunCycle(context.Background()); err == nil {
		t.Fatal("expected error when stamping fails, got none")
	}
	// The commitment exists; the rows just were not stamped.
	if backend.commitCount() != 1 {
		t.Errorf("expected the commit to have happened, got %d commits", backend.commitCount())
	}
	if ledger.anchoredCount() != 0 {
		t.Errorf("expected entries to stay pending, got %d stamped", ledger.anchoredCount())
	}
}

func TestRunCycle_EntriesAppendedMidCycleStayPending(t *testing.T) {
	ledger := newFakeLedger("h2", 1, 2)
	backend := &stubBackend{}
	backend.onCommit = func() {
		// A new entry lands while the commit is in flight. The commitment
		// does not cover it, so it must not be stamped this cycle.
		ledger.addPending(3)
	}
	c := NewCommitter(ledger, backend, time.Hour, 100, zerolog.Nop())

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Anchored != 2 {
		t.Errorf("expected 2 entries anchored, got %d", res.Anchored)
	}
	if got := ledger.referenceFor(3); got != "" {
		t.Fatalf("expected late entry to stay pending, stamped with %q", got)
	}

	backend.onCommit = nil
	second, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if second.Pending != 1 || second.Anchored != 1 {
		t.Errorf("expected the next cycle to cover the late entry, got %+v", second)
	}
	if got := ledger.referenceFor(3); got != second.Reference {
		t.Errorf("late entry stamped with %q, want %q", got, second.Reference)
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func TestCommitter_StartRunsImmediateCycle(t *testing.T) {
	ledger := newFakeLedger("h1", 1)
	backend := &stubBackend{}
	c := NewCommitter(ledger, backend, time.Hour, 100, zerolog.Nop())

	if err := c.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for ledger.anchoredCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first cycle did not run before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !c.Running() {
		t.Error("expected committer to report running")
	}
}

func TestCommitter_StartTwiceFails(t *testing.T) {
	c := NewCommitter(newFakeLedger(""), &stubBackend{}, time.Hour, 100, zerolog.Nop())

	if err := c.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer c.Stop()

	if err := c.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestCommitter_StopIsIdempotent(t *testing.T) {
	c := NewCommitter(newFakeLedger(""), &stubBackend{}, time.Hour, 100, zerolog.Nop())

	c.Stop() // never started

	if err := c.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	c.Stop()
	c.Stop()

	if c.Running() {
		t.Error("expected committer to report stopped")
	}
}

func TestNewCommitter_Defaults(t *testing.T) {
	c := NewCommitter(newFakeLedger(""), &stubBackend{}, 0, 0, zerolog.Nop())
	if c.Interval != 24*time.Hour {
		t.Errorf("expected default interval of 24h, got %s", c.Interval)
	}
	if c.BatchSize != 500 {
		t.Errorf("expected default batch size of 500, got %d", c.BatchSize)
	}
}
