package audit

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medtrail/medtrail/internal/platform/crypto"
)

func TestBatcher_FlushSealsAndAnchors(t *testing.T) {
	svc, repo, mock := newTestService(t)
	b := NewBatcher(repo, mock, 0, 0, zerolog.Nop())

	for i := 0; i < 3; i++ {
		record(t, svc, "dr.smith", ActionRead, "patient_record", "p-100")
	}
	b.Flush(context.Background())

	if n, _ := repo.UnbatchedCount(context.Background()); n != 0 {
		t.Errorf("expected all entries batched, %d left", n)
	}
	batch, err := repo.GetBatch(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if batch.EntryCount != 3 {
		t.Errorf("expected 3 entries, got %d", batch.EntryCount)
	}
	if !batch.Anchored() {
		t.Error("batch not anchored")
	}

	entries, _ := repo.BatchEntries(context.Background(), batch.ID)
	if batchRoot(entries) != batch.MerkleRoot {
		t.Error("stored root does not match entries")
	}
}

// An auditor holding only the stored content hashes must be able to
// reproduce the anchored root: leaves are the raw digests in ascending
// ID order, nothing else enters the tree.
func TestBatcher_RootRecomputableFromStoredHashes(t *testing.T) {
	svc, repo, mock := newTestService(t)
	b := NewBatcher(repo, mock, 0, 0, zerolog.Nop())

	for i := 0; i < 5; i++ {
		record(t, svc, "dr.smith", ActionRead, "patient_record", "p-100")
	}
	b.Flush(context.Background())

	batch, err := repo.GetBatch(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}

	entries, _ := repo.BatchEntries(context.Background(), batch.ID)
	leaves := make([][]byte, len(entries))
	for i, e := range entries {
		raw, err := hex.DecodeString(e.ContentHash)
		if err != nil {
			t.Fatalf("content hash %q is not hex: %v", e.ContentHash, err)
		}
		leaves[i] = raw
	}
	if got := crypto.MerkleRootHex(leaves); got != batch.MerkleRoot {
		t.Errorf("independent recompute = %s, stored root = %s", got, batch.MerkleRoot)
	}
}

func TestBatcher_FlushWithNothingPending(t *testing.T) {
	_, repo, mock := newTestService(t)
	b := NewBatcher(repo, mock, 0, 0, zerolog.Nop())

	b.Flush(context.Background())
	if mock.SubmitCount() != 0 {
		t.Error("submitted a batch with no entries")
	}
	if batches, _ := repo.UnanchoredBatches(context.Background()); len(batches) != 0 {
		t.Errorf("stray batches created: %d", len(batches))
	}
}

func TestBatcher_OutageLeavesBatchUnanchoredThenRecovers(t *testing.T) {
	svc, repo, mock := newTestService(t)
	b := NewBatcher(repo, mock, 0, 0, zerolog.Nop())

	record(t, svc, "dr.smith", ActionRead, "patient_record", "p-100")
	mock.SetDown(true)
	b.Flush(context.Background())

	unanchored, err := repo.UnanchoredBatches(context.Background())
	if err != nil {
		t.Fatalf("UnanchoredBatches: %v", err)
	}
	if len(unanchored) != 1 {
		t.Fatalf("expected 1 unanchored batch, got %d", len(unanchored))
	}
	if n, _ := repo.UnbatchedCount(context.Background()); n != 0 {
		t.Error("entries should be sealed into the batch even when anchoring fails")
	}

	// Recovery: the pending batch anchors before new work.
	mock.SetDown(false)
	b.nextAnchorTry = time.Time{} // skip the backoff window in test
	record(t, svc, "nurse.lee", ActionRead, "patient_record", "p-200")
	b.Flush(context.Background())

	unanchored, _ = repo.UnanchoredBatches(context.Background())
	if len(unanchored) != 0 {
		t.Errorf("expected all batches anchored, %d left", len(unanchored))
	}
	if mock.SubmitCount() != 2 {
		t.Errorf("expected 2 successful submissions, got %d", mock.SubmitCount())
	}
}

func TestAnchorBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, anchorBackoffBase},
		{2, 2 * anchorBackoffBase},
		{4, 8 * anchorBackoffBase},
		{7, anchorBackoffMax},
		{100, anchorBackoffMax},
		{1 << 40, anchorBackoffMax},
	}
	for _, tt := range tests {
		got := anchorBackoff(tt.failures)
		if got != tt.want {
			t.Errorf("anchorBackoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
		if got <= 0 || got > anchorBackoffMax {
			t.Errorf("anchorBackoff(%d) = %v out of range", tt.failures, got)
		}
	}
}

func TestBatcher_ConcurrentFlushesNeverDoubleClaim(t *testing.T) {
	svc, repo, mock := newTestService(t)

	const n = 40
	for i := 0; i < n; i++ {
		record(t, svc, "dr.smith", ActionRead, "patient_record", "p-100")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := NewBatcher(repo, mock, 0, 0, zerolog.Nop())
			b.Flush(context.Background())
		}()
	}
	wg.Wait()

	if left, _ := repo.UnbatchedCount(context.Background()); left != 0 {
		t.Errorf("%d entries left unbatched", left)
	}

	// Every entry belongs to exactly one batch and every batch count
	// matches its membership.
	entries, _, err := repo.Query(context.Background(), QueryFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	total := 0
	seenBatch := map[int64]bool{}
	for _, e := range entries {
		if e.BatchID == 0 {
			t.Errorf("entry %d unbatched", e.ID)
			continue
		}
		seenBatch[e.BatchID] = true
	}
	for id := range seenBatch {
		batch, err := repo.GetBatch(context.Background(), id)
		if err != nil {
			t.Fatalf("GetBatch %d: %v", id, err)
		}
		members, _ := repo.BatchEntries(context.Background(), id)
		if len(members) != batch.EntryCount {
			t.Errorf("batch %d count %d but %d members", id, batch.EntryCount, len(members))
		}
		total += len(members)
	}
	if total != n {
		t.Errorf("expected %d batched entries, got %d", n, total)
	}
}

func TestBatcher_ThresholdTriggersFlush(t *testing.T) {
	svc, repo, mock := newTestService(t)
	b := NewBatcher(repo, mock, time.Hour, 3, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go b.Start(ctx)

	for i := 0; i < 3; i++ {
		e := record(t, svc, "dr.smith", ActionRead, "patient_record", "p-100")
		b.EntryRecorded(e)
	}

	deadline := time.After(2 * time.Second)
	for {
		if n, _ := repo.UnbatchedCount(context.Background()); n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("threshold flush did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	b.Wait()
	if mock.SubmitCount() == 0 {
		t.Error("batch never anchored")
	}
}

func TestBatcher_ShutdownFlushesPending(t *testing.T) {
	svc, repo, mock := newTestService(t)
	b := NewBatcher(repo, mock, time.Hour, 100, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go b.Start(ctx)

	record(t, svc, "dr.smith", ActionRead, "patient_record", "p-100")
	cancel()
	b.Wait()

	if n, _ := repo.UnbatchedCount(context.Background()); n != 0 {
		t.Errorf("%d entries left unbatched after shutdown", n)
	}
	if mock.SubmitCount() != 1 {
		t.Errorf("expected shutdown flush to anchor, got %d submissions", mock.SubmitCount())
	}
}
