package audit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/medtrail/medtrail/internal/platform/anchor"
)

// Batcher defaults.
const (
	DefaultBatchInterval  = 10 * time.Minute
	DefaultBatchThreshold = 5
	maxBatchSize          = 512
	anchorBackoffBase     = 5 * time.Second
	anchorBackoffMax      = 5 * time.Minute
)

// Batcher periodically gathers unbatched entries into Merkle batches
// and anchors their roots to the external ledger. A flush runs on a
// fixed interval and also as soon as the pending entry count reaches
// the threshold. Anchoring failures leave the batch unanchored; it is
// retried ahead of new work on later flushes with exponential backoff.
type Batcher struct {
	repo      Repository
	anchor    anchor.Client
	interval  time.Duration
	threshold int
	logger    zerolog.Logger

	pending atomic.Int64
	kick    chan struct{}
	done    chan struct{}

	anchorFailures int
	nextAnchorTry  time.Time
}

// NewBatcher wires a batcher. Non-positive interval or threshold fall
// back to the defaults.
func NewBatcher(repo Repository, anchorClient anchor.Client, interval time.Duration, threshold int, logger zerolog.Logger) *Batcher {
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	if threshold <= 0 {
		threshold = DefaultBatchThreshold
	}
	return &Batcher{
		repo:      repo,
		anchor:    anchorClient,
		interval:  interval,
		threshold: threshold,
		logger:    logger.With().Str("component", "audit_batcher").Logger(),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// EntryRecorded implements Notifier: one more entry is pending. When
// the threshold is reached a flush is scheduled immediately. Never
// blocks.
func (b *Batcher) EntryRecorded(*Entry) {
	if b.pending.Add(1) >= int64(b.threshold) {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Start runs the batcher loop until ctx is cancelled. A final flush
// runs on shutdown so entries recorded just before exit still get
// batched.
func (b *Batcher) Start(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			b.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.kick:
			b.Flush(ctx)
		}
	}
}

// Wait blocks until the Start loop has exited.
func (b *Batcher) Wait() { <-b.done }

// Flush retries unanchored batches, then seals pending entries into a
// new batch and anchors it. Safe to call directly; the loop serializes
// calls made through Start.
func (b *Batcher) Flush(ctx context.Context) {
	b.retryUnanchored(ctx)

	if err := b.sealPending(ctx); err != nil {
		b.logger.Error().Err(err).Msg("batch flush failed")
	}
}

func (b *Batcher) sealPending(ctx context.Context) error {
	n, err := b.repo.UnbatchedCount(ctx)
	if err != nil {
		return fmt.Errorf("count unbatched: %w", err)
	}
	if n == 0 {
		b.pending.Store(0)
		return nil
	}

	batch := &Batch{CreatedAt: time.Now().UTC()}
	if err := b.repo.CreateBatch(ctx, batch); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	entries, err := b.repo.ClaimUnbatched(ctx, batch.ID, maxBatchSize)
	if err != nil {
		return fmt.Errorf("claim entries: %w", err)
	}
	if len(entries) == 0 {
		// Another flusher claimed the pending entries first.
		return b.repo.DeleteBatch(ctx, batch.ID)
	}

	root := batchRoot(entries)
	if err := b.repo.FinalizeBatch(ctx, batch.ID, root, len(entries)); err != nil {
		return fmt.Errorf("finalize batch %d: %w", batch.ID, err)
	}
	batch.MerkleRoot = root
	batch.EntryCount = len(entries)
	b.pending.Add(int64(-len(entries)))

	b.logger.Info().
		Int64("batch_id", batch.ID).
		Int("entries", len(entries)).
		Str("merkle_root", root).
		Msg("batch sealed")

	b.anchorBatch(ctx, batch)

	// More entries than one batch holds; go again.
	if n > maxBatchSize {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Batcher) retryUnanchored(ctx context.Context) {
	batches, err := b.repo.UnanchoredBatches(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("list unanchored batches")
		return
	}
	for _, batch := range batches {
		if !b.anchorBatch(ctx, batch) {
			// Anchor is down; retrying the rest this cycle just burns
			// the breaker.
			return
		}
	}
}

// anchorBackoff doubles the delay per consecutive failure up to
// anchorBackoffMax. The exponent is capped so the shift cannot
// overflow no matter how long the anchor stays down.
func anchorBackoff(failures int) time.Duration {
	shift := failures - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 6 {
		shift = 6
	}
	backoff := anchorBackoffBase << shift
	if backoff > anchorBackoffMax {
		backoff = anchorBackoffMax
	}
	return backoff
}

// anchorBatch submits the batch root, honoring the backoff window. The
// batch row stays unanchored on failure and is retried later.
func (b *Batcher) anchorBatch(ctx context.Context, batch *Batch) bool {
	if time.Now().Before(b.nextAnchorTry) {
		return false
	}

	proof, err := b.anchor.SubmitBatch(ctx, batch.MerkleRoot, batch.EntryCount)
	if err != nil {
		b.anchorFailures++
		backoff := anchorBackoff(b.anchorFailures)
		b.nextAnchorTry = time.Now().Add(backoff)

		evt := b.logger.Warn()
		if !errors.Is(err, anchor.ErrUnavailable) {
			evt = b.logger.Error()
		}
		evt.Err(err).
			Int64("batch_id", batch.ID).
			Dur("backoff", backoff).
			Msg("anchor submission failed, batch left unanchored")
		return false
	}

	if err := b.repo.MarkAnchored(ctx, batch.ID, proof); err != nil {
		b.logger.Error().Err(err).Int64("batch_id", batch.ID).Msg("record anchor proof")
		return false
	}
	b.anchorFailures = 0
	b.nextAnchorTry = time.Time{}

	b.logger.Info().
		Int64("batch_id", batch.ID).
		Str("anchor_proof", proof).
		Msg("batch anchored")
	return true
}
