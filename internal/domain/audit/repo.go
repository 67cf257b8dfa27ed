package audit

import (
	"context"
	"time"
)

// QueryFilter narrows an entry listing. Zero fields match everything.
type QueryFilter struct {
	ActorID      string
	ResourceType string
	ResourceID   string
	Action       Action
	Since        time.Time
	Limit        int
	Offset       int
}

// Repository persists entries and batches. Entry IDs are assigned by
// the repository and are strictly increasing across all writers.
type Repository interface {
	// Insert persists the entry and fills in its assigned ID.
	Insert(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id int64) (*Entry, error)
	Query(ctx context.Context, f QueryFilter) ([]*Entry, int64, error)

	// ClaimUnbatched atomically assigns up to limit unbatched entries to
	// batchID and returns them in ID order. Concurrent claims never
	// assign the same entry twice.
	ClaimUnbatched(ctx context.Context, batchID int64, limit int) ([]*Entry, error)
	UnbatchedCount(ctx context.Context) (int, error)

	CreateBatch(ctx context.Context, b *Batch) error
	// FinalizeBatch records the Merkle root and entry count once the
	// batch's membership is settled.
	FinalizeBatch(ctx context.Context, batchID int64, root string, count int) error
	// DeleteBatch removes a batch that claimed no entries.
	DeleteBatch(ctx context.Context, batchID int64) error
	GetBatch(ctx context.Context, id int64) (*Batch, error)
	// MarkAnchored records the anchor proof on the batch.
	MarkAnchored(ctx context.Context, batchID int64, proof string) error
	// UnanchoredBatches returns batches whose roots have not been
	// anchored yet, oldest first.
	UnanchoredBatches(ctx context.Context) ([]*Batch, error)
	// BatchEntries returns the entries of a batch in ID order.
	BatchEntries(ctx context.Context, batchID int64) ([]*Entry, error)
}
