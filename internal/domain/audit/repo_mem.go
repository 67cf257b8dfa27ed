package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository is a Repository backed by maps, used in tests and
// single-node development setups.
type InMemoryRepository struct {
	mu          sync.Mutex
	entries     map[int64]*Entry
	batches     map[int64]*Batch
	nextEntryID int64
	nextBatchID int64
}

// NewInMemoryRepository returns an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		entries: make(map[int64]*Entry),
		batches: make(map[int64]*Batch),
	}
}

func (r *InMemoryRepository) Insert(ctx context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextEntryID++
	e.ID = r.nextEntryID
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *InMemoryRepository) Get(ctx context.Context, id int64) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *InMemoryRepository) Query(ctx context.Context, f QueryFilter) ([]*Entry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*Entry
	for _, e := range r.entries {
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && e.ResourceID != f.ResourceID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	// Newest first; IDs are assigned in timestamp order.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := int64(len(matched))
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (r *InMemoryRepository) ClaimUnbatched(ctx context.Context, batchID int64, limit int) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var claimed []*Entry
	for _, e := range r.entries {
		if e.BatchID == 0 {
			claimed = append(claimed, e)
		}
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	if limit > 0 && limit < len(claimed) {
		claimed = claimed[:limit]
	}

	out := make([]*Entry, len(claimed))
	for i, e := range claimed {
		e.BatchID = batchID
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (r *InMemoryRepository) UnbatchedCount(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.BatchID == 0 {
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepository) CreateBatch(ctx context.Context, b *Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextBatchID++
	b.ID = r.nextBatchID
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	cp := *b
	r.batches[b.ID] = &cp
	return nil
}

func (r *InMemoryRepository) FinalizeBatch(ctx context.Context, batchID int64, root string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.MerkleRoot = root
	b.EntryCount = count
	return nil
}

func (r *InMemoryRepository) DeleteBatch(ctx context.Context, batchID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[batchID]; !ok {
		return ErrNotFound
	}
	delete(r.batches, batchID)
	return nil
}

func (r *InMemoryRepository) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *InMemoryRepository) MarkAnchored(ctx context.Context, batchID int64, proof string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.AnchorProof = proof
	b.AnchoredAt = time.Now().UTC()
	return nil
}

func (r *InMemoryRepository) UnanchoredBatches(ctx context.Context) ([]*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Batch
	for _, b := range r.batches {
		if !b.Anchored() && b.MerkleRoot != "" {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *InMemoryRepository) BatchEntries(ctx context.Context, batchID int64) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.BatchID == batchID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
