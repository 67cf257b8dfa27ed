package keys

import (
	"context"
	"sort"
	"sync"
)

// InMemoryRepository is a Repository backed by a map, used in tests and
// single-node development setups.
type InMemoryRepository struct {
	mu   sync.RWMutex
	recs map[string]*KeyRecord
}

// NewInMemoryRepository returns an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{recs: make(map[string]*KeyRecord)}
}

func (r *InMemoryRepository) Create(ctx context.Context, rec *KeyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Ownerless keys form their own singleton group, matching the
	// partial unique index on (owner_ref, key_type).
	for _, existing := range r.recs {
		if existing.OwnerRef == rec.OwnerRef && existing.KeyType == rec.KeyType && existing.Status == StatusActive {
			return ErrActiveKeyExists
		}
	}
	cp := *rec
	r.recs[rec.KeyID] = &cp
	return nil
}

func (r *InMemoryRepository) Get(ctx context.Context, keyID string) (*KeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recs[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *InMemoryRepository) List(ctx context.Context, f ListFilter) ([]*KeyRecord, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*KeyRecord
	for _, rec := range r.recs {
		if f.OwnerRef != "" && rec.OwnerRef != f.OwnerRef {
			continue
		}
		if f.KeyType != "" && rec.KeyType != f.KeyType {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		cp := *rec
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

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

func (r *InMemoryRepository) UpdateStatus(ctx context.Context, keyID string, status Status, successorID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[keyID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	if successorID != "" {
		rec.SuccessorID = successorID
	}
	if reason != "" {
		rec.RevocationReason = reason
	}
	return nil
}

func (r *InMemoryRepository) CreateSuccessor(ctx context.Context, oldID string, succ *KeyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.recs[oldID]
	if !ok {
		return ErrNotFound
	}
	old.Status = StatusDeprecated
	old.SuccessorID = succ.KeyID
	cp := *succ
	r.recs[succ.KeyID] = &cp
	return nil
}

func (r *InMemoryRepository) IncrementUsage(ctx context.Context, keyID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[keyID]
	if !ok {
		return 0, ErrNotFound
	}
	rec.UsageCount++
	return rec.UsageCount, nil
}

func (r *InMemoryRepository) ActiveKey(ctx context.Context, ownerRef string, keyType KeyType) (*KeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.recs {
		if rec.OwnerRef == ownerRef && rec.KeyType == keyType && rec.Status == StatusActive {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
