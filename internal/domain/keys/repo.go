package keys

import "context"

// ListFilter narrows a key listing.
type ListFilter struct {
	OwnerRef string
	KeyType  KeyType
	Status   Status
	Limit    int
	Offset   int
}

// Repository persists key records.
type Repository interface {
	Create(ctx context.Context, rec *KeyRecord) error
	Get(ctx context.Context, keyID string) (*KeyRecord, error)
	List(ctx context.Context, f ListFilter) ([]*KeyRecord, int64, error)

	// UpdateStatus transitions a key's status, recording the successor
	// (for rotation) or the revocation reason (for revocation).
	UpdateStatus(ctx context.Context, keyID string, status Status, successorID, reason string) error

	// CreateSuccessor atomically deprecates the old key and creates its
	// replacement, so no moment exists where the owner has either two
	// active keys or none.
	CreateSuccessor(ctx context.Context, oldID string, succ *KeyRecord) error

	// IncrementUsage bumps the usage counter and returns the new count.
	IncrementUsage(ctx context.Context, keyID string) (int64, error)

	// ActiveKey returns the active key for an owner and type, or
	// ErrNotFound when none exists.
	ActiveKey(ctx context.Context, ownerRef string, keyType KeyType) (*KeyRecord, error)
}
