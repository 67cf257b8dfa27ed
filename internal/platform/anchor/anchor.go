// Package anchor defines the narrow interface to the external immutable
// ledger that audit batches are anchored to. The anchor is an opaque,
// trusted append-only service; this package deliberately knows nothing
// about how it achieves immutability.
package anchor

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the anchor service cannot be reached
// or times out. Callers treat it as a retryable availability failure,
// never as an integrity failure.
var ErrUnavailable = errors.New("anchor: service unavailable")

// Client is the contract with the external anchor service.
type Client interface {
	// SubmitBatch anchors a Merkle root covering entryCount audit
	// entries and returns an opaque proof reference.
	SubmitBatch(ctx context.Context, merkleRoot string, entryCount int) (proof string, err error)

	// ConfirmRoot reports whether the anchored proof covers the given
	// Merkle root. A false return is an integrity verdict, not an
	// availability failure.
	ConfirmRoot(ctx context.Context, proof, merkleRoot string) (bool, error)
}
