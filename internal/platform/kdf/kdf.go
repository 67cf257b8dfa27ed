// Package kdf defines the interface to the external key derivation
// backend. The backend deterministically derives symmetric key material
// from a context string and salt; callers must never assume it is
// available and must never persist what it returns.
package kdf

import (
	"context"
	"errors"
)

// ErrDerivation is returned when the backend cannot derive or sign,
// whether from connectivity loss, timeout, or a backend-side failure.
var ErrDerivation = errors.New("kdf: derivation failed")

// Backend is the contract with the key derivation service.
type Backend interface {
	// Derive returns length bytes of key material for the given context
	// string and salt. The same inputs always yield the same output.
	Derive(ctx context.Context, kctx string, salt []byte, length int) ([]byte, error)

	// Sign signs data under the backend-held signing key for keyID.
	Sign(ctx context.Context, data []byte, keyID string) ([]byte, error)
}
