package kdf

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// LocalBackend derives key material in-process with HKDF-SHA256 over a
// master secret. It backs development deployments and tests; production
// points at a remote backend via HTTPBackend.
type LocalBackend struct {
	secret []byte
}

// NewLocalBackend creates a LocalBackend from the given master secret.
func NewLocalBackend(secret []byte) (*LocalBackend, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("kdf: master secret must be at least 16 bytes, got %d", len(secret))
	}
	return &LocalBackend{secret: secret}, nil
}

// Derive implements Backend using HKDF-SHA256 with the context string as
// the info parameter.
func (b *LocalBackend) Derive(ctx context.Context, kctx string, salt []byte, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	if length <= 0 || length > 255*sha256.Size {
		return nil, fmt.Errorf("%w: invalid length %d", ErrDerivation, length)
	}

	r := hkdf.New(sha256.New, b.secret, salt, []byte(kctx))
	material := make([]byte, length)
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return material, nil
}

// Sign implements Backend with HMAC-SHA512 under a per-key derived MAC
// key, which is sufficient for the local mode's integrity needs.
func (b *LocalBackend) Sign(ctx context.Context, data []byte, keyID string) ([]byte, error) {
	macKey, err := b.Derive(ctx, "signing:"+keyID, nil, sha256.Size)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha512.New, macKey)
	mac.Write(data)
	return mac.Sum(nil), nil
}
