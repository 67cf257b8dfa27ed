// Package crypto provides the authenticated encryption and hashing
// primitives for the compliance core: chunked AES-256-GCM envelopes for
// field payloads and the SHA-256 content hash shared by the audit ledger
// and its Merkle batching.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrAuthentication is returned when a chunk's authentication tag fails
// verification. It signals tampering, not corruption of the envelope
// structure, and is never retried.
var ErrAuthentication = errors.New("crypto: authentication failed")

// DefaultChunkSize is the payload chunk size used when none is configured.
const DefaultChunkSize = 64 * 1024

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

// Chunk is a single encrypted segment of a payload. The GCM tag is kept
// separate from the ciphertext so tag verification failures can be
// reported per chunk.
type Chunk struct {
	IV   []byte `json:"iv"`
	Data []byte `json:"data"`
	Tag  []byte `json:"tag"`
}

// Envelope is the ciphertext form of a payload: an ordered sequence of
// chunks, each sealed with a fresh IV under the same key.
type Envelope struct {
	KeyID     string  `json:"key_id"`
	ChunkSize int     `json:"chunk_size"`
	Chunks    []Chunk `json:"chunks"`
}

// KeySource releases usable key material for a key ID. The key registry
// satisfies this interface and enforces lifecycle policy: encryption
// demands an active key, while decryption also accepts deprecated keys
// so existing ciphertext stays readable after rotation. Material
// obtained through here must never be persisted.
type KeySource interface {
	EncryptionKey(ctx context.Context, keyID string) ([]byte, error)
	DecryptionKey(ctx context.Context, keyID string) ([]byte, error)
}

// Service performs chunked authenticated encryption and decryption.
type Service struct {
	keys      KeySource
	chunkSize int
}

// NewService creates a Service that resolves key IDs through keys.
// chunkSize <= 0 selects DefaultChunkSize.
func NewService(keys KeySource, chunkSize int) *Service {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Service{keys: keys, chunkSize: chunkSize}
}

// Encrypt seals plaintext under the key identified by keyID. Large
// payloads are split into fixed-size chunks, each with its own IV and
// tag. The associated data binds the caller's context plus the chunk
// index and total count, so a chunk cannot be reordered, truncated away,
// or replayed into a different context.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte, keyID string, associated []byte) (*Envelope, error) {
	key, err := s.keys.EncryptionKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("crypto encrypt: key %s: %w", keyID, err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("crypto encrypt: %w", err)
	}

	total := len(plaintext) / s.chunkSize
	if len(plaintext)%s.chunkSize != 0 || len(plaintext) == 0 {
		total++
	}

	env := &Envelope{
		KeyID:     keyID,
		ChunkSize: s.chunkSize,
		Chunks:    make([]Chunk, 0, total),
	}

	for i := 0; i < total; i++ {
		start := i * s.chunkSize
		end := start + s.chunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}

		iv := make([]byte, aead.NonceSize())
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return nil, fmt.Errorf("crypto encrypt: generate iv: %w", err)
		}

		sealed := aead.Seal(nil, iv, plaintext[start:end], chunkAAD(associated, i, total))
		tagStart := len(sealed) - aead.Overhead()

		env.Chunks = append(env.Chunks, Chunk{
			IV:   iv,
			Data: sealed[:tagStart],
			Tag:  sealed[tagStart:],
		})
	}

	return env, nil
}

// Decrypt opens an envelope produced by Encrypt. The same associated
// data supplied at encryption time is required. A tag mismatch on any
// chunk returns ErrAuthentication; structural problems with the envelope
// return ordinary errors.
func (s *Service) Decrypt(ctx context.Context, env *Envelope, keyID string, associated []byte) ([]byte, error) {
	if env == nil || len(env.Chunks) == 0 {
		return nil, fmt.Errorf("crypto decrypt: empty envelope")
	}

	key, err := s.keys.DecryptionKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("crypto decrypt: key %s: %w", keyID, err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("crypto decrypt: %w", err)
	}

	total := len(env.Chunks)
	var plaintext []byte

	for i, chunk := range env.Chunks {
		if len(chunk.IV) != aead.NonceSize() {
			return nil, fmt.Errorf("crypto decrypt: chunk %d: bad iv length %d", i, len(chunk.IV))
		}
		if len(chunk.Tag) != aead.Overhead() {
			return nil, fmt.Errorf("crypto decrypt: chunk %d: bad tag length %d", i, len(chunk.Tag))
		}

		sealed := make([]byte, 0, len(chunk.Data)+len(chunk.Tag))
		sealed = append(sealed, chunk.Data...)
		sealed = append(sealed, chunk.Tag...)

		opened, err := aead.Open(nil, chunk.IV, sealed, chunkAAD(associated, i, total))
		if err != nil {
			return nil, fmt.Errorf("crypto decrypt: chunk %d: %w", i, ErrAuthentication)
		}
		plaintext = append(plaintext, opened...)
	}

	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// chunkAAD extends the caller's associated data with the chunk index and
// chunk count so each chunk authenticates its position in the payload.
func chunkAAD(associated []byte, index, total int) []byte {
	aad := make([]byte, 0, len(associated)+16)
	aad = append(aad, associated...)
	aad = binary.BigEndian.AppendUint64(aad, uint64(index))
	aad = binary.BigEndian.AppendUint64(aad, uint64(total))
	return aad
}
