package crypto

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
)

type staticKeySource struct {
	keys map[string][]byte
}

func (s *staticKeySource) EncryptionKey(_ context.Context, keyID string) ([]byte, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key %s", keyID)
	}
	return key, nil
}

func (s *staticKeySource) DecryptionKey(ctx context.Context, keyID string) ([]byte, error) {
	return s.EncryptionKey(ctx, keyID)
}

func newTestService(t *testing.T, chunkSize int) (*Service, string) {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	src := &staticKeySource{keys: map[string][]byte{"k-test": key}}
	return NewService(src, chunkSize), "k-test"
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	svc, keyID := newTestService(t, 32)

	cases := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"below chunk boundary", 31},
		{"exact chunk boundary", 32},
		{"one byte over boundary", 33},
		{"several chunks", 100},
		{"many chunks", 32 * 17},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plaintext := make([]byte, tc.size)
			if _, err := rand.Read(plaintext); err != nil {
				t.Fatalf("generate plaintext: %v", err)
			}

			env, err := svc.Encrypt(context.Background(), plaintext, keyID, []byte("Observation"))
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}

			wantChunks := tc.size / 32
			if tc.size%32 != 0 || tc.size == 0 {
				wantChunks++
			}
			if len(env.Chunks) != wantChunks {
				t.Fatalf("expected %d chunks, got %d", wantChunks, len(env.Chunks))
			}

			decrypted, err := svc.Decrypt(context.Background(), env, keyID, []byte("Observation"))
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if !bytes.Equal(decrypted, plaintext) {
				t.Error("roundtrip did not return original plaintext")
			}
		})
	}
}

func TestDecryptRejectsWrongAssociatedData(t *testing.T) {
	svc, keyID := newTestService(t, 0)

	env, err := svc.Encrypt(context.Background(), []byte("systolic-bp:118"), keyID, []byte("Observation"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	_, err = svc.Decrypt(context.Background(), env, keyID, []byte("MedicationRequest"))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestDecryptDetectsBitFlips(t *testing.T) {
	svc, keyID := newTestService(t, 16)

	plaintext := []byte("patient vitals payload spanning multiple chunks for tamper checks")
	aad := []byte("Observation")

	env, err := svc.Encrypt(context.Background(), plaintext, keyID, aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(env.Chunks) < 2 {
		t.Fatalf("test needs multiple chunks, got %d", len(env.Chunks))
	}

	fields := []struct {
		name string
		get  func(c *Chunk) []byte
	}{
		{"data", func(c *Chunk) []byte { return c.Data }},
		{"tag", func(c *Chunk) []byte { return c.Tag }},
		{"iv", func(c *Chunk) []byte { return c.IV }},
	}

	for ci := range env.Chunks {
		for _, f := range fields {
			t.Run(fmt.Sprintf("chunk %d %s", ci, f.name), func(t *testing.T) {
				tampered, err := svc.Encrypt(context.Background(), plaintext, keyID, aad)
				if err != nil {
					t.Fatalf("encrypt: %v", err)
				}
				buf := f.get(&tampered.Chunks[ci])
				if len(buf) == 0 {
					t.Skip("empty field")
				}
				buf[len(buf)/2] ^= 0x01

				_, err = svc.Decrypt(context.Background(), tampered, keyID, aad)
				if !errors.Is(err, ErrAuthentication) {
					t.Fatalf("expected ErrAuthentication, got %v", err)
				}
			})
		}
	}
}

func TestDecryptRejectsReorderedChunks(t *testing.T) {
	svc, keyID := newTestService(t, 8)

	env, err := svc.Encrypt(context.Background(), []byte("0123456789abcdef"), keyID, nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(env.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(env.Chunks))
	}

	env.Chunks[0], env.Chunks[1] = env.Chunks[1], env.Chunks[0]

	_, err = svc.Decrypt(context.Background(), env, keyID, nil)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestDecryptRejectsMalformedEnvelope(t *testing.T) {
	svc, keyID := newTestService(t, 0)

	t.Run("nil envelope", func(t *testing.T) {
		if _, err := svc.Decrypt(context.Background(), nil, keyID, nil); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("truncated iv", func(t *testing.T) {
		env, err := svc.Encrypt(context.Background(), []byte("payload"), keyID, nil)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		env.Chunks[0].IV = env.Chunks[0].IV[:4]

		_, err = svc.Decrypt(context.Background(), env, keyID, nil)
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.Is(err, ErrAuthentication) {
			t.Fatal("structural error should not be an authentication error")
		}
	})
}

func TestEncryptUnknownKey(t *testing.T) {
	svc, _ := newTestService(t, 0)
	if _, err := svc.Encrypt(context.Background(), []byte("x"), "k-missing", nil); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestEncryptFreshIVPerChunk(t *testing.T) {
	svc, keyID := newTestService(t, 8)

	env, err := svc.Encrypt(context.Background(), []byte("0123456789abcdef"), keyID, nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(env.Chunks[0].IV, env.Chunks[1].IV) {
		t.Error("chunks must not share an IV")
	}
}
