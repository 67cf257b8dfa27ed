package keys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medtrail/medtrail/internal/platform/kdf"
)

// DefaultKeySize is the byte length of derived key material.
const DefaultKeySize = 32

const deriveTimeout = 10 * time.Second

// Registry implements the key lifecycle: generation, rotation,
// revocation, usable-material release, and compliance evaluation.
// It also satisfies crypto.KeySource so the encryption service can
// resolve keys without knowing about lifecycle states.
type Registry struct {
	repo   Repository
	kdf    kdf.Backend
	cache  *MaterialCache
	logger zerolog.Logger

	now func() time.Time
}

// NewRegistry wires a Registry over its repository, derivation backend
// and material cache.
func NewRegistry(repo Repository, backend kdf.Backend, cache *MaterialCache, logger zerolog.Logger) *Registry {
	return &Registry{
		repo:   repo,
		kdf:    backend,
		cache:  cache,
		logger: logger.With().Str("component", "key_registry").Logger(),
		now:    time.Now,
	}
}

// GenerateParams describes a key to create.
type GenerateParams struct {
	KeyType    KeyType `json:"key_type"`
	OwnerRef   string  `json:"owner_ref"`
	PolicyName string  `json:"policy_name"`
	KeySize    int     `json:"key_size"`
}

// GenerateKey creates a new active key record. Material is derived once
// to compute the public fingerprint and then discarded; it is re-derived
// on demand when the key is used.
func (r *Registry) GenerateKey(ctx context.Context, p GenerateParams) (*KeyRecord, error) {
	if !p.KeyType.Valid() {
		return nil, fmt.Errorf("%w: unknown key type %q", ErrPolicyViolation, p.KeyType)
	}
	policy, err := PolicyByName(p.PolicyName)
	if err != nil {
		return nil, err
	}
	size := p.KeySize
	if size == 0 {
		size = DefaultKeySize
	}

	rec := &KeyRecord{
		KeyID:     uuid.New().String(),
		KeyType:   p.KeyType,
		OwnerRef:  p.OwnerRef,
		KeySize:   size,
		Status:    StatusActive,
		Policy:    policy,
		CreatedAt: r.now().UTC(),
	}

	material, err := r.derive(ctx, rec)
	if err != nil {
		return nil, err
	}
	rec.PublicFingerprint = fingerprint(material)

	if _, err := r.repo.ActiveKey(ctx, p.OwnerRef, p.KeyType); err == nil {
		return nil, ErrActiveKeyExists
	}
	if err := r.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("key_id", rec.KeyID).
		Str("key_type", string(rec.KeyType)).
		Str("policy", policy.Name).
		Msg("key generated")
	return rec, nil
}

// RotateKey deprecates the key and atomically creates its active
// successor under the same owner, type and policy. Only active keys
// rotate; deprecated and revoked keys fail.
func (r *Registry) RotateKey(ctx context.Context, keyID string) (*KeyRecord, error) {
	old, err := r.repo.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	switch old.Status {
	case StatusRevoked:
		return nil, fmt.Errorf("rotate %s: %w", keyID, ErrKeyRevoked)
	case StatusDeprecated:
		return nil, fmt.Errorf("rotate %s: %w", keyID, ErrKeyRetired)
	}

	succ := &KeyRecord{
		KeyID:     uuid.New().String(),
		KeyType:   old.KeyType,
		OwnerRef:  old.OwnerRef,
		KeySize:   old.KeySize,
		Status:    StatusActive,
		Policy:    old.Policy,
		CreatedAt: r.now().UTC(),
	}
	material, err := r.derive(ctx, succ)
	if err != nil {
		return nil, err
	}
	succ.PublicFingerprint = fingerprint(material)

	if err := r.repo.CreateSuccessor(ctx, keyID, succ); err != nil {
		return nil, err
	}

	// The old key's cached material stays valid for decryption; only
	// revocation evicts.
	r.logger.Info().
		Str("key_id", keyID).
		Str("successor_id", succ.KeyID).
		Msg("key rotated")
	return succ, nil
}

// RevokeKey marks the key revoked and evicts its cached material before
// returning, so no caller observes revoked material from cache after
// this call completes. Revoking an already revoked key is a no-op.
func (r *Registry) RevokeKey(ctx context.Context, keyID, reason string) error {
	rec, err := r.repo.Get(ctx, keyID)
	if err != nil {
		return err
	}
	if rec.Status == StatusRevoked {
		return nil
	}
	if err := r.repo.UpdateStatus(ctx, keyID, StatusRevoked, "", reason); err != nil {
		return err
	}
	r.cache.Evict(keyID)

	r.logger.Warn().
		Str("key_id", keyID).
		Str("reason", reason).
		Msg("key revoked")
	return nil
}

// GetKey returns the key's metadata.
func (r *Registry) GetKey(ctx context.Context, keyID string) (*KeyRecord, error) {
	return r.repo.Get(ctx, keyID)
}

// ListKeys returns key records matching the filter, newest first.
func (r *Registry) ListKeys(ctx context.Context, f ListFilter) ([]*KeyRecord, int64, error) {
	return r.repo.List(ctx, f)
}

// GetUsableKey releases key material for the given use. Revoked keys
// always fail. Deprecated keys serve UseDecrypt only, so rotation never
// strands existing ciphertext. For UseEncrypt the rotation policy is
// enforced at read time: a key past its lifetime or usage limit fails
// with ErrPolicyViolation even if still marked active.
func (r *Registry) GetUsableKey(ctx context.Context, keyID string, use Use) (*Handle, error) {
	rec, err := r.repo.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if err := r.checkUsable(rec, use); err != nil {
		return nil, err
	}

	material, expiresAt, hit := r.cache.Get(keyID)
	if !hit {
		material, err = r.derive(ctx, rec)
		if err != nil {
			return nil, err
		}
		expiresAt = r.cache.Put(keyID, material)
	} else {
		// Material may have been cached before a concurrent revocation
		// landed. Re-check status after the cache read so a revoked key
		// is never released.
		fresh, err := r.repo.Get(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if fresh.Status == StatusRevoked {
			r.cache.Evict(keyID)
			return nil, fmt.Errorf("use %s: %w", keyID, ErrKeyRevoked)
		}
	}

	count, err := r.repo.IncrementUsage(ctx, keyID)
	if err != nil {
		return nil, err
	}
	r.logger.Debug().
		Str("key_id", keyID).
		Int64("usage_count", count).
		Bool("cache_hit", hit).
		Msg("key material released")

	return &Handle{KeyID: keyID, Material: material, ExpiresAt: expiresAt}, nil
}

func (r *Registry) checkUsable(rec *KeyRecord, use Use) error {
	switch rec.Status {
	case StatusRevoked:
		return fmt.Errorf("use %s: %w", rec.KeyID, ErrKeyRevoked)
	case StatusDeprecated:
		if use == UseEncrypt {
			return fmt.Errorf("use %s: %w", rec.KeyID, ErrKeyRetired)
		}
	}
	if use == UseEncrypt {
		if issues := Evaluate(rec, r.now()); Violated(issues) {
			return fmt.Errorf("use %s: %w: %s", rec.KeyID, ErrPolicyViolation, issues[0].Detail)
		}
	}
	return nil
}

// ComplianceReport is the policy evaluation of one key at a point in time.
type ComplianceReport struct {
	KeyID       string        `json:"key_id"`
	Status      Status        `json:"status"`
	Policy      string        `json:"policy"`
	Compliant   bool          `json:"compliant"`
	Issues      []PolicyIssue `json:"issues,omitempty"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// CheckCompliance evaluates the key against its rotation policy.
func (r *Registry) CheckCompliance(ctx context.Context, keyID string) (*ComplianceReport, error) {
	rec, err := r.repo.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	issues := Evaluate(rec, now)
	return &ComplianceReport{
		KeyID:       keyID,
		Status:      rec.Status,
		Policy:      rec.Policy.Name,
		Compliant:   !Violated(issues),
		Issues:      issues,
		EvaluatedAt: now,
	}, nil
}

// SweepCompliance evaluates every non-revoked key and returns the
// reports of those with findings. Used by the compliance-sweep CLI.
func (r *Registry) SweepCompliance(ctx context.Context) ([]*ComplianceReport, error) {
	recs, _, err := r.repo.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	var reports []*ComplianceReport
	for _, rec := range recs {
		if rec.Status == StatusRevoked {
			continue
		}
		issues := Evaluate(rec, now)
		if len(issues) == 0 {
			continue
		}
		reports = append(reports, &ComplianceReport{
			KeyID:       rec.KeyID,
			Status:      rec.Status,
			Policy:      rec.Policy.Name,
			Compliant:   !Violated(issues),
			Issues:      issues,
			EvaluatedAt: now,
		})
	}
	return reports, nil
}

// EncryptionKey releases material for protecting new data. Active keys
// only.
func (r *Registry) EncryptionKey(ctx context.Context, keyID string) ([]byte, error) {
	h, err := r.GetUsableKey(ctx, keyID, UseEncrypt)
	if err != nil {
		return nil, err
	}
	return h.Material, nil
}

// DecryptionKey releases material for reading existing ciphertext.
// Active and deprecated keys qualify.
func (r *Registry) DecryptionKey(ctx context.Context, keyID string) ([]byte, error) {
	h, err := r.GetUsableKey(ctx, keyID, UseDecrypt)
	if err != nil {
		return nil, err
	}
	return h.Material, nil
}

// derive obtains the key's material from the derivation backend. The
// derivation context binds the material to the key's identity, so two
// keys never share material.
func (r *Registry) derive(ctx context.Context, rec *KeyRecord) ([]byte, error) {
	dctx, cancel := context.WithTimeout(ctx, deriveTimeout)
	defer cancel()
	kctx := fmt.Sprintf("medtrail:key:%s:%s", rec.KeyType, rec.KeyID)
	return r.kdf.Derive(dctx, kctx, nil, rec.KeySize)
}

func fingerprint(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}
