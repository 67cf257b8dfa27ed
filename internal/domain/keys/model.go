// Package keys manages the lifecycle of the cryptographic keys that
// protect sensitive fields: generation, rotation, revocation, short-lived
// caching of private material, and rotation-policy enforcement. Key
// records never contain raw key material; material is derived on demand
// from the external derivation backend and held only in memory.
package keys

import (
	"errors"
	"time"
)

// Key lifecycle and policy errors.
var (
	ErrNotFound        = errors.New("keys: key not found")
	ErrActiveKeyExists = errors.New("keys: an active key already exists for this owner and type")
	ErrKeyRevoked      = errors.New("keys: key is revoked")
	ErrKeyRetired      = errors.New("keys: key is deprecated and cannot protect new data")
	ErrPolicyViolation = errors.New("keys: rotation policy violated")
)

// KeyType classifies what a key protects.
type KeyType string

const (
	KeyTypeDataEncryption KeyType = "data-encryption"
	KeyTypeAuthentication KeyType = "authentication"
	KeyTypeAuditLog       KeyType = "audit-log"
)

// Valid reports whether t is a known key type.
func (t KeyType) Valid() bool {
	switch t {
	case KeyTypeDataEncryption, KeyTypeAuthentication, KeyTypeAuditLog:
		return true
	}
	return false
}

// Status is the lifecycle state of a key. Revoked is terminal.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusRevoked    Status = "revoked"
)

// RotationPolicy bounds a key's lifetime and usage. At least one of
// MaxLifetimeDays and UsageLimit is set.
type RotationPolicy struct {
	Name            string `json:"name"`
	MaxLifetimeDays int    `json:"max_lifetime_days,omitempty"`
	UsageLimit      int64  `json:"usage_limit,omitempty"`
}

// KeyRecord is the durable metadata for one key. It never holds the
// private material.
type KeyRecord struct {
	KeyID             string         `db:"key_id" json:"key_id"`
	KeyType           KeyType        `db:"key_type" json:"key_type"`
	OwnerRef          string         `db:"owner_ref" json:"owner_ref,omitempty"`
	KeySize           int            `db:"key_size" json:"key_size"`
	PublicFingerprint string         `db:"public_fingerprint" json:"public_fingerprint"`
	Status            Status         `db:"status" json:"status"`
	Policy            RotationPolicy `db:"-" json:"rotation_policy"`
	SuccessorID       string         `db:"successor_id" json:"successor_id,omitempty"`
	RevocationReason  string         `db:"revocation_reason" json:"revocation_reason,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UsageCount        int64          `db:"usage_count" json:"usage_count"`
}

// Handle is short-lived access to usable key material. Callers use it
// immediately and must not persist it; ExpiresAt reflects the cache TTL
// bounding how long the material stays resident.
type Handle struct {
	KeyID     string
	Material  []byte
	ExpiresAt time.Time
}

// Use declares what released material will be used for. Decryption of
// existing ciphertext is permitted under deprecated keys so rotation
// never strands data; protecting new data requires an active key.
type Use int

const (
	UseDecrypt Use = iota
	UseEncrypt
)
