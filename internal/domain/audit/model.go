// Package audit implements a tamper-evident audit ledger. Every access
// to sensitive records is captured as an immutable entry whose content
// hash is fixed at write time; entries are grouped into Merkle batches
// whose roots are anchored to an external ledger, so any later mutation
// of an entry is detectible against the anchored root.
package audit

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/medtrail/medtrail/internal/platform/crypto"
)

// Verification and recording errors.
var (
	ErrNotFound      = errors.New("audit: entry not found")
	ErrEmptyActor    = errors.New("audit: actor is required")
	ErrJustification = errors.New("audit: emergency override requires a justification")
	ErrHashMismatch  = errors.New("audit: entry content does not match its recorded hash")
	ErrRootMismatch  = errors.New("audit: batch entries do not reproduce the anchored root")
)

// Action is the kind of access an entry records.
type Action string

const (
	ActionRead              Action = "READ"
	ActionWrite             Action = "WRITE"
	ActionDelete            Action = "DELETE"
	ActionPredict           Action = "PREDICT"
	ActionLogin             Action = "LOGIN"
	ActionExport            Action = "EXPORT"
	ActionEmergencyOverride Action = "EMERGENCY_OVERRIDE"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionWrite, ActionDelete, ActionPredict, ActionLogin, ActionExport, ActionEmergencyOverride:
		return true
	}
	return false
}

// Entry is one immutable record in the ledger. ID is assigned by the
// repository in strictly increasing order; ContentHash is computed once
// at write time and never recomputed from stored fields on the write
// path.
type Entry struct {
	ID           int64             `json:"id"`
	ActorID      string            `json:"actor_id"`
	Action       Action            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ContentHash  string            `json:"content_hash"`
	BatchID      int64             `json:"batch_id,omitempty"`
}

// Batch groups consecutive entries under one Merkle root. AnchorProof
// is empty until the root has been anchored to the external ledger.
type Batch struct {
	ID          int64     `json:"id"`
	MerkleRoot  string    `json:"merkle_root"`
	EntryCount  int       `json:"entry_count"`
	AnchorProof string    `json:"anchor_proof,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	AnchoredAt  time.Time `json:"anchored_at,omitempty"`
}

// Anchored reports whether the batch root has been anchored.
func (b *Batch) Anchored() bool { return b.AnchorProof != "" }

// contentHash canonicalizes the entry fields that are covered by the
// tamper-evidence guarantee and hashes them. Metadata keys are sorted
// so the hash is independent of map iteration order. The timestamp is
// fixed to UTC RFC3339Nano so the hash survives serialization round
// trips.
func contentHash(e *Entry) string {
	var b strings.Builder
	b.WriteString(e.ActorID)
	b.WriteByte('|')
	b.WriteString(string(e.Action))
	b.WriteByte('|')
	b.WriteString(e.ResourceType)
	b.WriteByte('|')
	b.WriteString(e.ResourceID)
	b.WriteByte('|')
	b.WriteString(e.Timestamp.UTC().Format(time.RFC3339Nano))

	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, e.Metadata[k])
	}
	return crypto.HashHex([]byte(b.String()))
}

// merkleLeaf is the Merkle leaf for an entry: its stored content hash
// decoded to raw digest bytes. Leaf position is fixed by ascending ID
// order, so an independent verifier can recompute the root from the
// stored hashes alone.
func merkleLeaf(e *Entry) []byte {
	raw, err := hex.DecodeString(e.ContentHash)
	if err != nil {
		// Record never stores a non-hex hash; a decode failure means
		// the column was tampered with and the per-entry hash check
		// will reject it.
		return []byte(e.ContentHash)
	}
	return raw
}

// batchRoot recomputes the Merkle root over entries in ID order.
func batchRoot(entries []*Entry) string {
	sorted := make([]*Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	leaves := make([][]byte, len(sorted))
	for i, e := range sorted {
		leaves[i] = merkleLeaf(e)
	}
	return crypto.MerkleRootHex(leaves)
}
