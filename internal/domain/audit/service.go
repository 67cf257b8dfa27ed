package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medtrail/medtrail/internal/platform/anchor"
)

// Notifier receives entries after they are durably recorded. Delivery
// is best effort and never affects the outcome of Record.
type Notifier interface {
	EntryRecorded(e *Entry)
}

type multiNotifier []Notifier

func (m multiNotifier) EntryRecorded(e *Entry) {
	for _, n := range m {
		n.EntryRecorded(e)
	}
}

// MultiNotifier fans one recorded entry out to several notifiers.
func MultiNotifier(ns ...Notifier) Notifier {
	return multiNotifier(ns)
}

// Service records and verifies ledger entries.
type Service struct {
	repo     Repository
	anchor   anchor.Client
	notifier Notifier
	logger   zerolog.Logger

	now func() time.Time
}

// NewService wires the audit service. notifier may be nil.
func NewService(repo Repository, anchorClient anchor.Client, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		anchor:   anchorClient,
		notifier: notifier,
		logger:   logger.With().Str("component", "audit_ledger").Logger(),
		now:      time.Now,
	}
}

// RecordParams describes one access to record.
type RecordParams struct {
	ActorID      string            `json:"actor_id"`
	Action       Action            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Record appends an entry to the ledger. Metadata is masked for PHI
// before the content hash is computed, so raw identifiers never enter
// the ledger in any form. Persistence failure fails the call; the
// recorded access must not proceed unlogged.
func (s *Service) Record(ctx context.Context, p RecordParams) (*Entry, error) {
	if p.ActorID == "" {
		return nil, ErrEmptyActor
	}
	if !p.Action.Valid() {
		return nil, fmt.Errorf("audit: unknown action %q", p.Action)
	}
	if p.Action == ActionEmergencyOverride && p.Metadata["justification"] == "" {
		return nil, ErrJustification
	}

	e := &Entry{
		ActorID:      p.ActorID,
		Action:       p.Action,
		ResourceType: p.ResourceType,
		ResourceID:   p.ResourceID,
		Timestamp:    s.now().UTC(),
		Metadata:     maskMetadata(p.Metadata),
	}
	e.ContentHash = contentHash(e)

	if err := s.repo.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("audit record: %w", err)
	}

	if s.notifier != nil {
		// Off the request path; subscribers never slow down or fail a
		// write.
		go s.notifier.EntryRecorded(e)
	}

	s.logger.Info().
		Int64("entry_id", e.ID).
		Str("actor_id", e.ActorID).
		Str("action", string(e.Action)).
		Str("resource", e.ResourceType+"/"+e.ResourceID).
		Msg("audit entry recorded")
	return e, nil
}

// GetEntry returns one entry by ID.
func (s *Service) GetEntry(ctx context.Context, id int64) (*Entry, error) {
	return s.repo.Get(ctx, id)
}

// Query returns entries matching the filter, newest first.
func (s *Service) Query(ctx context.Context, f QueryFilter) ([]*Entry, int64, error) {
	return s.repo.Query(ctx, f)
}

// GetBatch returns batch metadata.
func (s *Service) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	return s.repo.GetBatch(ctx, id)
}

// Verification status values.
const (
	VerifyUnanchored        = "unanchored"
	VerifyVerified          = "verified"
	VerifyAnchorUnreachable = "anchor-unreachable"
)

// VerificationResult reports the tamper-evidence status of one entry.
type VerificationResult struct {
	EntryID     int64  `json:"entry_id"`
	Status      string `json:"status"`
	BatchID     int64  `json:"batch_id,omitempty"`
	MerkleRoot  string `json:"merkle_root,omitempty"`
	AnchorProof string `json:"anchor_proof,omitempty"`
}

// VerifyEntry checks an entry against the tamper-evidence chain:
// its stored fields must reproduce its content hash, its batch must
// reproduce the recorded Merkle root, and the root must be confirmed on
// the external ledger. Integrity failures return an error; an entry not
// yet batched or anchored verifies as unanchored; an unreachable anchor
// reports anchor-unreachable rather than failing integrity.
func (s *Service) VerifyEntry(ctx context.Context, id int64) (*VerificationResult, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if contentHash(e) != e.ContentHash {
		return nil, fmt.Errorf("entry %d: %w", id, ErrHashMismatch)
	}

	res := &VerificationResult{EntryID: id}
	if e.BatchID == 0 {
		res.Status = VerifyUnanchored
		return res, nil
	}

	b, err := s.repo.GetBatch(ctx, e.BatchID)
	if err != nil {
		return nil, fmt.Errorf("entry %d batch: %w", id, err)
	}
	res.BatchID = b.ID
	res.MerkleRoot = b.MerkleRoot

	entries, err := s.repo.BatchEntries(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("entry %d batch entries: %w", id, err)
	}
	for _, be := range entries {
		if contentHash(be) != be.ContentHash {
			return nil, fmt.Errorf("entry %d in batch %d: %w", be.ID, b.ID, ErrHashMismatch)
		}
	}
	if batchRoot(entries) != b.MerkleRoot {
		return nil, fmt.Errorf("batch %d: %w", b.ID, ErrRootMismatch)
	}

	if !b.Anchored() {
		res.Status = VerifyUnanchored
		return res, nil
	}
	res.AnchorProof = b.AnchorProof

	ok, err := s.anchor.ConfirmRoot(ctx, b.AnchorProof, b.MerkleRoot)
	if err != nil {
		// Local integrity held up; only the external confirmation is
		// pending. Not an integrity failure.
		s.logger.Warn().Err(err).Int64("batch_id", b.ID).Msg("anchor confirmation unavailable")
		res.Status = VerifyAnchorUnreachable
		return res, nil
	}
	if !ok {
		return nil, fmt.Errorf("batch %d: anchored root not confirmed: %w", b.ID, ErrRootMismatch)
	}

	res.Status = VerifyVerified
	return res, nil
}
