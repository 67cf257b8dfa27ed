package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medtrail/medtrail/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewPGRepository returns a Repository backed by PostgreSQL. Entry IDs
// come from a BIGSERIAL column, which keeps them strictly increasing
// across concurrent writers.
func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const entryCols = `id, actor_id, action, resource_type, resource_id, timestamp, metadata, content_hash, COALESCE(batch_id, 0)`

func (r *repoPG) Insert(ctx context.Context, e *Entry) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO audit_entry (actor_id, action, resource_type, resource_id, timestamp, metadata, content_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		e.ActorID, e.Action, e.ResourceType, e.ResourceID, e.Timestamp, e.Metadata, e.ContentHash,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM audit_entry WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("audit get: %w", err)
	}
	return e, nil
}

func (r *repoPG) Query(ctx context.Context, f QueryFilter) ([]*Entry, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	n := 0
	add := func(col string, v interface{}) {
		n++
		where += fmt.Sprintf(" AND %s = $%d", col, n)
		args = append(args, v)
	}
	if f.ActorID != "" {
		add("actor_id", f.ActorID)
	}
	if f.ResourceType != "" {
		add("resource_type", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id", f.ResourceID)
	}
	if f.Action != "" {
		add("action", f.Action)
	}
	if !f.Since.IsZero() {
		n++
		where += fmt.Sprintf(" AND timestamp >= $%d", n)
		args = append(args, f.Since)
	}

	var total int64
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_entry`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit query count: %w", err)
	}

	q := `SELECT ` + entryCols + ` FROM audit_entry` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		n++
		q += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		n++
		q += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, f.Offset)
	}

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *repoPG) ClaimUnbatched(ctx context.Context, batchID int64, limit int) ([]*Entry, error) {
	// Single-statement compare-and-set: the WHERE batch_id IS NULL guard
	// means two concurrent claimers can never take the same entry.
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE audit_entry SET batch_id = $1
		WHERE id IN (
			SELECT id FROM audit_entry
			WHERE batch_id IS NULL
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryCols,
		batchID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit claim: %w", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is not guaranteed; the caller needs ID order for
	// the Merkle root.
	sortEntriesByID(entries)
	return entries, nil
}

func (r *repoPG) UnbatchedCount(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_entry WHERE batch_id IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit unbatched count: %w", err)
	}
	return n, nil
}

func (r *repoPG) CreateBatch(ctx context.Context, b *Batch) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO audit_batch (merkle_root, entry_count, created_at)
		VALUES ($1,$2,$3)
		RETURNING id`,
		b.MerkleRoot, b.EntryCount, b.CreatedAt,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("audit batch create: %w", err)
	}
	return nil
}

func (r *repoPG) FinalizeBatch(ctx context.Context, batchID int64, root string, count int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE audit_batch SET merkle_root = $2, entry_count = $3
		WHERE id = $1`, batchID, root, count)
	if err != nil {
		return fmt.Errorf("audit batch finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) DeleteBatch(ctx context.Context, batchID int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM audit_batch WHERE id = $1`, batchID)
	if err != nil {
		return fmt.Errorf("audit batch delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	b := &Batch{}
	var proof *string
	var anchoredAt *time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, merkle_root, entry_count, anchor_proof, created_at, anchored_at
		FROM audit_batch WHERE id = $1`, id,
	).Scan(&b.ID, &b.MerkleRoot, &b.EntryCount, &proof, &b.CreatedAt, &anchoredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("audit batch get: %w", err)
	}
	if proof != nil {
		b.AnchorProof = *proof
	}
	if anchoredAt != nil {
		b.AnchoredAt = *anchoredAt
	}
	return b, nil
}

func (r *repoPG) MarkAnchored(ctx context.Context, batchID int64, proof string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE audit_batch SET anchor_proof = $2, anchored_at = NOW()
		WHERE id = $1`, batchID, proof)
	if err != nil {
		return fmt.Errorf("audit batch anchor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) UnanchoredBatches(ctx context.Context) ([]*Batch, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, merkle_root, entry_count, created_at
		FROM audit_batch WHERE anchor_proof IS NULL AND merkle_root <> ''
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("audit unanchored batches: %w", err)
	}
	defer rows.Close()

	var out []*Batch
	for rows.Next() {
		b := &Batch{}
		if err := rows.Scan(&b.ID, &b.MerkleRoot, &b.EntryCount, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit batch scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *repoPG) BatchEntries(ctx context.Context, batchID int64) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM audit_entry WHERE batch_id = $1 ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("audit batch entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	err := row.Scan(
		&e.ID, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID,
		&e.Timestamp, &e.Metadata, &e.ContentHash, &e.BatchID,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit entry scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func sortEntriesByID(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
