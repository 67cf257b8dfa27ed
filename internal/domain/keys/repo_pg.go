package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medtrail/medtrail/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewPGRepository returns a Repository backed by PostgreSQL.
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

const keyCols = `key_id, key_type, owner_ref, key_size, public_fingerprint, status,
	policy_name, max_lifetime_days, usage_limit,
	successor_id, revocation_reason, created_at, usage_count`

func (r *repoPG) Create(ctx context.Context, rec *KeyRecord) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO key_record (
			key_id, key_type, owner_ref, key_size, public_fingerprint, status,
			policy_name, max_lifetime_days, usage_limit, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.KeyID, rec.KeyType, rec.OwnerRef, rec.KeySize, rec.PublicFingerprint, rec.Status,
		rec.Policy.Name, rec.Policy.MaxLifetimeDays, rec.Policy.UsageLimit, rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrActiveKeyExists
		}
		return fmt.Errorf("key create: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, keyID string) (*KeyRecord, error) {
	rec, err := scanKey(r.conn(ctx).QueryRow(ctx,
		`SELECT `+keyCols+` FROM key_record WHERE key_id = $1`, keyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("key get: %w", err)
	}
	return rec, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter) ([]*KeyRecord, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	n := 0
	add := func(clause string, v interface{}) {
		n++
		where += fmt.Sprintf(" AND %s = $%d", clause, n)
		args = append(args, v)
	}
	if f.OwnerRef != "" {
		add("owner_ref", f.OwnerRef)
	}
	if f.KeyType != "" {
		add("key_type", f.KeyType)
	}
	if f.Status != "" {
		add("status", f.Status)
	}

	var total int64
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM key_record`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("key list count: %w", err)
	}

	q := `SELECT ` + keyCols + ` FROM key_record` + where + ` ORDER BY created_at DESC`
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
		return nil, 0, fmt.Errorf("key list: %w", err)
	}
	defer rows.Close()

	var recs []*KeyRecord
	for rows.Next() {
		rec, err := scanKey(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("key list scan: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, total, rows.Err()
}

func (r *repoPG) UpdateStatus(ctx context.Context, keyID string, status Status, successorID, reason string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE key_record
		SET status = $2,
		    successor_id = COALESCE(NULLIF($3, ''), successor_id),
		    revocation_reason = COALESCE(NULLIF($4, ''), revocation_reason)
		WHERE key_id = $1`,
		keyID, status, successorID, reason,
	)
	if err != nil {
		return fmt.Errorf("key update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) CreateSuccessor(ctx context.Context, oldID string, succ *KeyRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("key rotate begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE key_record SET status = $2, successor_id = $3
		WHERE key_id = $1 AND status = $4`,
		oldID, StatusDeprecated, succ.KeyID, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("key rotate deprecate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO key_record (
			key_id, key_type, owner_ref, key_size, public_fingerprint, status,
			policy_name, max_lifetime_days, usage_limit, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		succ.KeyID, succ.KeyType, succ.OwnerRef, succ.KeySize, succ.PublicFingerprint, succ.Status,
		succ.Policy.Name, succ.Policy.MaxLifetimeDays, succ.Policy.UsageLimit, succ.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("key rotate insert: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *repoPG) IncrementUsage(ctx context.Context, keyID string) (int64, error) {
	var count int64
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE key_record SET usage_count = usage_count + 1
		WHERE key_id = $1
		RETURNING usage_count`, keyID,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("key increment usage: %w", err)
	}
	return count, nil
}

func (r *repoPG) ActiveKey(ctx context.Context, ownerRef string, keyType KeyType) (*KeyRecord, error) {
	rec, err := scanKey(r.conn(ctx).QueryRow(ctx,
		`SELECT `+keyCols+` FROM key_record
		 WHERE owner_ref = $1 AND key_type = $2 AND status = $3`,
		ownerRef, keyType, StatusActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("key active lookup: %w", err)
	}
	return rec, nil
}

func scanKey(row pgx.Row) (*KeyRecord, error) {
	var rec KeyRecord
	err := row.Scan(
		&rec.KeyID, &rec.KeyType, &rec.OwnerRef, &rec.KeySize, &rec.PublicFingerprint, &rec.Status,
		&rec.Policy.Name, &rec.Policy.MaxLifetimeDays, &rec.Policy.UsageLimit,
		&rec.SuccessorID, &rec.RevocationReason, &rec.CreatedAt, &rec.UsageCount,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
