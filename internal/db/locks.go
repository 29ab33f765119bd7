package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

type TryAcquireSyncLockLeaseParams struct {
	ScopeKind        string
	ScopeName        string
	HolderInstanceID string
	HolderToken      pgtype.UUID
	LeaseSeconds     int64
}

const tryAcquireSyncLockLease = `
INSERT INTO sync_locks (scope_kind, scope_name, holder_instance_id, holder_token, lease_expires_at)
VALUES ($1, $2, $3, $4, now() + make_interval(secs => $5))
ON CONFLICT (scope_kind, scope_name) DO UPDATE SET
	holder_instance_id = EXCLUDED.holder_instance_id,
	holder_token = EXCLUDED.holder_token,
	lease_expires_at = EXCLUDED.lease_expires_at,
	acquired_at = now()
WHERE sync_locks.lease_expires_at < now()
RETURNING holder_token`

// TryAcquireSyncLockLease takes the lease when free or expired. It returns
// pgx.ErrNoRows when another holder's lease is live.
func (q *Queries) TryAcquireSyncLockLease(ctx context.Context, arg TryAcquireSyncLockLeaseParams) (pgtype.UUID, error) {
	var token pgtype.UUID
	err := q.db.QueryRow(ctx, tryAcquireSyncLockLease,
		arg.ScopeKind, arg.ScopeName, arg.HolderInstanceID, arg.HolderToken, float64(arg.LeaseSeconds),
	).Scan(&token)
	return token, err
}

type RenewSyncLockLeaseParams struct {
	LeaseSeconds int64
	ScopeKind    string
	ScopeName    string
	HolderToken  pgtype.UUID
}

const renewSyncLockLease = `
UPDATE sync_locks SET lease_expires_at = now() + make_interval(secs => $1)
WHERE scope_kind = $2 AND scope_name = $3 AND holder_token = $4
RETURNING holder_token`

// RenewSyncLockLease extends a held lease; pgx.ErrNoRows means it was lost.
func (q *Queries) RenewSyncLockLease(ctx context.Context, arg RenewSyncLockLeaseParams) (pgtype.UUID, error) {
	var token pgtype.UUID
	err := q.db.QueryRow(ctx, renewSyncLockLease, float64(arg.LeaseSeconds), arg.ScopeKind, arg.ScopeName, arg.HolderToken).Scan(&token)
	return token, err
}

type ReleaseSyncLockLeaseParams struct {
	ScopeKind   string
	ScopeName   string
	HolderToken pgtype.UUID
}

func (q *Queries) ReleaseSyncLockLease(ctx context.Context, arg ReleaseSyncLockLeaseParams) error {
	_, err := q.db.Exec(ctx, `DELETE FROM sync_locks WHERE scope_kind = $1 AND scope_name = $2 AND holder_token = $3`,
		arg.ScopeKind, arg.ScopeName, arg.HolderToken)
	return err
}

func (q *Queries) TryAcquireAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok)
	return ok, err
}

func (q *Queries) AcquireAdvisoryLock(ctx context.Context, key int64) error {
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_lock($1)`, key)
	return err
}

func (q *Queries) ReleaseAdvisoryLock(ctx context.Context, key int64) error {
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
	return err
}
