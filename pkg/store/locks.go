package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
)

// AdvisoryLockKey maps (tenant, environment) onto the bigint keyspace of
// Postgres advisory locks. The separator keeps ("ab","c") and ("a","bc")
// from colliding.
func AdvisoryLockKey(tenant, environment string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tenant))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(environment))
	return int64(h.Sum64())
}

// AcquireTxLock takes a transaction-scoped advisory lock. The lock is
// released automatically on commit or rollback; failure here is a driver or
// configuration defect and must abort the transaction, never be downgraded
// to a retryable outcome.
func AcquireTxLock(ctx context.Context, tx pgx.Tx, key int64) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return fmt.Errorf("advisory lock %d: %w", key, err)
	}
	return nil
}
