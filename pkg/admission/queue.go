package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"seedcore/pkg/models"
	"seedcore/pkg/runfsm"
	"seedcore/pkg/store"
)

// Default leasing parameters. Load modes hold slots longer because their
// runs are expected to take longer; the TTL still bounds the lifetime of a
// slot abandoned by a crashed client.
const (
	DefaultMaxActive = 2
	DefaultTTL       = 5 * time.Minute
	LoadTTL          = 10 * time.Minute
)

// ErrLeaseNotActive is returned when a renew/claim targets a lease that is
// missing, already expired, or already terminal.
var ErrLeaseNotActive = errors.New("lease not active")

// DB is the subset of pgx the queue needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxDB additionally opens transactions; Enqueue needs one so its
// read-then-insert runs under the environment's advisory lock.
type TxDB interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Queue is the global admission control for seeding runs. Slots are
// environment-scoped TTL leases in the database; expiry is lazy, performed
// on every enqueue, so no background sweeper is needed for correctness.
type Queue struct {
	MaxActive  int
	DefaultTTL time.Duration
	LoadTTL    time.Duration
	now        func() time.Time
}

func NewQueue() *Queue {
	return &Queue{
		MaxActive:  DefaultMaxActive,
		DefaultTTL: DefaultTTL,
		LoadTTL:    LoadTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a deterministic clock for tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	if now != nil {
		q.now = now
	}
	return q
}

// TTLFor returns the lease TTL for a mode.
func (q *Queue) TTLFor(mode string) time.Duration {
	if models.IsLoadMode(mode) {
		return q.LoadTTL
	}
	return q.DefaultTTL
}

// Enqueue tries to reserve an admission slot for (tenant, environment).
// Order of checks: lazily expire stale leases, then reject at capacity, then
// reject while an unclaimed pending lease exists. Capacity wins over busy so
// that a full queue reports the condition that actually bounds it.
// The returned problem is nil when a slot was granted.
//
// The whole sequence runs in one transaction holding the environment's
// advisory lock, so two concurrent enqueues cannot both read a free slot and
// both insert past max_active.
func (q *Queue) Enqueue(ctx context.Context, db TxDB, tenant, environment, mode string) (models.QueueLease, *models.Problem, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return models.QueueLease{}, nil, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Empty tenant half: the slot pool is environment-wide, not per tenant.
	if err := store.AcquireTxLock(ctx, tx, store.AdvisoryLockKey("", environment)); err != nil {
		return models.QueueLease{}, nil, err
	}
	lease, problem, err := q.enqueueLocked(ctx, tx, tenant, environment, mode)
	if err != nil {
		return models.QueueLease{}, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.QueueLease{}, nil, fmt.Errorf("commit enqueue tx: %w", err)
	}
	return lease, problem, nil
}

func (q *Queue) enqueueLocked(ctx context.Context, db DB, tenant, environment, mode string) (models.QueueLease, *models.Problem, error) {
	now := q.now()

	_, err := db.Exec(ctx, `
		UPDATE queue_leases SET status = $1
		WHERE environment = $2 AND status IN ($3, $4) AND expires_at <= $5`,
		runfsm.LeaseExpired, environment, runfsm.LeasePending, runfsm.LeaseStarted, now)
	if err != nil {
		return models.QueueLease{}, nil, fmt.Errorf("expire stale leases: %w", err)
	}

	var active int
	var earliest time.Time
	err = db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MIN(expires_at), $1)
		FROM queue_leases
		WHERE environment = $2 AND status IN ($3, $4)`,
		now, environment, runfsm.LeasePending, runfsm.LeaseStarted).Scan(&active, &earliest)
	if err != nil {
		return models.QueueLease{}, nil, fmt.Errorf("count active leases: %w", err)
	}
	if active >= q.MaxActive {
		return models.QueueLease{}, models.NewRetryableProblem(
			http.StatusConflict, models.ProblemCapacity,
			"global_capacity_reached",
			fmt.Sprintf("environment %s has %d active seed leases", environment, active),
			secondsUntil(now, earliest)), nil
	}

	var pendingUntil time.Time
	err = db.QueryRow(ctx, `
		SELECT expires_at FROM queue_leases
		WHERE environment = $1 AND status = $2
		ORDER BY expires_at ASC LIMIT 1`,
		environment, runfsm.LeasePending).Scan(&pendingUntil)
	switch {
	case err == nil:
		return models.QueueLease{}, models.NewRetryableProblem(
			http.StatusTooManyRequests, models.ProblemBusy,
			"queue_busy",
			fmt.Sprintf("environment %s has an unclaimed pending lease", environment),
			secondsUntil(now, pendingUntil)), nil
	case errors.Is(err, pgx.ErrNoRows):
		// no pending lease, slot available
	default:
		return models.QueueLease{}, nil, fmt.Errorf("probe pending lease: %w", err)
	}

	lease := models.QueueLease{
		LeaseID:     uuid.NewString(),
		Tenant:      tenant,
		Environment: environment,
		Status:      runfsm.LeasePending,
		EnqueuedAt:  now,
		ExpiresAt:   now.Add(q.TTLFor(mode)),
	}
	_, err = db.Exec(ctx, `
		INSERT INTO queue_leases (lease_id, tenant, environment, status, enqueued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		lease.LeaseID, lease.Tenant, lease.Environment, lease.Status, lease.EnqueuedAt, lease.ExpiresAt)
	if err != nil {
		return models.QueueLease{}, nil, fmt.Errorf("insert lease: %w", err)
	}
	return lease, nil, nil
}

// Renew is the worker-pickup transition: pending becomes started and the
// expiry extends by the mode's TTL. Renewing an already-started lease only
// extends it, so a worker may renew repeatedly while it holds the slot.
func (q *Queue) Renew(ctx context.Context, db DB, leaseID, mode string) (models.QueueLease, error) {
	now := q.now()
	lease := models.QueueLease{LeaseID: leaseID, Status: runfsm.LeaseStarted, ExpiresAt: now.Add(q.TTLFor(mode))}
	err := db.QueryRow(ctx, `
		UPDATE queue_leases SET status = $2, expires_at = $3
		WHERE lease_id = $1 AND status IN ($4, $5) AND expires_at > $6
		RETURNING tenant, environment, enqueued_at`,
		leaseID, runfsm.LeaseStarted, lease.ExpiresAt,
		runfsm.LeasePending, runfsm.LeaseStarted, now).
		Scan(&lease.Tenant, &lease.Environment, &lease.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueLease{}, ErrLeaseNotActive
	}
	if err != nil {
		return models.QueueLease{}, fmt.Errorf("renew lease %s: %w", leaseID, err)
	}
	return lease, nil
}

// ClaimTx binds a pending lease to a run inside the run-creation
// transaction, so a lease never exists in started state without its run.
func (q *Queue) ClaimTx(ctx context.Context, tx pgx.Tx, leaseID, runID, mode string) error {
	now := q.now()
	tag, err := tx.Exec(ctx, `
		UPDATE queue_leases SET status = $2, seed_run_id = $3, expires_at = $4
		WHERE lease_id = $1 AND status = $5 AND expires_at > $6`,
		leaseID, runfsm.LeaseStarted, runID, now.Add(q.TTLFor(mode)),
		runfsm.LeasePending, now)
	if err != nil {
		return fmt.Errorf("claim lease %s: %w", leaseID, err)
	}
	if tag.RowsAffected() != 1 {
		return ErrLeaseNotActive
	}
	return nil
}

// Release frees a single lease that was granted but never consumed by a
// run, so a rejected or replayed request does not hold the environment's
// slot for the rest of the TTL. Releasing a missing or terminal lease is a
// no-op.
func (q *Queue) Release(ctx context.Context, db DB, leaseID string) error {
	_, err := db.Exec(ctx, `
		UPDATE queue_leases SET status = $2
		WHERE lease_id = $1 AND status IN ($3, $4)`,
		leaseID, runfsm.LeaseExpired, runfsm.LeasePending, runfsm.LeaseStarted)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", leaseID, err)
	}
	return nil
}

// ReleaseForRun frees every lease held by a run. Used by the cancel path;
// releasing a run with no live leases is a no-op.
func (q *Queue) ReleaseForRun(ctx context.Context, db DB, runID string) (int, error) {
	tag, err := db.Exec(ctx, `
		UPDATE queue_leases SET status = $2
		WHERE seed_run_id = $1 AND status IN ($3, $4)`,
		runID, runfsm.LeaseExpired, runfsm.LeasePending, runfsm.LeaseStarted)
	if err != nil {
		return 0, fmt.Errorf("release leases for run %s: %w", runID, err)
	}
	return int(tag.RowsAffected()), nil
}

func secondsUntil(now, t time.Time) int {
	s := int(math.Ceil(t.Sub(now).Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
