package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"seedcore/pkg/admission"
	"seedcore/pkg/governor"
	"seedcore/pkg/manifest"
	"seedcore/pkg/models"
	"seedcore/pkg/retryplan"
	"seedcore/pkg/runfsm"
	"seedcore/pkg/store"
	"seedcore/pkg/telemetry"
)

// DB is the subset of pgx the orchestrator needs outside a transaction;
// satisfied by *pgxpool.Pool and test fakes.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store adds transaction support; *pgxpool.Pool satisfies it.
type Store interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Orchestrator owns profile, run and batch creation. All writes for one run
// request happen in a single transaction serialized per (tenant,
// environment) by a transaction-scoped advisory lock.
type Orchestrator struct {
	db      Store
	gov     *governor.Governor
	queue   *admission.Queue
	planner *retryplan.Planner
	now     func() time.Time
}

func New(db Store, gov *governor.Governor, queue *admission.Queue, planner *retryplan.Planner) *Orchestrator {
	return &Orchestrator{
		db:      db,
		gov:     gov,
		queue:   queue,
		planner: planner,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a deterministic clock for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
	}
	return o
}

// CreateRunRequest carries everything create_seed_run needs. LeaseID, when
// set, is the admission lease to claim inside the run-creation transaction
// so a lease never outlives its run unbound.
type CreateRunRequest struct {
	Tenant         string
	Environment    string
	Manifest       *manifest.Manifest
	ManifestPath   string
	IdempotencyKey string
	DryRun         bool
	LeaseID        string
	AllowLocalPath bool
}

// CreateResult is the outcome of create_seed_run. Created is false when the
// (tenant, profile, idempotency key) uniqueness constraint matched an
// existing run, which is then returned as-is.
type CreateResult struct {
	Run     models.SeedRun     `json:"run"`
	Batches []models.SeedBatch `json:"batches"`
	Created bool               `json:"created"`
}

type rateLimitUsage struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
	Remaining     int `json:"remaining"`
}

// CreateSeedRun runs every orchestrator gate, then creates profile, budget
// snapshot, run and batches in one transaction. Each step is idempotent:
// re-running the same request lands on the existing rows.
func (o *Orchestrator) CreateSeedRun(ctx context.Context, req CreateRunRequest) (CreateResult, *models.Problem, error) {
	m := req.Manifest
	now := o.now()

	if p := CheckOffPeak(m, now); p != nil {
		return CreateResult{}, p, nil
	}
	if p := CheckEnvironment(o.gov, req.Environment, m.Mode); p != nil {
		return CreateResult{}, p, nil
	}
	if p := CheckWormEvidence(o.gov, m); p != nil {
		return CreateResult{}, p, nil
	}
	if p := CheckCostModelAlignment(o.gov, m); p != nil {
		return CreateResult{}, p, nil
	}
	if p := CheckManifestPath(req.ManifestPath, req.Environment, req.AllowLocalPath); p != nil {
		return CreateResult{}, p, nil
	}
	derivation := o.gov.Derive(m)
	if p := CheckCostCap(derivation); p != nil {
		return CreateResult{}, p, nil
	}

	tx, err := o.db.Begin(ctx)
	if err != nil {
		return CreateResult{}, nil, fmt.Errorf("begin run transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := store.AcquireTxLock(ctx, tx, store.AdvisoryLockKey(req.Tenant, req.Environment)); err != nil {
		return CreateResult{}, nil, err
	}
	if err := o.gcStaleRuns(ctx, tx, req, now); err != nil {
		return CreateResult{}, nil, err
	}
	if p, err := o.probeReferenceDrift(ctx, tx, req, m.ReferenceDatetime); p != nil || err != nil {
		return CreateResult{}, p, err
	}

	profileID, err := o.upsertProfile(ctx, tx, req, now)
	if err != nil {
		return CreateResult{}, nil, err
	}
	if _, err := o.gov.EnsureBudgetForProfile(ctx, tx, req.Tenant, profileID, derivation); err != nil {
		return CreateResult{}, nil, err
	}

	run, created, err := o.insertRun(ctx, tx, req, profileID, derivation, now)
	if err != nil {
		return CreateResult{}, nil, err
	}

	var batches []models.SeedBatch
	if created {
		batches, err = o.insertBatches(ctx, tx, req.Tenant, run.RunID, m, now)
		if err != nil {
			return CreateResult{}, nil, err
		}
		if req.LeaseID != "" {
			if err := o.queue.ClaimTx(ctx, tx, req.LeaseID, run.RunID, m.Mode); err != nil {
				return CreateResult{}, nil, fmt.Errorf("claim lease %s: %w", req.LeaseID, err)
			}
		}
	} else {
		batches, err = listBatchesTx(ctx, tx, req.Tenant, run.RunID)
		if err != nil {
			return CreateResult{}, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, nil, fmt.Errorf("commit run transaction: %w", err)
	}
	return CreateResult{Run: run, Batches: batches, Created: created}, nil, nil
}

const gcStaleRunsSQL = `
DELETE FROM seed_runs
 WHERE tenant = $1 AND environment = $2 AND mode = $3
   AND finished_at IS NOT NULL AND finished_at <= $4`

// gcStaleRuns sweeps finished datasets of the same (environment, mode) past
// their declared TTL. Batches and checkpoints go with them via cascade.
func (o *Orchestrator) gcStaleRuns(ctx context.Context, tx pgx.Tx, req CreateRunRequest, now time.Time) error {
	ttlDays := req.Manifest.TTLDaysFor(req.Manifest.Mode)
	if ttlDays <= 0 {
		return nil
	}
	cutoff := now.AddDate(0, 0, -ttlDays)
	if _, err := tx.Exec(ctx, gcStaleRunsSQL, req.Tenant, req.Environment, req.Manifest.Mode, cutoff); err != nil {
		return fmt.Errorf("gc stale runs: %w", err)
	}
	return nil
}

const driftProbeSQL = `
SELECT p.reference_datetime
  FROM seed_checkpoints ck
  JOIN seed_runs r ON r.run_id = ck.run_id
  JOIN seed_profiles p ON p.profile_id = r.profile_id
 WHERE r.tenant = $1 AND r.environment = $2 AND r.mode = $3
   AND p.reference_datetime <> $4
 LIMIT 1`

// probeReferenceDrift rejects a run when existing checkpoints for the same
// (environment, mode) were produced against a different reference datetime.
// Mixing generations would silently interleave datasets.
func (o *Orchestrator) probeReferenceDrift(ctx context.Context, tx pgx.Tx, req CreateRunRequest, ref time.Time) (*models.Problem, error) {
	var existing time.Time
	err := tx.QueryRow(ctx, driftProbeSQL, req.Tenant, req.Environment, req.Manifest.Mode, ref.UTC()).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reference drift probe: %w", err)
	}
	return models.NewProblem(http.StatusUnprocessableEntity, models.ProblemValidation,
		ReasonReferenceDrift,
		fmt.Sprintf("existing checkpoints reference %s, manifest declares %s",
			existing.UTC().Format(time.RFC3339), ref.UTC().Format(time.RFC3339))), nil
}

const upsertProfileSQL = `
INSERT INTO seed_profiles (
    profile_id, tenant, name, version, environment, mode,
    reference_datetime, volumetry, rate_limit_limit, rate_limit_window_seconds,
    backoff, budget, off_peak, slo, canary_scope, ttl_days,
    created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
ON CONFLICT (tenant, name, version) DO UPDATE SET
    environment = EXCLUDED.environment,
    mode = EXCLUDED.mode,
    reference_datetime = EXCLUDED.reference_datetime,
    volumetry = EXCLUDED.volumetry,
    rate_limit_limit = EXCLUDED.rate_limit_limit,
    rate_limit_window_seconds = EXCLUDED.rate_limit_window_seconds,
    backoff = EXCLUDED.backoff,
    budget = EXCLUDED.budget,
    off_peak = EXCLUDED.off_peak,
    slo = EXCLUDED.slo,
    canary_scope = EXCLUDED.canary_scope,
    ttl_days = EXCLUDED.ttl_days,
    updated_at = EXCLUDED.updated_at
RETURNING profile_id`

func (o *Orchestrator) upsertProfile(ctx context.Context, tx pgx.Tx, req CreateRunRequest, now time.Time) (string, error) {
	m := req.Manifest
	limit, windowS := m.EffectiveRateLimit()

	volumetry := map[string]int{}
	for entity, entry := range m.Volumetry {
		volumetry[entity] = entry.Cap
	}
	volumetryJSON, _ := json.Marshal(volumetry)
	backoffJSON, _ := json.Marshal(m.Backoff)
	budgetJSON, _ := json.Marshal(m.Budget)
	sloJSON, _ := json.Marshal(m.SLO)
	var offpeakJSON []byte
	if m.Window != nil {
		offpeakJSON, _ = json.Marshal(m.Window)
	}
	var ttlJSON []byte
	if len(m.TTL) > 0 {
		ttlJSON, _ = json.Marshal(m.TTL)
	}

	var profileID string
	err := tx.QueryRow(ctx, upsertProfileSQL,
		uuid.NewString(), req.Tenant, m.Metadata.Profile, manifest.NormalizeVersion(m.Metadata.Version),
		req.Environment, m.Mode, m.ReferenceDatetime.UTC(),
		volumetryJSON, limit, windowS,
		backoffJSON, budgetJSON, offpeakJSON, sloJSON, []byte(m.Canary), ttlJSON,
		now,
	).Scan(&profileID)
	if err != nil {
		return "", fmt.Errorf("upsert profile %s/%s: %w", m.Metadata.Profile, m.Metadata.Version, err)
	}
	return profileID, nil
}

const insertRunSQL = `
INSERT INTO seed_runs (
    run_id, tenant, profile_id, environment, mode, status,
    idempotency_key, manifest_path, manifest_hash, trace_id, span_id,
    dry_run, rate_limit_usage, error_budget_used_pct, started_at,
    created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,0,$14,$14,$14)
ON CONFLICT (tenant, profile_id, idempotency_key) DO NOTHING`

const selectRunByKeySQL = `
SELECT run_id, status, manifest_path, manifest_hash, trace_id, span_id,
       dry_run, rate_limit_usage, error_budget_used_pct, reason,
       started_at, finished_at, created_at, updated_at
  FROM seed_runs
 WHERE tenant = $1 AND profile_id = $2 AND idempotency_key = $3`

func (o *Orchestrator) insertRun(ctx context.Context, tx pgx.Tx, req CreateRunRequest, profileID string, d governor.Derivation, now time.Time) (models.SeedRun, bool, error) {
	m := req.Manifest
	traceID, spanID := telemetry.TraceContext(ctx)
	usage, _ := json.Marshal(rateLimitUsage{
		Limit:         d.RateLimitLimit,
		WindowSeconds: d.RateLimitWindowS,
		Remaining:     d.RateLimitLimit,
	})

	run := models.SeedRun{
		RunID:          uuid.NewString(),
		Tenant:         req.Tenant,
		ProfileID:      profileID,
		Environment:    req.Environment,
		Mode:           m.Mode,
		Status:         runfsm.RunQueued,
		IdempotencyKey: req.IdempotencyKey,
		ManifestPath:   req.ManifestPath,
		ManifestHash:   m.Hash,
		TraceID:        traceID,
		SpanID:         spanID,
		DryRun:         req.DryRun,
		RateLimitUsage: usage,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tag, err := tx.Exec(ctx, insertRunSQL,
		run.RunID, run.Tenant, run.ProfileID, run.Environment, run.Mode, run.Status,
		run.IdempotencyKey, run.ManifestPath, run.ManifestHash, run.TraceID, run.SpanID,
		run.DryRun, run.RateLimitUsage, now,
	)
	if err != nil {
		return models.SeedRun{}, false, fmt.Errorf("insert run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return run, true, nil
	}

	// The uniqueness constraint matched: hand back the run the first
	// writer created.
	existing := models.SeedRun{Tenant: req.Tenant, ProfileID: profileID, Environment: req.Environment, Mode: m.Mode, IdempotencyKey: req.IdempotencyKey}
	err = tx.QueryRow(ctx, selectRunByKeySQL, req.Tenant, profileID, req.IdempotencyKey).Scan(
		&existing.RunID, &existing.Status, &existing.ManifestPath, &existing.ManifestHash,
		&existing.TraceID, &existing.SpanID, &existing.DryRun, &existing.RateLimitUsage,
		&existing.ErrorBudgetUsedPct, &existing.Reason,
		&existing.StartedAt, &existing.FinishedAt, &existing.CreatedAt, &existing.UpdatedAt,
	)
	if err != nil {
		return models.SeedRun{}, false, fmt.Errorf("select existing run: %w", err)
	}
	return existing, false, nil
}

const insertBatchSQL = `
INSERT INTO seed_batches (
    batch_id, run_id, tenant, entity, batch_size, status,
    attempt, dlq_attempts, caps_snapshot, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,0,0,$7,$8,$8)`

func (o *Orchestrator) insertBatches(ctx context.Context, tx pgx.Tx, tenant, runID string, m *manifest.Manifest, now time.Time) ([]models.SeedBatch, error) {
	caps := m.VolumetryCaps()
	snapshot, _ := json.Marshal(caps)
	batches := make([]models.SeedBatch, 0, len(caps))
	for _, ec := range caps {
		batch := models.SeedBatch{
			BatchID:      uuid.NewString(),
			RunID:        runID,
			Tenant:       tenant,
			Entity:       ec.Entity,
			BatchSize:    ec.Cap,
			Status:       runfsm.BatchPending,
			CapsSnapshot: snapshot,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if _, err := tx.Exec(ctx, insertBatchSQL,
			batch.BatchID, batch.RunID, batch.Tenant, batch.Entity, batch.BatchSize,
			batch.Status, batch.CapsSnapshot, now,
		); err != nil {
			return nil, fmt.Errorf("insert batch %s: %w", ec.Entity, err)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

const cancelRunSQL = `
UPDATE seed_runs
   SET status = $2, reason = $3, finished_at = $4, updated_at = $4
 WHERE tenant = $1 AND run_id = $5
   AND status NOT IN ('SUCCEEDED','FAILED','ABORTED','BLOCKED')`

// CancelRun transitions a non-terminal run to ABORTED, stamps finished_at
// and releases any admission leases held for it. Canceling an already
// terminal run is a no-op, not an error.
func (o *Orchestrator) CancelRun(ctx context.Context, tenant, runID, requestedBy string) (models.SeedRun, *models.Problem, error) {
	run, problem, err := o.GetRun(ctx, tenant, runID)
	if problem != nil || err != nil {
		return models.SeedRun{}, problem, err
	}
	if runfsm.IsTerminalRun(run.Status) {
		return run, nil, nil
	}

	now := o.now()
	reason, _ := json.Marshal(map[string]string{
		"gate":         "cancel",
		"requested_by": requestedBy,
		"canceled_at":  now.Format(time.RFC3339),
	})
	tag, err := o.db.Exec(ctx, cancelRunSQL, tenant, runfsm.RunAborted, reason, now, runID)
	if err != nil {
		return models.SeedRun{}, nil, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 1 {
		run.Status = runfsm.RunAborted
		run.Reason = reason
		run.FinishedAt = &now
		run.UpdatedAt = now
	}
	if _, err := o.queue.ReleaseForRun(ctx, o.db, runID); err != nil {
		return models.SeedRun{}, nil, fmt.Errorf("release leases for %s: %w", runID, err)
	}
	return run, nil, nil
}
