package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"seedcore/pkg/models"
	"seedcore/pkg/retryplan"
	"seedcore/pkg/runfsm"
)

const runColumns = `run_id, tenant, profile_id, environment, mode, status,
       idempotency_key, manifest_path, manifest_hash, trace_id, span_id,
       dry_run, rate_limit_usage, error_budget_used_pct, reason,
       started_at, finished_at, created_at, updated_at`

const selectRunSQL = `
SELECT ` + runColumns + `
  FROM seed_runs
 WHERE tenant = $1 AND run_id = $2`

func scanRun(row pgx.Row) (models.SeedRun, error) {
	var run models.SeedRun
	err := row.Scan(
		&run.RunID, &run.Tenant, &run.ProfileID, &run.Environment, &run.Mode, &run.Status,
		&run.IdempotencyKey, &run.ManifestPath, &run.ManifestHash, &run.TraceID, &run.SpanID,
		&run.DryRun, &run.RateLimitUsage, &run.ErrorBudgetUsedPct, &run.Reason,
		&run.StartedAt, &run.FinishedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	return run, err
}

// GetRun loads one run. A missing run is a problem, not an error.
func (o *Orchestrator) GetRun(ctx context.Context, tenant, runID string) (models.SeedRun, *models.Problem, error) {
	run, err := scanRun(o.db.QueryRow(ctx, selectRunSQL, tenant, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SeedRun{}, models.NewProblem(http.StatusNotFound, models.ProblemValidation,
			"run_not_found", fmt.Sprintf("no run %s for tenant", runID)), nil
	}
	if err != nil {
		return models.SeedRun{}, nil, fmt.Errorf("select run %s: %w", runID, err)
	}
	return run, nil, nil
}

const listRunsSQL = `
SELECT ` + runColumns + `
  FROM seed_runs
 WHERE tenant = $1 AND ($2 = '' OR status = $2)
 ORDER BY created_at DESC
 LIMIT 100`

// ListRuns returns the tenant's most recent runs, optionally filtered by
// status.
func (o *Orchestrator) ListRuns(ctx context.Context, tenant, status string) ([]models.SeedRun, error) {
	rows, err := o.db.Query(ctx, listRunsSQL, tenant, status)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	runs := make([]models.SeedRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const listBatchesSQL = `
SELECT batch_id, run_id, tenant, entity, batch_size, status,
       attempt, dlq_attempts, last_retry_at, next_retry_at, caps_snapshot,
       created_at, updated_at
  FROM seed_batches
 WHERE tenant = $1 AND run_id = $2
 ORDER BY created_at, batch_id`

func listBatchesTx(ctx context.Context, tx pgx.Tx, tenant, runID string) ([]models.SeedBatch, error) {
	rows, err := tx.Query(ctx, listBatchesSQL, tenant, runID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

// ListBatches returns the batches of one run in creation order.
func (o *Orchestrator) ListBatches(ctx context.Context, tenant, runID string) ([]models.SeedBatch, error) {
	rows, err := o.db.Query(ctx, listBatchesSQL, tenant, runID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

func collectBatches(rows pgx.Rows) ([]models.SeedBatch, error) {
	batches := make([]models.SeedBatch, 0)
	for rows.Next() {
		var b models.SeedBatch
		if err := rows.Scan(
			&b.BatchID, &b.RunID, &b.Tenant, &b.Entity, &b.BatchSize, &b.Status,
			&b.Attempt, &b.DLQAttempts, &b.LastRetryAt, &b.NextRetryAt, &b.CapsSnapshot,
			&b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

const selectBatchForRetrySQL = `
SELECT b.batch_id, b.run_id, b.tenant, b.entity, b.batch_size, b.status,
       b.attempt, b.dlq_attempts, b.last_retry_at, b.next_retry_at, b.caps_snapshot,
       b.created_at, b.updated_at, r.mode, p.backoff
  FROM seed_batches b
  JOIN seed_runs r ON r.run_id = b.run_id
  JOIN seed_profiles p ON p.profile_id = r.profile_id
 WHERE b.tenant = $1 AND b.batch_id = $2`

const latestCheckpointSQL = `
SELECT checkpoint_id, batch_id, run_id, tenant, content_hash, resume_token,
       completion_pct, created_at
  FROM seed_checkpoints
 WHERE tenant = $1 AND batch_id = $2
 ORDER BY created_at DESC
 LIMIT 1`

const persistRetrySQL = `
UPDATE seed_batches
   SET status = $3, attempt = $4, dlq_attempts = $5,
       next_retry_at = $6, last_retry_at = $7, updated_at = $8
 WHERE tenant = $1 AND batch_id = $2`

// RetryBatch applies the retry planner to a failed batch and persists the
// resulting plan fields. The caller publishes the returned plan's queue
// routing.
func (o *Orchestrator) RetryBatch(ctx context.Context, tenant, batchID string, statusCode int) (retryplan.Plan, *models.Problem, error) {
	var (
		batch       models.SeedBatch
		mode        string
		backoffJSON []byte
	)
	err := o.db.QueryRow(ctx, selectBatchForRetrySQL, tenant, batchID).Scan(
		&batch.BatchID, &batch.RunID, &batch.Tenant, &batch.Entity, &batch.BatchSize, &batch.Status,
		&batch.Attempt, &batch.DLQAttempts, &batch.LastRetryAt, &batch.NextRetryAt, &batch.CapsSnapshot,
		&batch.CreatedAt, &batch.UpdatedAt, &mode, &backoffJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return retryplan.Plan{}, models.NewProblem(http.StatusNotFound, models.ProblemValidation,
			"batch_not_found", fmt.Sprintf("no batch %s for tenant", batchID)), nil
	}
	if err != nil {
		return retryplan.Plan{}, nil, fmt.Errorf("select batch %s: %w", batchID, err)
	}
	if batch.Status == runfsm.BatchDLQ || batch.Status == runfsm.BatchCompleted {
		return retryplan.Plan{}, models.NewProblem(http.StatusConflict, models.ProblemConflict,
			"batch_not_retryable", fmt.Sprintf("batch %s is %s", batchID, batch.Status)), nil
	}

	var policy models.BackoffPolicy
	if len(backoffJSON) > 0 {
		if err := json.Unmarshal(backoffJSON, &policy); err != nil {
			return retryplan.Plan{}, nil, fmt.Errorf("decode backoff policy: %w", err)
		}
	}

	var checkpoint *models.SeedCheckpoint
	var ck models.SeedCheckpoint
	err = o.db.QueryRow(ctx, latestCheckpointSQL, tenant, batchID).Scan(
		&ck.CheckpointID, &ck.BatchID, &ck.RunID, &ck.Tenant, &ck.ContentHash,
		&ck.ResumeToken, &ck.CompletionPct, &ck.CreatedAt,
	)
	switch {
	case err == nil:
		checkpoint = &ck
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return retryplan.Plan{}, nil, fmt.Errorf("select checkpoint: %w", err)
	}

	plan := o.planner.PlanRetry(batch, checkpoint, policy, mode, statusCode, o.now())
	if _, err := o.db.Exec(ctx, persistRetrySQL,
		tenant, batchID, plan.Batch.Status, plan.Batch.Attempt, plan.Batch.DLQAttempts,
		plan.Batch.NextRetryAt, plan.Batch.LastRetryAt, o.now(),
	); err != nil {
		return retryplan.Plan{}, nil, fmt.Errorf("persist retry plan: %w", err)
	}
	return plan, nil, nil
}

// RunSLOContext is what the observability gate needs about one run.
type RunSLOContext struct {
	Run              models.SeedRun
	Targets          models.SLOTargets
	ErrorBudgetPct   float64
	LastCheckpointAt *time.Time
}

const selectRunSLOSQL = `
SELECT p.slo, p.budget,
       (SELECT MAX(ck.created_at) FROM seed_checkpoints ck WHERE ck.run_id = r.run_id)
  FROM seed_runs r
  JOIN seed_profiles p ON p.profile_id = r.profile_id
 WHERE r.tenant = $1 AND r.run_id = $2`

// LoadRunSLO loads a run together with its profile's SLO targets and error
// budget, plus the latest checkpoint time for RPO math.
func (o *Orchestrator) LoadRunSLO(ctx context.Context, tenant, runID string) (RunSLOContext, *models.Problem, error) {
	run, problem, err := o.GetRun(ctx, tenant, runID)
	if problem != nil || err != nil {
		return RunSLOContext{}, problem, err
	}
	var (
		sloJSON    []byte
		budgetJSON []byte
		lastCk     *time.Time
	)
	if err := o.db.QueryRow(ctx, selectRunSLOSQL, tenant, runID).Scan(&sloJSON, &budgetJSON, &lastCk); err != nil {
		return RunSLOContext{}, nil, fmt.Errorf("select run slo context: %w", err)
	}
	out := RunSLOContext{Run: run, LastCheckpointAt: lastCk}
	if len(sloJSON) > 0 {
		if err := json.Unmarshal(sloJSON, &out.Targets); err != nil {
			return RunSLOContext{}, nil, fmt.Errorf("decode slo targets: %w", err)
		}
	}
	if len(budgetJSON) > 0 {
		var budget models.BudgetSpec
		if err := json.Unmarshal(budgetJSON, &budget); err != nil {
			return RunSLOContext{}, nil, fmt.Errorf("decode budget spec: %w", err)
		}
		out.ErrorBudgetPct = budget.ErrorBudgetPct
	}
	return out, nil, nil
}

const selectEvidenceSQL = `
SELECT evidence_id, run_id, tenant, storage_url, digest, signature_alg,
       signature_kid, key_version, signature, retention_days,
       integrity_status, created_at
  FROM evidence_records
 WHERE tenant = $1 AND run_id = $2`

// GetEvidence loads the WORM evidence row for a run.
func (o *Orchestrator) GetEvidence(ctx context.Context, tenant, runID string) (models.EvidenceRecord, *models.Problem, error) {
	var rec models.EvidenceRecord
	err := o.db.QueryRow(ctx, selectEvidenceSQL, tenant, runID).Scan(
		&rec.EvidenceID, &rec.RunID, &rec.Tenant, &rec.StorageURL, &rec.Digest,
		&rec.SignatureAlg, &rec.SignatureKid, &rec.KeyVersion, &rec.Signature,
		&rec.RetentionDays, &rec.IntegrityStatus, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EvidenceRecord{}, models.NewProblem(http.StatusNotFound, models.ProblemEvidence,
			"evidence_not_found", fmt.Sprintf("no evidence for run %s", runID)), nil
	}
	if err != nil {
		return models.EvidenceRecord{}, nil, fmt.Errorf("select evidence for %s: %w", runID, err)
	}
	return rec, nil, nil
}
