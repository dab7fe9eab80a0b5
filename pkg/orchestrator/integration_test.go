//go:build integration

package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"seedcore/pkg/admission"
	"seedcore/pkg/manifest"
	"seedcore/pkg/models"
	"seedcore/pkg/retryplan"
	"seedcore/pkg/runfsm"
)

const integrationManifest = `{
  "metadata": {"tenant": "tenant-a", "environment": "staging", "profile": "baseline-smoke", "version": "1.0"},
  "mode": "baseline",
  "reference_datetime": "2026-08-01T12:00:00Z",
  "volumetry": {"customers": {"cap": 100}},
  "rate_limit": {"limit": 5, "window_seconds": 60},
  "backoff": {"base_seconds": 2, "jitter_factor": 0, "max_retries": 3, "max_interval_seconds": 60},
  "budget": {"cost_cap_brl": "10.00", "error_budget_pct": 5, "cost_model_version": "2026.2"},
  "slo": {"p95_target_ms": 300, "p99_target_ms": 800, "throughput_target_rps": 50},
  "integrity": {}
}`

// TestOrchestratorAgainstRealPostgres drives the full run-creation pipeline.
// Run with: go test -tags=integration -timeout 180s ./pkg/orchestrator/...
func TestOrchestratorAgainstRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	ddl, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := pool.Exec(ctx, string(ddl)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	now := time.Date(2026, 8, 1, 12, 5, 0, 0, time.UTC)
	queue := admission.NewQueue().WithClock(func() time.Time { return now })
	planner := retryplan.New().WithRand(func() float64 { return 0.5 })
	orch := New(pool, testGovernor(), queue, planner).
		WithClock(func() time.Time { return now })

	m, err := manifest.Parse(json.RawMessage(integrationManifest))
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}

	lease, problem, err := queue.Enqueue(ctx, pool, "tenant-a", "staging", models.ModeBaseline)
	if err != nil || problem != nil {
		t.Fatalf("enqueue: err=%v problem=%v", err, problem)
	}

	req := CreateRunRequest{
		Tenant:         "tenant-a",
		Environment:    "staging",
		Manifest:       m,
		IdempotencyKey: "key-1",
		LeaseID:        lease.LeaseID,
	}

	// One QUEUED run with one PENDING customers batch sized by the cap.
	result, problem, err := orch.CreateSeedRun(ctx, req)
	if err != nil || problem != nil {
		t.Fatalf("create: err=%v problem=%v", err, problem)
	}
	if !result.Created {
		t.Fatal("expected a fresh run")
	}
	if result.Run.Status != runfsm.RunQueued {
		t.Fatalf("expected QUEUED, got %s", result.Run.Status)
	}
	if len(result.Batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(result.Batches))
	}
	batch := result.Batches[0]
	if batch.Entity != "customers" || batch.BatchSize != 100 || batch.Status != runfsm.BatchPending {
		t.Fatalf("unexpected batch: %+v", batch)
	}

	// The lease was claimed inside the same transaction.
	var leaseStatus, leaseRun string
	if err := pool.QueryRow(ctx,
		`SELECT status, seed_run_id::text FROM queue_leases WHERE lease_id = $1`,
		lease.LeaseID).Scan(&leaseStatus, &leaseRun); err != nil {
		t.Fatalf("select lease: %v", err)
	}
	if leaseStatus != runfsm.LeaseStarted || leaseRun != result.Run.RunID {
		t.Fatalf("expected started lease bound to run, got %s/%s", leaseStatus, leaseRun)
	}

	// Same idempotency key lands on the existing run.
	replay, problem, err := orch.CreateSeedRun(ctx, req)
	if err != nil || problem != nil {
		t.Fatalf("replay: err=%v problem=%v", err, problem)
	}
	if replay.Created {
		t.Fatal("replay must not create a second run")
	}
	if replay.Run.RunID != result.Run.RunID {
		t.Fatalf("expected run %s, got %s", result.Run.RunID, replay.Run.RunID)
	}
	if len(replay.Batches) != 1 {
		t.Fatalf("expected existing batches back, got %d", len(replay.Batches))
	}

	// Retry planning persists the backoff decision.
	if _, err := pool.Exec(ctx,
		`UPDATE seed_batches SET status = $1 WHERE batch_id = $2`,
		runfsm.BatchFailed, batch.BatchID); err != nil {
		t.Fatalf("fail batch: %v", err)
	}
	plan, problem, err := orch.RetryBatch(ctx, "tenant-a", batch.BatchID, 429)
	if err != nil || problem != nil {
		t.Fatalf("retry: err=%v problem=%v", err, problem)
	}
	if plan.Reason != retryplan.ReasonRateLimited {
		t.Fatalf("expected rate_limited, got %s", plan.Reason)
	}
	var persisted int
	if err := pool.QueryRow(ctx,
		`SELECT attempt FROM seed_batches WHERE batch_id = $1 AND status = $2 AND next_retry_at IS NOT NULL`,
		batch.BatchID, runfsm.BatchPending).Scan(&persisted); err != nil {
		t.Fatalf("select retried batch: %v", err)
	}
	if persisted != 1 {
		t.Fatalf("expected attempt=1 persisted, got %d", persisted)
	}

	// A checkpoint from this generation blocks manifests with a drifted
	// reference datetime.
	if _, err := pool.Exec(ctx, `
		INSERT INTO seed_checkpoints (checkpoint_id, batch_id, run_id, tenant, content_hash, resume_token, completion_pct, created_at)
		VALUES ($1, $2, $3, 'tenant-a', 'hash', 'token', 40, $4)`,
		uuid.NewString(), batch.BatchID, result.Run.RunID, now); err != nil {
		t.Fatalf("insert checkpoint: %v", err)
	}
	drifted, err := manifest.Parse(json.RawMessage(integrationManifest))
	if err != nil {
		t.Fatalf("parse drifted manifest: %v", err)
	}
	drifted.ReferenceDatetime = time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	_, problem, err = orch.CreateSeedRun(ctx, CreateRunRequest{
		Tenant: "tenant-a", Environment: "staging", Manifest: drifted, IdempotencyKey: "key-2",
	})
	if err != nil {
		t.Fatalf("drift create: %v", err)
	}
	if problem == nil || problem.Title != ReasonReferenceDrift {
		t.Fatalf("expected drift rejection, got %v", problem)
	}

	// Cancel marks the run ABORTED, frees its lease, and is idempotent.
	canceled, problem, err := orch.CancelRun(ctx, "tenant-a", result.Run.RunID, "ops@iabank")
	if err != nil || problem != nil {
		t.Fatalf("cancel: err=%v problem=%v", err, problem)
	}
	if canceled.Status != runfsm.RunAborted || canceled.FinishedAt == nil {
		t.Fatalf("expected aborted run, got %+v", canceled)
	}
	if err := pool.QueryRow(ctx,
		`SELECT status FROM queue_leases WHERE lease_id = $1`, lease.LeaseID).Scan(&leaseStatus); err != nil {
		t.Fatalf("select released lease: %v", err)
	}
	if leaseStatus != runfsm.LeaseExpired {
		t.Fatalf("expected expired lease after cancel, got %s", leaseStatus)
	}
	again, problem, err := orch.CancelRun(ctx, "tenant-a", result.Run.RunID, "ops@iabank")
	if err != nil || problem != nil {
		t.Fatalf("second cancel: err=%v problem=%v", err, problem)
	}
	if again.Status != runfsm.RunAborted {
		t.Fatalf("second cancel must be a no-op, got %s", again.Status)
	}

	// The SLO context joins targets, budget and checkpoint age.
	sloCtx, problem, err := orch.LoadRunSLO(ctx, "tenant-a", result.Run.RunID)
	if err != nil || problem != nil {
		t.Fatalf("slo context: err=%v problem=%v", err, problem)
	}
	if sloCtx.Targets.P95TargetMS != 300 || sloCtx.ErrorBudgetPct != 5 {
		t.Fatalf("unexpected slo context: %+v", sloCtx)
	}
	if sloCtx.LastCheckpointAt == nil {
		t.Fatal("expected checkpoint timestamp")
	}
}
