package slo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"seedcore/pkg/models"
	"seedcore/pkg/runfsm"
)

// DB is the subset of pgx the gate needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LiveMetrics is the runtime signal a worker reports for an executing run.
type LiveMetrics struct {
	P95MS         float64 `json:"p95_ms"`
	P99MS         float64 `json:"p99_ms"`
	ThroughputRPS float64 `json:"throughput_rps"`
	ErrorRatePct  float64 `json:"error_rate_pct"`
}

// Gate evaluates RPO/RTO and runtime SLO thresholds for running seeds. Both
// checks are idempotent: a run already in a terminal state is left alone.
type Gate struct {
	db  DB
	now func() time.Time
}

func NewGate(db DB) *Gate {
	return &Gate{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock injects a deterministic clock for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	if now != nil {
		g.now = now
	}
	return g
}

type gateReason struct {
	Gate      string   `json:"gate"`
	Breaches  []string `json:"breaches"`
	CheckedAt string   `json:"checked_at"`
}

// CheckRPORTO blocks a run whose most recent checkpoint is older than the
// RPO target, or whose start is older than the RTO target. A zero target
// disables its check. lastCheckpointAt nil means no checkpoint exists yet,
// which counts against RPO once the run is older than the target.
func (g *Gate) CheckRPORTO(ctx context.Context, run models.SeedRun, targets models.SLOTargets, lastCheckpointAt *time.Time) (*models.Problem, error) {
	if runfsm.IsTerminalRun(run.Status) {
		return nil, nil
	}
	now := g.now()
	breaches := make([]string, 0, 2)

	if targets.RPOMinutes > 0 {
		ref := run.StartedAt
		if lastCheckpointAt != nil {
			ref = *lastCheckpointAt
		}
		if now.Sub(ref) > time.Duration(targets.RPOMinutes)*time.Minute {
			breaches = append(breaches, fmt.Sprintf("rpo_exceeded: last checkpoint %s", ref.Format(time.RFC3339)))
		}
	}
	if targets.RTOMinutes > 0 && now.Sub(run.StartedAt) > time.Duration(targets.RTOMinutes)*time.Minute {
		breaches = append(breaches, fmt.Sprintf("rto_exceeded: started %s", run.StartedAt.Format(time.RFC3339)))
	}
	if len(breaches) == 0 {
		return nil, nil
	}

	if err := g.finishRun(ctx, run.RunID, runfsm.RunBlocked, "rpo_rto", breaches, now, nil); err != nil {
		return nil, err
	}
	return models.NewProblem(http.StatusUnprocessableEntity, models.ProblemObservability,
		"rpo_rto_breach", breaches[0]), nil
}

// CheckRuntime compares live metrics against the profile's SLO targets and
// error-budget limit. A breach aborts the run; a pass still records the
// consumed error-budget percentage for trend visibility.
func (g *Gate) CheckRuntime(ctx context.Context, run models.SeedRun, targets models.SLOTargets, errorBudgetPct float64, metrics LiveMetrics) (*models.Problem, error) {
	if runfsm.IsTerminalRun(run.Status) {
		return nil, nil
	}
	now := g.now()
	breaches := make([]string, 0, 4)

	if targets.P95TargetMS > 0 && metrics.P95MS > float64(targets.P95TargetMS) {
		breaches = append(breaches, fmt.Sprintf("p95_latency: %.0fms > %dms", metrics.P95MS, targets.P95TargetMS))
	}
	if targets.P99TargetMS > 0 && metrics.P99MS > float64(targets.P99TargetMS) {
		breaches = append(breaches, fmt.Sprintf("p99_latency: %.0fms > %dms", metrics.P99MS, targets.P99TargetMS))
	}
	if targets.ThroughputTargetRPS > 0 && metrics.ThroughputRPS < targets.ThroughputTargetRPS {
		breaches = append(breaches, fmt.Sprintf("throughput: %.2frps < %.2frps", metrics.ThroughputRPS, targets.ThroughputTargetRPS))
	}
	consumed := 0.0
	if errorBudgetPct > 0 {
		consumed = metrics.ErrorRatePct / errorBudgetPct * 100
		if metrics.ErrorRatePct > errorBudgetPct {
			breaches = append(breaches, fmt.Sprintf("error_budget: %.2f%% > %.2f%%", metrics.ErrorRatePct, errorBudgetPct))
		}
	}

	if len(breaches) == 0 {
		_, err := g.db.Exec(ctx, `
			UPDATE seed_runs SET error_budget_used_pct = $2, updated_at = $3
			WHERE run_id = $1`,
			run.RunID, consumed, now)
		if err != nil {
			return nil, fmt.Errorf("record error budget for run %s: %w", run.RunID, err)
		}
		return nil, nil
	}

	if err := g.finishRun(ctx, run.RunID, runfsm.RunAborted, "slo_runtime", breaches, now, &consumed); err != nil {
		return nil, err
	}
	return models.NewProblem(http.StatusUnprocessableEntity, models.ProblemObservability,
		"slo_breach", breaches[0]), nil
}

func (g *Gate) finishRun(ctx context.Context, runID, status, gate string, breaches []string, now time.Time, consumed *float64) error {
	reason, err := json.Marshal(gateReason{Gate: gate, Breaches: breaches, CheckedAt: now.Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("encode gate reason: %w", err)
	}
	if consumed != nil {
		_, err = g.db.Exec(ctx, `
			UPDATE seed_runs SET status = $2, reason = $3, error_budget_used_pct = $4, finished_at = $5, updated_at = $5
			WHERE run_id = $1 AND status NOT IN ($6, $7, $8, $9)`,
			runID, status, reason, *consumed, now,
			runfsm.RunSucceeded, runfsm.RunFailed, runfsm.RunAborted, runfsm.RunBlocked)
	} else {
		_, err = g.db.Exec(ctx, `
			UPDATE seed_runs SET status = $2, reason = $3, finished_at = $4, updated_at = $4
			WHERE run_id = $1 AND status NOT IN ($5, $6, $7, $8)`,
			runID, status, reason, now,
			runfsm.RunSucceeded, runfsm.RunFailed, runfsm.RunAborted, runfsm.RunBlocked)
	}
	if err != nil {
		return fmt.Errorf("transition run %s to %s: %w", runID, status, err)
	}
	return nil
}
