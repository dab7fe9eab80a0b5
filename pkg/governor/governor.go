package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"seedcore/pkg/manifest"
	"seedcore/pkg/models"
)

// DB is the subset of pgx the governor needs; satisfied by *pgxpool.Pool,
// pgx.Tx and test fakes alike.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Governor derives budget and rate-limit parameters for a profile from the
// loaded cost model. One instance owns its state; the clock is injectable so
// window math is deterministic under test.
type Governor struct {
	model *CostModel
	now   func() time.Time
}

func New(model *CostModel) *Governor {
	return &Governor{
		model: model,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a deterministic clock for tests.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	if now != nil {
		g.now = now
	}
	return g
}

// Version returns the loaded cost-model version, used by the orchestrator's
// alignment gate.
func (g *Governor) Version() string {
	return g.model.Version
}

// EnvironmentAllowed reports whether a mode may run in an environment. Load
// modes (carga, dr) run only in environments on the cost model's allow-list;
// other modes run anywhere.
func (g *Governor) EnvironmentAllowed(environment, mode string) bool {
	policy, ok := g.model.Modes[mode]
	if !ok {
		return !models.IsLoadMode(mode)
	}
	if len(policy.RequiredEnvironments) == 0 {
		return !models.IsLoadMode(mode)
	}
	for _, env := range policy.RequiredEnvironments {
		if env == environment {
			return true
		}
	}
	return false
}

// WormRequired reports whether a mode needs a declared worm_proof token
// before execution.
func (g *Governor) WormRequired(mode string) bool {
	if policy, ok := g.model.Modes[mode]; ok {
		return policy.WormRequired
	}
	return models.IsLoadMode(mode)
}

// EstimateCostBRL prices a run: per-entity cost times cap, summed, times the
// mode's multiplier. Entities absent from the cost table use the default
// entity cost so new entities are never priced at zero.
func (g *Governor) EstimateCostBRL(mode string, caps []manifest.EntityCap) float64 {
	multiplier := 1.0
	if policy, ok := g.model.Modes[mode]; ok && policy.CostMultiplier > 0 {
		multiplier = policy.CostMultiplier
	}
	total := 0.0
	for _, c := range caps {
		unit, ok := g.model.EntityCostsBRL[c.Entity]
		if !ok {
			unit = g.model.Defaults.DefaultEntityCostBRL
		}
		total += unit * float64(c.Cap)
	}
	return total * multiplier
}

// Derivation is the computed budget snapshot for one profile, ready to be
// materialized by EnsureBudgetForProfile.
type Derivation struct {
	RateLimitLimit    int
	RateLimitWindowS  int
	CostCapBRL        json.Number
	CostEstimatedBRL  json.Number
	ErrorBudgetPct    float64
	AlertThresholdPct float64
	CostModelVersion  string
}

// Derive computes the governance parameters for a manifest: effective rate
// limit, cost cap, estimated cost, error-budget percentage and alert
// threshold. Manifest values win over cost-model defaults where declared.
func (g *Governor) Derive(m *manifest.Manifest) Derivation {
	limit, windowS := m.EffectiveRateLimit()
	errorBudget := m.Budget.ErrorBudgetPct
	if errorBudget <= 0 {
		errorBudget = g.model.Defaults.ErrorBudgetPct
	}
	costCap := m.Budget.CostCapBRL
	if costCap == "" {
		costCap = json.Number("0")
	}
	estimated := g.EstimateCostBRL(m.Mode, m.VolumetryCaps())
	return Derivation{
		RateLimitLimit:    limit,
		RateLimitWindowS:  windowS,
		CostCapBRL:        costCap,
		CostEstimatedBRL:  json.Number(strconv.FormatFloat(estimated, 'f', 4, 64)),
		ErrorBudgetPct:    errorBudget,
		AlertThresholdPct: g.model.Defaults.AlertThresholdPct,
		CostModelVersion:  g.model.Version,
	}
}

// CostCapExceeded reports whether the estimated cost breaches the declared
// cap. A zero cap means uncapped.
func (d Derivation) CostCapExceeded() bool {
	capBRL, err := d.CostCapBRL.Float64()
	if err != nil || capBRL <= 0 {
		return false
	}
	estimated, err := d.CostEstimatedBRL.Float64()
	if err != nil {
		return false
	}
	return estimated > capBRL
}

const upsertBudgetSQL = `
INSERT INTO budget_rate_limits (
    budget_id, tenant, profile_id,
    rate_limit_limit, rate_limit_window_seconds, rate_remaining,
    cost_cap_brl, cost_estimated_brl, cost_actual_brl,
    error_budget_pct, alert_threshold_pct, cost_model_version,
    window_reset_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10,$11,$12,$13)
ON CONFLICT (profile_id) DO UPDATE SET
    rate_limit_limit = EXCLUDED.rate_limit_limit,
    rate_limit_window_seconds = EXCLUDED.rate_limit_window_seconds,
    rate_remaining = EXCLUDED.rate_remaining,
    cost_cap_brl = EXCLUDED.cost_cap_brl,
    cost_estimated_brl = EXCLUDED.cost_estimated_brl,
    error_budget_pct = EXCLUDED.error_budget_pct,
    alert_threshold_pct = EXCLUDED.alert_threshold_pct,
    cost_model_version = EXCLUDED.cost_model_version,
    window_reset_at = EXCLUDED.window_reset_at
RETURNING budget_id, created_at`

// EnsureBudgetForProfile materializes the derivation as a BudgetRateLimit
// row with a fresh reset window, upserting on profile id so re-running a
// profile refreshes rather than duplicates its governance record.
func (g *Governor) EnsureBudgetForProfile(ctx context.Context, db DB, tenant, profileID string, d Derivation) (models.BudgetRateLimit, error) {
	now := g.now()
	resetAt := now.Add(time.Duration(d.RateLimitWindowS) * time.Second)
	row := models.BudgetRateLimit{
		Tenant:            tenant,
		ProfileID:         profileID,
		RateLimitLimit:    d.RateLimitLimit,
		RateLimitWindowS:  d.RateLimitWindowS,
		RateRemaining:     d.RateLimitLimit,
		CostCapBRL:        d.CostCapBRL,
		CostEstimatedBRL:  d.CostEstimatedBRL,
		CostActualBRL:     json.Number("0"),
		ErrorBudgetPct:    d.ErrorBudgetPct,
		AlertThresholdPct: d.AlertThresholdPct,
		CostModelVersion:  d.CostModelVersion,
		WindowResetAt:     resetAt,
	}
	err := db.QueryRow(ctx, upsertBudgetSQL,
		uuid.NewString(), tenant, profileID,
		d.RateLimitLimit, d.RateLimitWindowS, d.RateLimitLimit,
		d.CostCapBRL.String(), d.CostEstimatedBRL.String(),
		d.ErrorBudgetPct, d.AlertThresholdPct, d.CostModelVersion,
		resetAt, now,
	).Scan(&row.BudgetID, &row.CreatedAt)
	if err != nil {
		return models.BudgetRateLimit{}, fmt.Errorf("ensure budget for profile %s: %w", profileID, err)
	}
	return row, nil
}
