package governor

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ModePolicy is the cost model's per-mode governance policy.
type ModePolicy struct {
	RequiredEnvironments []string `json:"required_environments,omitempty"`
	WormRequired         bool     `json:"worm_required"`
	CostMultiplier       float64  `json:"cost_multiplier,omitempty"`
}

type Defaults struct {
	ErrorBudgetPct       float64 `json:"error_budget_pct"`
	AlertThresholdPct    float64 `json:"alert_threshold_pct"`
	DefaultEntityCostBRL float64 `json:"default_entity_cost_brl"`
}

// CostModel is the document loaded once at startup that drives budget
// derivation and mode governance predicates.
type CostModel struct {
	Version        string                `json:"version"`
	Currency       string                `json:"currency,omitempty"`
	EntityCostsBRL map[string]float64    `json:"entity_costs_brl"`
	Modes          map[string]ModePolicy `json:"modes"`
	Defaults       Defaults              `json:"defaults"`
}

var requiredCostModelKeys = []string{"version", "entity_costs_brl", "modes", "defaults"}

// ParseCostModel decodes and checks a cost model document. Missing required
// top-level keys abort startup rather than silently producing zero-valued
// budgets downstream.
func ParseCostModel(raw []byte) (*CostModel, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode cost model: %w", err)
	}
	missing := make([]string, 0)
	for _, k := range requiredCostModelKeys {
		if _, ok := keys[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("cost model missing required keys: %s", strings.Join(missing, ", "))
	}
	var model CostModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("decode cost model: %w", err)
	}
	if model.Version == "" {
		return nil, fmt.Errorf("cost model version is empty")
	}
	return &model, nil
}

// LoadCostModel reads and parses the cost model document at path.
func LoadCostModel(path string) (*CostModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cost model %s: %w", path, err)
	}
	return ParseCostModel(raw)
}
