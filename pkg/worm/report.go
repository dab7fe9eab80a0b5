package worm

import (
	"encoding/json"
	"fmt"

	"seedcore/pkg/models"
)

// Checklist controls every evidence report evaluates. The template is fixed:
// a report missing a control is not a valid report.
var ChecklistControls = []string{
	"pii_masking",
	"rls_enforced",
	"contract_alignment",
	"idempotency_reuse",
	"rate_limit_compliance",
	"slo_compliance",
}

type ChecklistItem struct {
	Control string `json:"control"`
	Passed  bool   `json:"passed"`
	Detail  string `json:"detail,omitempty"`
}

// BuildChecklist evaluates the fixed control template against the caller's
// results. Controls absent from results fail closed.
func BuildChecklist(results map[string]bool, details map[string]string) []ChecklistItem {
	items := make([]ChecklistItem, 0, len(ChecklistControls))
	for _, control := range ChecklistControls {
		items = append(items, ChecklistItem{
			Control: control,
			Passed:  results[control],
			Detail:  details[control],
		})
	}
	return items
}

// ChecklistPassed reports whether every control passed.
func ChecklistPassed(items []ChecklistItem) bool {
	for _, item := range items {
		if !item.Passed {
			return false
		}
	}
	return true
}

// Report is the completion proof serialized into WORM storage.
type Report struct {
	RunID              string          `json:"run_id"`
	Tenant             string          `json:"tenant"`
	Environment        string          `json:"environment"`
	Mode               string          `json:"mode"`
	ProfileID          string          `json:"profile_id"`
	ManifestHash       string          `json:"manifest_hash"`
	RunStatus          string          `json:"run_status"`
	CostCapBRL         json.Number     `json:"cost_cap_brl"`
	CostEstimatedBRL   json.Number     `json:"cost_estimated_brl"`
	CostActualBRL      json.Number     `json:"cost_actual_brl"`
	ErrorBudgetUsedPct float64         `json:"error_budget_used_pct"`
	RateLimitUsage     json.RawMessage `json:"rate_limit_usage,omitempty"`
	Checklist          []ChecklistItem `json:"checklist"`
	RetentionDays      int             `json:"retention_days"`
	GeneratedAt        string          `json:"generated_at"`
}

// Canonical serializes the report with sorted keys so its digest is stable
// regardless of field ordering upstream.
func (r Report) Canonical() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence report: %w", err)
	}
	canon, err := models.CanonicalizeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize evidence report: %w", err)
	}
	return canon, nil
}
