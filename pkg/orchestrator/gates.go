package orchestrator

import (
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"seedcore/pkg/governor"
	"seedcore/pkg/manifest"
	"seedcore/pkg/models"
)

// Gate reason codes. Stable strings; they end up in problem details, metrics
// labels and CLI output.
const (
	ReasonOffpeakClosed     = "offpeak_window_closed"
	ReasonEnvironmentDenied = "environment_not_allowed"
	ReasonWormProofRequired = "worm_proof_required"
	ReasonCostModelMismatch = "cost_model_mismatch"
	ReasonCostCapExceeded   = "cost_cap_exceeded"
	ReasonPathOutsideGitOps = "manifest_path_outside_gitops"
	ReasonReferenceDrift    = "reference_datetime_drift"
)

// CheckOffPeak rejects a run whose reference time falls outside the
// manifest's declared UTC window. A window with start > end wraps midnight.
// The manifest override flag bypasses the gate entirely.
func CheckOffPeak(m *manifest.Manifest, _ time.Time) *models.Problem {
	if m.Window == nil || m.Window.StartUTC == "" || m.Window.EndUTC == "" {
		return nil
	}
	if m.AllowOffpeakOverride || m.Window.AllowOverride {
		return nil
	}
	start, err := parseClock(m.Window.StartUTC)
	if err != nil {
		return models.NewProblem(http.StatusUnprocessableEntity, models.ProblemValidation,
			"invalid_window", fmt.Sprintf("window.start_utc: %v", err))
	}
	end, err := parseClock(m.Window.EndUTC)
	if err != nil {
		return models.NewProblem(http.StatusUnprocessableEntity, models.ProblemValidation,
			"invalid_window", fmt.Sprintf("window.end_utc: %v", err))
	}
	ref := m.ReferenceDatetime.UTC()
	minute := ref.Hour()*60 + ref.Minute()
	inside := false
	if start <= end {
		inside = minute >= start && minute <= end
	} else {
		inside = minute >= start || minute <= end
	}
	if !inside {
		return models.NewProblem(http.StatusUnprocessableEntity, models.ProblemGovernance,
			ReasonOffpeakClosed,
			fmt.Sprintf("reference time %s is outside off-peak window %s-%s UTC",
				ref.Format("15:04"), m.Window.StartUTC, m.Window.EndUTC))
	}
	return nil
}

func parseClock(hhmm string) (minuteOfDay int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", hhmm)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// CheckEnvironment enforces the cost model's environment allow-list for
// load modes.
func CheckEnvironment(gov *governor.Governor, environment, mode string) *models.Problem {
	if gov.EnvironmentAllowed(environment, mode) {
		return nil
	}
	return models.NewProblem(http.StatusUnprocessableEntity, models.ProblemGovernance,
		ReasonEnvironmentDenied,
		fmt.Sprintf("mode %q is not permitted in environment %q", mode, environment))
}

// CheckWormEvidence requires load-mode manifests to declare a worm_proof
// token before execution.
func CheckWormEvidence(gov *governor.Governor, m *manifest.Manifest) *models.Problem {
	if !gov.WormRequired(m.Mode) {
		return nil
	}
	if strings.TrimSpace(m.Integrity.WormProof) != "" {
		return nil
	}
	return models.NewProblem(http.StatusUnprocessableEntity, models.ProblemGovernance,
		ReasonWormProofRequired,
		fmt.Sprintf("mode %q requires integrity.worm_proof", m.Mode))
}

// CheckCostModelAlignment rejects manifests pinned to a cost-model version
// other than the one currently loaded.
func CheckCostModelAlignment(gov *governor.Governor, m *manifest.Manifest) *models.Problem {
	declared := strings.TrimSpace(m.Budget.CostModelVersion)
	if declared == "" || declared == gov.Version() {
		return nil
	}
	return models.NewProblem(http.StatusUnprocessableEntity, models.ProblemGovernance,
		ReasonCostModelMismatch,
		fmt.Sprintf("manifest declares cost model %q, loaded model is %q", declared, gov.Version()))
}

// CheckCostCap rejects runs whose estimated cost exceeds the declared cap.
func CheckCostCap(d governor.Derivation) *models.Problem {
	if !d.CostCapExceeded() {
		return nil
	}
	return models.NewProblem(http.StatusUnprocessableEntity, models.ProblemGovernance,
		ReasonCostCapExceeded,
		fmt.Sprintf("estimated cost %s BRL exceeds cap %s BRL", d.CostEstimatedBRL, d.CostCapBRL))
}

// CheckManifestPath enforces the GitOps layout: manifests live under
// configs/seed_profiles/<environment>/. An empty path means the manifest
// arrived inline over the API and the gate does not apply; allowLocal admits
// temp-directory paths for test harnesses.
func CheckManifestPath(manifestPath, environment string, allowLocal bool) *models.Problem {
	if strings.TrimSpace(manifestPath) == "" {
		return nil
	}
	clean := path.Clean(strings.ReplaceAll(manifestPath, "\\", "/"))
	want := "configs/seed_profiles/" + environment + "/"
	if strings.Contains(clean, want) {
		return nil
	}
	if allowLocal && (strings.HasPrefix(clean, "/tmp/") || strings.Contains(clean, "/T/")) {
		return nil
	}
	return models.NewProblem(http.StatusUnprocessableEntity, models.ProblemGovernance,
		ReasonPathOutsideGitOps,
		fmt.Sprintf("manifest %q is outside configs/seed_profiles/%s/", manifestPath, environment))
}
