package orchestrator

import (
	"encoding/json"
	"testing"
	"time"

	"seedcore/pkg/governor"
	"seedcore/pkg/manifest"
	"seedcore/pkg/models"
)

func testGovernor() *governor.Governor {
	return governor.New(&governor.CostModel{
		Version:        "2026.2",
		EntityCostsBRL: map[string]float64{"customers": 0.004},
		Modes: map[string]governor.ModePolicy{
			"carga": {RequiredEnvironments: []string{"staging", "perf"}, WormRequired: true, CostMultiplier: 2.5},
			"dr":    {RequiredEnvironments: []string{"staging", "dr"}, WormRequired: true, CostMultiplier: 1.5},
		},
		Defaults: governor.Defaults{ErrorBudgetPct: 5, AlertThresholdPct: 80, DefaultEntityCostBRL: 0.005},
	})
}

func baseManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Metadata:          manifest.Metadata{Tenant: "tenant-a", Environment: "staging", Profile: "base", Version: "1.0"},
		Mode:              models.ModeBaseline,
		ReferenceDatetime: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Volumetry:         map[string]manifest.VolumetryEntry{"customers": {Cap: 100}},
		Budget:            models.BudgetSpec{CostModelVersion: "2026.2"},
	}
}

func TestOffPeakGateClosedWindow(t *testing.T) {
	m := baseManifest()
	m.Window = &models.Window{StartUTC: "10:00", EndUTC: "10:15"}

	p := CheckOffPeak(m, time.Now())
	if p == nil {
		t.Fatal("expected off-peak rejection at 12:00")
	}
	if p.Title != ReasonOffpeakClosed {
		t.Fatalf("expected %s, got %s", ReasonOffpeakClosed, p.Title)
	}
	if p.Type != models.ProblemGovernance {
		t.Fatalf("expected governance problem, got %s", p.Type)
	}

	m.AllowOffpeakOverride = true
	if p := CheckOffPeak(m, time.Now()); p != nil {
		t.Fatalf("expected override to pass the gate, got %v", p)
	}
}

func TestOffPeakGateInsideWindow(t *testing.T) {
	m := baseManifest()
	m.Window = &models.Window{StartUTC: "11:30", EndUTC: "12:30"}
	if p := CheckOffPeak(m, time.Now()); p != nil {
		t.Fatalf("expected 12:00 inside 11:30-12:30, got %v", p)
	}
}

func TestOffPeakGateWrapsMidnight(t *testing.T) {
	m := baseManifest()
	m.Window = &models.Window{StartUTC: "22:00", EndUTC: "04:00"}

	m.ReferenceDatetime = time.Date(2026, 8, 1, 23, 30, 0, 0, time.UTC)
	if p := CheckOffPeak(m, time.Now()); p != nil {
		t.Fatalf("expected 23:30 inside wrapped window, got %v", p)
	}
	m.ReferenceDatetime = time.Date(2026, 8, 1, 2, 0, 0, 0, time.UTC)
	if p := CheckOffPeak(m, time.Now()); p != nil {
		t.Fatalf("expected 02:00 inside wrapped window, got %v", p)
	}
	m.ReferenceDatetime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if p := CheckOffPeak(m, time.Now()); p == nil {
		t.Fatal("expected 12:00 outside wrapped window")
	}
}

func TestOffPeakGateNoWindow(t *testing.T) {
	m := baseManifest()
	if p := CheckOffPeak(m, time.Now()); p != nil {
		t.Fatalf("expected no window to pass, got %v", p)
	}
}

func TestOffPeakGateMalformedWindow(t *testing.T) {
	m := baseManifest()
	m.Window = &models.Window{StartUTC: "25:99", EndUTC: "10:00"}
	p := CheckOffPeak(m, time.Now())
	if p == nil || p.Type != models.ProblemValidation {
		t.Fatalf("expected validation problem for malformed window, got %v", p)
	}
}

func TestEnvironmentGate(t *testing.T) {
	gov := testGovernor()
	if p := CheckEnvironment(gov, "dev", models.ModeBaseline); p != nil {
		t.Fatalf("baseline should run anywhere, got %v", p)
	}
	if p := CheckEnvironment(gov, "staging", models.ModeCarga); p != nil {
		t.Fatalf("carga allowed in staging, got %v", p)
	}
	p := CheckEnvironment(gov, "dev", models.ModeCarga)
	if p == nil || p.Title != ReasonEnvironmentDenied {
		t.Fatalf("expected environment denial, got %v", p)
	}
}

func TestWormEvidenceGate(t *testing.T) {
	gov := testGovernor()
	m := baseManifest()
	m.Mode = models.ModeCarga

	p := CheckWormEvidence(gov, m)
	if p == nil || p.Title != ReasonWormProofRequired {
		t.Fatalf("expected worm_proof requirement, got %v", p)
	}
	m.Integrity.WormProof = "proof-token"
	if p := CheckWormEvidence(gov, m); p != nil {
		t.Fatalf("expected declared proof to pass, got %v", p)
	}
	m2 := baseManifest()
	if p := CheckWormEvidence(gov, m2); p != nil {
		t.Fatalf("baseline needs no proof, got %v", p)
	}
}

func TestCostModelAlignmentGate(t *testing.T) {
	gov := testGovernor()
	m := baseManifest()
	if p := CheckCostModelAlignment(gov, m); p != nil {
		t.Fatalf("matching version should pass, got %v", p)
	}
	m.Budget.CostModelVersion = "2025.9"
	p := CheckCostModelAlignment(gov, m)
	if p == nil || p.Title != ReasonCostModelMismatch {
		t.Fatalf("expected mismatch problem, got %v", p)
	}
	m.Budget.CostModelVersion = ""
	if p := CheckCostModelAlignment(gov, m); p != nil {
		t.Fatalf("undeclared version should pass, got %v", p)
	}
}

func TestCostCapGate(t *testing.T) {
	over := governor.Derivation{CostCapBRL: json.Number("0.10"), CostEstimatedBRL: json.Number("0.40")}
	p := CheckCostCap(over)
	if p == nil || p.Title != ReasonCostCapExceeded {
		t.Fatalf("expected cap exceeded, got %v", p)
	}
	under := governor.Derivation{CostCapBRL: json.Number("1.00"), CostEstimatedBRL: json.Number("0.40")}
	if p := CheckCostCap(under); p != nil {
		t.Fatalf("expected under-cap pass, got %v", p)
	}
	uncapped := governor.Derivation{CostCapBRL: json.Number("0"), CostEstimatedBRL: json.Number("9.99")}
	if p := CheckCostCap(uncapped); p != nil {
		t.Fatalf("zero cap means uncapped, got %v", p)
	}
}

func TestManifestPathGate(t *testing.T) {
	if p := CheckManifestPath("configs/seed_profiles/staging/base.json", "staging", false); p != nil {
		t.Fatalf("gitops path should pass, got %v", p)
	}
	if p := CheckManifestPath("/srv/repo/configs/seed_profiles/staging/base.json", "staging", false); p != nil {
		t.Fatalf("absolute gitops path should pass, got %v", p)
	}
	p := CheckManifestPath("manifests/base.json", "staging", false)
	if p == nil || p.Title != ReasonPathOutsideGitOps {
		t.Fatalf("expected gitops rejection, got %v", p)
	}
	if p := CheckManifestPath("configs/seed_profiles/perf/base.json", "staging", false); p == nil {
		t.Fatal("expected wrong-environment path rejection")
	}
	if p := CheckManifestPath("/tmp/seedcore-test/base.json", "staging", true); p != nil {
		t.Fatalf("temp path with local override should pass, got %v", p)
	}
	if p := CheckManifestPath("/tmp/seedcore-test/base.json", "staging", false); p == nil {
		t.Fatal("temp path without override should fail")
	}
	if p := CheckManifestPath("", "staging", false); p != nil {
		t.Fatalf("inline manifest has no path, got %v", p)
	}
}
