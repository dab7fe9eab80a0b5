package preflight

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"seedcore/pkg/models"
)

type fakeBindingRow struct {
	role    string
	version string
	err     error
}

func (r fakeBindingRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.role
	*(dest[1].(*string)) = r.version
	return nil
}

type fakeRBACDB struct {
	row fakeBindingRow
}

func (f *fakeRBACDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeRBACDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

func runnerDB() *fakeRBACDB {
	return &fakeRBACDB{row: fakeBindingRow{role: models.RoleSeedRunner, version: "v3"}}
}

func TestAuthorizeRunner(t *testing.T) {
	gate := NewGate(runnerDB(), []string{"staging", "production"})
	binding, problem, err := gate.Authorize(context.Background(), "tenant-a", "staging", "svc-seeder", ActionCreateRun)
	if err != nil || problem != nil {
		t.Fatalf("authorize: err=%v problem=%v", err, problem)
	}
	if binding.Role != models.RoleSeedRunner || binding.PolicyVersion != "v3" {
		t.Fatalf("binding = %+v", binding)
	}
}

func TestAuthorizeEnvironmentNotAllowed(t *testing.T) {
	gate := NewGate(runnerDB(), []string{"staging"})
	_, problem, err := gate.Authorize(context.Background(), "tenant-a", "production", "svc-seeder", ActionCreateRun)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if problem == nil || problem.Title != "environment_not_allowed" {
		t.Fatalf("problem = %v", problem)
	}
}

func TestAuthorizeMissingSubject(t *testing.T) {
	gate := NewGate(runnerDB(), nil)
	_, problem, err := gate.Authorize(context.Background(), "tenant-a", "staging", "  ", ActionCreateRun)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if problem == nil || problem.Status != http.StatusUnauthorized {
		t.Fatalf("problem = %v", problem)
	}
}

func TestAuthorizeNoBinding(t *testing.T) {
	gate := NewGate(&fakeRBACDB{row: fakeBindingRow{err: pgx.ErrNoRows}}, nil)
	_, problem, err := gate.Authorize(context.Background(), "tenant-a", "staging", "svc-unknown", ActionCreateRun)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if problem == nil || problem.Title != "no_role_binding" {
		t.Fatalf("problem = %v", problem)
	}
}

func TestAuthorizeReadOnlyRoleDenied(t *testing.T) {
	gate := NewGate(&fakeRBACDB{row: fakeBindingRow{role: models.RoleSeedRead, version: "v3"}}, nil)
	_, problem, err := gate.Authorize(context.Background(), "tenant-a", "staging", "svc-viewer", ActionCreateRun)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if problem == nil || problem.Title != "role_denied" {
		t.Fatalf("problem = %v", problem)
	}

	_, problem, err = gate.Authorize(context.Background(), "tenant-a", "staging", "svc-viewer", ActionReadRun)
	if err != nil || problem != nil {
		t.Fatalf("read must be allowed: err=%v problem=%v", err, problem)
	}
}

func TestAuthorizeAdminAllowsEverything(t *testing.T) {
	gate := NewGate(&fakeRBACDB{row: fakeBindingRow{role: models.RoleSeedAdmin, version: "v3"}}, nil)
	for _, action := range []string{ActionCreateRun, ActionCancelRun, ActionRetryBatch, ActionReadRun} {
		_, problem, err := gate.Authorize(context.Background(), "tenant-a", "staging", "svc-admin", action)
		if err != nil || problem != nil {
			t.Fatalf("%s: err=%v problem=%v", action, err, problem)
		}
	}
}

func TestAuthorizeProbeFailure(t *testing.T) {
	gate := NewGate(runnerDB(), nil)
	gate.RegisterProbe("vault-transit", func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	_, problem, err := gate.Authorize(context.Background(), "tenant-a", "staging", "svc-seeder", ActionCreateRun)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if problem == nil || problem.Status != http.StatusServiceUnavailable {
		t.Fatalf("problem = %v", problem)
	}
	if problem.Title != "dependency_unavailable" {
		t.Fatalf("title = %s", problem.Title)
	}
}

func TestVaultTransitProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sys/health" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	probe := VaultTransitProbe(srv.Client(), srv.URL, "token", "transit")
	if err := probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}

	missing := VaultTransitProbe(nil, "", "", "transit")
	if err := missing(context.Background()); err == nil {
		t.Fatal("missing credentials must fail the probe")
	}
}

func TestWormStorageProbe(t *testing.T) {
	if err := WormStorageProbe("s3://worm-bucket", "key")(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if err := WormStorageProbe("", "key")(context.Background()); err == nil {
		t.Fatal("missing url must fail")
	}
	if err := WormStorageProbe("s3://worm-bucket", "")(context.Background()); err == nil {
		t.Fatal("missing credentials must fail")
	}
}
