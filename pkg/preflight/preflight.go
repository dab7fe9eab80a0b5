package preflight

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"seedcore/pkg/models"
)

// DB is the subset of pgx the gate needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Actions a subject may attempt.
const (
	ActionCreateRun  = "create_run"
	ActionCancelRun  = "cancel_run"
	ActionRetryBatch = "retry_batch"
	ActionReadRun    = "read_run"
)

// roleAllows maps each role onto the actions it grants. seed-admin grants
// everything; seed-read is read-only.
func roleAllows(role, action string) bool {
	switch role {
	case models.RoleSeedAdmin:
		return true
	case models.RoleSeedRunner:
		return action == ActionCreateRun || action == ActionCancelRun ||
			action == ActionRetryBatch || action == ActionReadRun
	case models.RoleSeedRead:
		return action == ActionReadRun
	default:
		return false
	}
}

// DependencyProbe checks one external dependency a run needs before it
// starts. Probes return an error describing what is missing or unreachable.
type DependencyProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Gate authorizes run requests: the subject must hold a role allowing the
// action in the target environment, the environment must be on the gate's
// allow-list, and every registered dependency must answer.
type Gate struct {
	db           DB
	environments []string
	probes       []DependencyProbe
}

func NewGate(db DB, environments []string) *Gate {
	return &Gate{db: db, environments: environments}
}

// RegisterProbe adds a dependency-availability check.
func (g *Gate) RegisterProbe(name string, check func(ctx context.Context) error) {
	g.probes = append(g.probes, DependencyProbe{Name: name, Check: check})
}

// Authorize runs the full preflight: environment allow-list, RBAC binding
// lookup, then dependency probes. Returns the subject's binding on success.
func (g *Gate) Authorize(ctx context.Context, tenant, environment, subject, action string) (models.RBACBinding, *models.Problem, error) {
	if len(g.environments) > 0 && !contains(g.environments, environment) {
		return models.RBACBinding{}, models.NewProblem(http.StatusForbidden, models.ProblemPreflight,
			"environment_not_allowed",
			fmt.Sprintf("environment %s is not on the allow-list", environment)), nil
	}
	if strings.TrimSpace(subject) == "" {
		return models.RBACBinding{}, models.NewProblem(http.StatusUnauthorized, models.ProblemPreflight,
			"subject_required", "request carries no subject"), nil
	}

	binding := models.RBACBinding{Tenant: tenant, Environment: environment, Subject: subject}
	err := g.db.QueryRow(ctx, `
		SELECT role, policy_version FROM rbac_bindings
		WHERE tenant = $1 AND environment = $2 AND subject = $3`,
		tenant, environment, subject).Scan(&binding.Role, &binding.PolicyVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RBACBinding{}, models.NewProblem(http.StatusForbidden, models.ProblemPreflight,
			"no_role_binding",
			fmt.Sprintf("subject %s has no role in %s", subject, environment)), nil
	}
	if err != nil {
		return models.RBACBinding{}, nil, fmt.Errorf("lookup rbac binding: %w", err)
	}
	if !roleAllows(binding.Role, action) {
		return models.RBACBinding{}, models.NewProblem(http.StatusForbidden, models.ProblemPreflight,
			"role_denied",
			fmt.Sprintf("role %s does not permit %s", binding.Role, action)), nil
	}

	for _, probe := range g.probes {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := probe.Check(probeCtx)
		cancel()
		if err != nil {
			return models.RBACBinding{}, models.NewProblem(http.StatusServiceUnavailable, models.ProblemPreflight,
				"dependency_unavailable",
				fmt.Sprintf("%s: %v", probe.Name, err)), nil
		}
	}
	return binding, nil, nil
}

// VaultTransitProbe verifies the transit signing path is configured and the
// Vault endpoint answers.
func VaultTransitProbe(client *http.Client, addr, token, transit string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if strings.TrimSpace(addr) == "" || strings.TrimSpace(token) == "" {
			return errors.New("vault transit credentials not configured")
		}
		if client == nil {
			client = http.DefaultClient
		}
		endpoint := strings.TrimRight(addr, "/") + "/v1/sys/health"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-Vault-Token", token)
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("vault unreachable: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("vault unhealthy status=%d", resp.StatusCode)
		}
		return nil
	}
}

// WormStorageProbe verifies the evidence storage settings are present.
func WormStorageProbe(storageURL, accessKey string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if strings.TrimSpace(storageURL) == "" {
			return errors.New("worm storage url not configured")
		}
		if strings.TrimSpace(accessKey) == "" {
			return errors.New("worm storage credentials not configured")
		}
		return nil
	}
}

func contains(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
