package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	WormStorageURL         string
	VaultAddr              string
	VaultToken             string
	VaultKeyName           string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction refuses to start compliance-scoped environments with
// insecure transport, open CORS, or missing evidence-chain settings.
// Staging, perf and dr carry tenant-shaped data and auditable evidence,
// so they get the same treatment as production.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	if err := validateEvidenceChain(o, service); err != nil {
		return err
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateEvidenceChain(o Options, service string) error {
	if strings.TrimSpace(o.WormStorageURL) == "" {
		return fmt.Errorf("%s: strict hardening requires WORM_STORAGE_URL", service)
	}
	addr := strings.TrimSpace(o.VaultAddr)
	if addr == "" {
		return fmt.Errorf("%s: strict hardening requires VAULT_ADDR", service)
	}
	if !strings.HasPrefix(strings.ToLower(addr), "https://") {
		return fmt.Errorf("%s: strict hardening requires HTTPS VAULT_ADDR, got %q", service, addr)
	}
	if strings.TrimSpace(o.VaultToken) == "" {
		return fmt.Errorf("%s: strict hardening requires VAULT_TOKEN", service)
	}
	if strings.TrimSpace(o.VaultKeyName) == "" {
		return fmt.Errorf("%s: strict hardening requires VAULT_TRANSIT_KEY", service)
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	origins := strings.Split(raw, ",")
	validCount := 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

// isProductionLikeEnv reports whether the environment stores auditable
// evidence. Seeding never targets production itself, so the strict set
// is the compliance-scoped seed targets.
func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "staging", "stage", "perf", "dr":
		return true
	default:
		return false
	}
}
