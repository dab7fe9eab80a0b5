package hardening

import "testing"

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:                "gateway",
		Environment:            "staging",
		StrictProdSecurity:     "true",
		DatabaseRequireTLS:     "true",
		RedisAddr:              "redis:6379",
		RedisRequireTLS:        "true",
		CORSAllowedOrigins:     "https://console.iabank.example",
		WormStorageURL:         "s3://iabank-seed-evidence",
		VaultAddr:              "https://vault.iabank.example",
		VaultToken:             "s.token",
		VaultKeyName:           "seed-evidence",
		RequiredServiceSecrets: []EnvRequirement{{Name: "SEED_API_TOKEN", Value: "secret"}},
	}

	t.Run("pass", func(t *testing.T) {
		if err := ValidateProduction(base); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("dev_skip", func(t *testing.T) {
		o := base
		o.Environment = "dev"
		o.DatabaseRequireTLS = "false"
		o.CORSAllowedOrigins = "*"
		o.VaultAddr = ""
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected skip in dev, got %v", err)
		}
	})

	t.Run("dr_enforced", func(t *testing.T) {
		o := base
		o.Environment = "dr"
		o.DatabaseRequireTLS = "false"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected dr to be hardened")
		}
	})

	t.Run("db_tls_required", func(t *testing.T) {
		o := base
		o.DatabaseRequireTLS = "false"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected DATABASE_REQUIRE_TLS enforcement error")
		}
	})

	t.Run("redis_tls_required", func(t *testing.T) {
		o := base
		o.RedisRequireTLS = "false"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected REDIS_REQUIRE_TLS enforcement error")
		}
	})

	t.Run("redis_insecure_forbidden", func(t *testing.T) {
		o := base
		o.RedisTLSInsecure = "true"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected insecure redis flags error")
		}
	})

	t.Run("cors_wildcard_forbidden", func(t *testing.T) {
		o := base
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected wildcard CORS error")
		}
	})

	t.Run("cors_https_required", func(t *testing.T) {
		o := base
		o.CORSAllowedOrigins = "http://console.iabank.example"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected https CORS error")
		}
	})

	t.Run("worm_storage_required", func(t *testing.T) {
		o := base
		o.WormStorageURL = ""
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected WORM storage error")
		}
	})

	t.Run("vault_https_required", func(t *testing.T) {
		o := base
		o.VaultAddr = "http://vault.iabank.example"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected https vault addr error")
		}
	})

	t.Run("vault_token_required", func(t *testing.T) {
		o := base
		o.VaultToken = ""
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected vault token error")
		}
	})

	t.Run("vault_key_required", func(t *testing.T) {
		o := base
		o.VaultKeyName = ""
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected transit key error")
		}
	})

	t.Run("required_secret", func(t *testing.T) {
		o := base
		o.RequiredServiceSecrets = []EnvRequirement{{Name: "SEED_API_TOKEN", Value: ""}}
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected required secret error")
		}
	})

	t.Run("strict_can_be_disabled", func(t *testing.T) {
		o := base
		o.StrictProdSecurity = "false"
		o.DatabaseRequireTLS = "false"
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected strict disable skip, got %v", err)
		}
	})
}
