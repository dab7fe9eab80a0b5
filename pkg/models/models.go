package models

import (
	"encoding/json"
	"time"
)

// Modes a seed run can execute in.
const (
	ModeBaseline = "baseline"
	ModeCarga    = "carga"
	ModeDR       = "dr"
	ModeCanary   = "canary"
)

// EntityOrder is the fixed dependency order batches are created in, so that
// foreign-key producers seed before consumers.
var EntityOrder = []string{
	"tenant_users",
	"customers",
	"addresses",
	"accounts",
	"cards",
	"transactions",
	"loans",
	"contracts",
}

// IsLoadMode reports whether a mode gets the stricter load/DR treatment
// (longer admission TTL, shorter idempotency TTL, mandatory WORM evidence).
func IsLoadMode(mode string) bool {
	return mode == ModeCarga || mode == ModeDR
}

// Window is an off-peak execution window in UTC. Start > End means the
// window wraps midnight.
type Window struct {
	StartUTC      string `json:"start_utc"`
	EndUTC        string `json:"end_utc"`
	AllowOverride bool   `json:"allow_override,omitempty"`
}

type BackoffPolicy struct {
	BaseSeconds        int     `json:"base_seconds"`
	JitterFactor       float64 `json:"jitter_factor"`
	MaxRetries         int     `json:"max_retries"`
	MaxIntervalSeconds int     `json:"max_interval_seconds"`
}

type SLOTargets struct {
	P95TargetMS         int     `json:"p95_target_ms"`
	P99TargetMS         int     `json:"p99_target_ms"`
	ThroughputTargetRPS float64 `json:"throughput_target_rps"`
	RPOMinutes          int     `json:"rpo_minutes,omitempty"`
	RTOMinutes          int     `json:"rto_minutes,omitempty"`
}

type BudgetSpec struct {
	CostCapBRL       json.Number `json:"cost_cap_brl"`
	ErrorBudgetPct   float64     `json:"error_budget_pct"`
	CostModelVersion string      `json:"cost_model_version"`
}

// SeedProfile is a named, versioned configuration snapshot. Unique per
// (tenant, name, version); immutable once superseded.
type SeedProfile struct {
	ProfileID         string          `json:"profile_id"`
	Tenant            string          `json:"tenant"`
	Name              string          `json:"name"`
	Version           string          `json:"version"`
	Environment       string          `json:"environment"`
	Mode              string          `json:"mode"`
	ReferenceDatetime time.Time       `json:"reference_datetime"`
	Volumetry         map[string]int  `json:"volumetry"`
	RateLimitLimit    int             `json:"rate_limit_limit"`
	RateLimitWindowS  int             `json:"rate_limit_window_seconds"`
	Backoff           BackoffPolicy   `json:"backoff"`
	Budget            BudgetSpec      `json:"budget"`
	OffPeak           Window          `json:"off_peak"`
	SLO               SLOTargets      `json:"slo"`
	CanaryScope       json.RawMessage `json:"canary_scope,omitempty"`
	TTLDays           map[string]int  `json:"ttl_days,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SeedRun is one execution attempt against a profile. Unique per
// (tenant, profile, idempotency key).
type SeedRun struct {
	RunID              string          `json:"run_id"`
	Tenant             string          `json:"tenant"`
	ProfileID          string          `json:"profile_id"`
	Environment        string          `json:"environment"`
	Mode               string          `json:"mode"`
	Status             string          `json:"status"`
	IdempotencyKey     string          `json:"idempotency_key"`
	ManifestPath       string          `json:"manifest_path"`
	ManifestHash       string          `json:"manifest_hash"`
	TraceID            string          `json:"trace_id,omitempty"`
	SpanID             string          `json:"span_id,omitempty"`
	DryRun             bool            `json:"dry_run"`
	RateLimitUsage     json.RawMessage `json:"rate_limit_usage,omitempty"`
	ErrorBudgetUsedPct float64         `json:"error_budget_used_pct"`
	Reason             json.RawMessage `json:"reason,omitempty"`
	StartedAt          time.Time       `json:"started_at"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// SeedBatch is one unit of work for one entity type within a run.
type SeedBatch struct {
	BatchID      string          `json:"batch_id"`
	RunID        string          `json:"run_id"`
	Tenant       string          `json:"tenant"`
	Entity       string          `json:"entity"`
	BatchSize    int             `json:"batch_size"`
	Status       string          `json:"status"`
	Attempt      int             `json:"attempt"`
	DLQAttempts  int             `json:"dlq_attempts"`
	LastRetryAt  *time.Time      `json:"last_retry_at,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	CapsSnapshot json.RawMessage `json:"caps_snapshot,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SeedCheckpoint marks resumable progress for a batch.
type SeedCheckpoint struct {
	CheckpointID  string    `json:"checkpoint_id"`
	BatchID       string    `json:"batch_id"`
	RunID         string    `json:"run_id"`
	Tenant        string    `json:"tenant"`
	ContentHash   string    `json:"content_hash"`
	ResumeToken   string    `json:"resume_token"`
	CompletionPct float64   `json:"completion_pct"`
	CreatedAt     time.Time `json:"created_at"`
}

// QueueLease is an environment-scoped admission slot reservation.
type QueueLease struct {
	LeaseID     string    `json:"lease_id"`
	Tenant      string    `json:"tenant"`
	Environment string    `json:"environment"`
	Status      string    `json:"status"`
	SeedRunID   string    `json:"seed_run_id,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IdempotencyEntry maps (tenant, environment, key) to the manifest hash the
// first writer established. At-most-one logical run per key within its TTL.
type IdempotencyEntry struct {
	Tenant       string    `json:"tenant"`
	Environment  string    `json:"environment"`
	Key          string    `json:"key"`
	ManifestHash string    `json:"manifest_hash"`
	Mode         string    `json:"mode"`
	RunID        string    `json:"run_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// BudgetRateLimit is the per-profile materialized governance record.
type BudgetRateLimit struct {
	BudgetID          string      `json:"budget_id"`
	Tenant            string      `json:"tenant"`
	ProfileID         string      `json:"profile_id"`
	RateLimitLimit    int         `json:"rate_limit_limit"`
	RateLimitWindowS  int         `json:"rate_limit_window_seconds"`
	RateRemaining     int         `json:"rate_remaining"`
	CostCapBRL        json.Number `json:"cost_cap_brl"`
	CostEstimatedBRL  json.Number `json:"cost_estimated_brl"`
	CostActualBRL     json.Number `json:"cost_actual_brl"`
	ErrorBudgetPct    float64     `json:"error_budget_pct"`
	AlertThresholdPct float64     `json:"alert_threshold_pct"`
	CostModelVersion  string      `json:"cost_model_version"`
	WindowResetAt     time.Time   `json:"window_reset_at"`
	ConsumedAt        *time.Time  `json:"consumed_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Evidence integrity statuses.
const (
	EvidencePending  = "pending"
	EvidenceStored   = "stored"
	EvidenceVerified = "verified"
	EvidenceInvalid  = "invalid"
)

// EvidenceRecord is the one-to-one WORM completion proof for a run.
type EvidenceRecord struct {
	EvidenceID      string    `json:"evidence_id"`
	RunID           string    `json:"run_id"`
	Tenant          string    `json:"tenant"`
	StorageURL      string    `json:"storage_url"`
	Digest          string    `json:"digest"`
	SignatureAlg    string    `json:"signature_alg"`
	SignatureKid    string    `json:"signature_kid"`
	KeyVersion      int       `json:"key_version"`
	Signature       string    `json:"signature"`
	RetentionDays   int       `json:"retention_days"`
	IntegrityStatus string    `json:"integrity_status"`
	CreatedAt       time.Time `json:"created_at"`
}

// RBAC roles for seed operations.
const (
	RoleSeedRunner = "seed-runner"
	RoleSeedAdmin  = "seed-admin"
	RoleSeedRead   = "seed-read"
)

// RBACBinding grants a subject a seed role in one environment.
type RBACBinding struct {
	Tenant        string `json:"tenant"`
	Environment   string `json:"environment"`
	Subject       string `json:"subject"`
	Role          string `json:"role"`
	PolicyVersion string `json:"policy_version"`
}
