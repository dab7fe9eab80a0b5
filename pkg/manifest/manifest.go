package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"seedcore/pkg/models"
)

// Defaults applied when a manifest omits its rate limit.
const (
	DefaultRateLimit     = 1
	DefaultRateWindowSec = 60
)

type Metadata struct {
	Tenant        string `json:"tenant"`
	Environment   string `json:"environment"`
	Profile       string `json:"profile"`
	Version       string `json:"version"`
	SchemaVersion string `json:"schema_version,omitempty"`
	SaltVersion   string `json:"salt_version,omitempty"`
}

type VolumetryEntry struct {
	Cap int `json:"cap"`
}

type RateLimitSpec struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
}

type Integrity struct {
	ManifestHash string `json:"manifest_hash,omitempty"`
	WormProof    string `json:"worm_proof,omitempty"`
}

// Manifest is the typed form of a seed manifest document. Documents are only
// held loosely typed inside the validator; past that boundary this struct is
// the contract.
type Manifest struct {
	Metadata             Metadata                  `json:"metadata"`
	Mode                 string                    `json:"mode"`
	ReferenceDatetime    time.Time                 `json:"reference_datetime"`
	Window               *models.Window            `json:"window,omitempty"`
	AllowOffpeakOverride bool                      `json:"allow_offpeak_override,omitempty"`
	Volumetry            map[string]VolumetryEntry `json:"volumetry"`
	RateLimit            *RateLimitSpec            `json:"rate_limit,omitempty"`
	Backoff              models.BackoffPolicy      `json:"backoff"`
	Budget               models.BudgetSpec         `json:"budget"`
	TTL                  map[string]int            `json:"ttl,omitempty"`
	SLO                  models.SLOTargets         `json:"slo"`
	Integrity            Integrity                 `json:"integrity"`
	Canary               json.RawMessage           `json:"canary,omitempty"`

	// Hash is the computed canonical content hash, filled during Parse.
	Hash string `json:"-"`
}

// Parse decodes a manifest document and computes its canonical hash. It does
// not validate; call Validate first when the document is untrusted.
func Parse(raw json.RawMessage) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	hash, err := models.ManifestHash(raw)
	if err != nil {
		return nil, fmt.Errorf("hash manifest: %w", err)
	}
	m.Hash = hash
	return &m, nil
}

// VolumetryCaps returns per-entity caps in the fixed dependency order,
// skipping entities without a declared cap. Unknown entities come last in
// name order so nothing declared is silently dropped.
func (m *Manifest) VolumetryCaps() []EntityCap {
	caps := make([]EntityCap, 0, len(m.Volumetry))
	seen := map[string]bool{}
	for _, entity := range models.EntityOrder {
		if entry, ok := m.Volumetry[entity]; ok {
			caps = append(caps, EntityCap{Entity: entity, Cap: entry.Cap})
			seen[entity] = true
		}
	}
	extra := make([]string, 0)
	for entity := range m.Volumetry {
		if !seen[entity] {
			extra = append(extra, entity)
		}
	}
	sort.Strings(extra)
	for _, entity := range extra {
		caps = append(caps, EntityCap{Entity: entity, Cap: m.Volumetry[entity].Cap})
	}
	return caps
}

type EntityCap struct {
	Entity string `json:"entity"`
	Cap    int    `json:"cap"`
}

// EffectiveRateLimit returns the declared rate limit, defaulting to
// (1, 60) and flooring both values at 1.
func (m *Manifest) EffectiveRateLimit() (limit, windowSeconds int) {
	limit, windowSeconds = DefaultRateLimit, DefaultRateWindowSec
	if m.RateLimit != nil {
		limit = m.RateLimit.Limit
		windowSeconds = m.RateLimit.WindowSeconds
	}
	if limit < 1 {
		limit = 1
	}
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	return limit, windowSeconds
}

// TTLDaysFor returns the declared dataset TTL for a mode, 0 when absent.
// Manifest keys follow the "<mode>_days" convention.
func (m *Manifest) TTLDaysFor(mode string) int {
	if m.TTL == nil {
		return 0
	}
	return m.TTL[mode+"_days"]
}

// NormalizeVersion lowercases and v-prefixes a declared version string.
func NormalizeVersion(version string) string {
	v := strings.ToLower(strings.TrimSpace(version))
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
