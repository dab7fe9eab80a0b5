package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"seedcore/pkg/models"
	"seedcore/pkg/store"
)

// Outcomes of ensuring an entry.
const (
	OutcomeNew      = "new"
	OutcomeReplay   = "replay"
	OutcomeConflict = "conflict"
)

// Entry TTLs. Load modes get a shorter window because their datasets are
// rebuilt aggressively and a stale key must not pin an old manifest hash.
const (
	DefaultEntryTTL = 24 * time.Hour
	LoadEntryTTL    = 6 * time.Hour
)

// DB is the subset of pgx the ledger needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Snapshot is a previously produced response, replayed byte-identical to
// retried clients without re-executing side effects.
type Snapshot struct {
	Status  int               `json:"status"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Result is the outcome of Ensure. Entry is always populated; Snapshot is
// non-nil only for replays that still have a cached response.
type Result struct {
	Outcome  string
	Entry    models.IdempotencyEntry
	Snapshot *Snapshot
}

// Ledger enforces at-most-one logical run per (tenant, environment, key)
// within the entry TTL. The durable row is the source of truth; the response
// cache is an optimization and may be absent.
type Ledger struct {
	tenant string
	db     DB
	cache  store.Cache
	now    func() time.Time
}

func NewLedger(tenant string, db DB, cache store.Cache) *Ledger {
	return &Ledger{
		tenant: tenant,
		db:     db,
		cache:  cache,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a deterministic clock for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

// TTLFor returns the entry TTL for a mode.
func TTLFor(mode string) time.Duration {
	if models.IsLoadMode(mode) {
		return LoadEntryTTL
	}
	return DefaultEntryTTL
}

// Ensure resolves a key to new, replay or conflict. Entry creation wins: the
// first writer for a key establishes the manifest hash all later callers are
// compared against. Expired entries are purged first, so an elapsed TTL
// frees the key for a fresh run.
func (l *Ledger) Ensure(ctx context.Context, environment, key, manifestHash, mode string) (Result, error) {
	now := l.now()

	_, err := l.db.Exec(ctx, `
		DELETE FROM idempotency_entries
		WHERE tenant = $1 AND environment = $2 AND key = $3 AND expires_at <= $4`,
		l.tenant, environment, key, now)
	if err != nil {
		return Result{}, fmt.Errorf("purge expired entry: %w", err)
	}

	entry := models.IdempotencyEntry{
		Tenant:       l.tenant,
		Environment:  environment,
		Key:          key,
		ManifestHash: manifestHash,
		Mode:         mode,
		ExpiresAt:    now.Add(TTLFor(mode)),
		CreatedAt:    now,
	}
	tag, err := l.db.Exec(ctx, `
		INSERT INTO idempotency_entries (tenant, environment, key, manifest_hash, mode, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant, environment, key) DO NOTHING`,
		entry.Tenant, entry.Environment, entry.Key, entry.ManifestHash, entry.Mode, entry.ExpiresAt, entry.CreatedAt)
	if err != nil {
		return Result{}, fmt.Errorf("insert entry: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return Result{Outcome: OutcomeNew, Entry: entry}, nil
	}

	var prior models.IdempotencyEntry
	prior.Tenant, prior.Environment, prior.Key = l.tenant, environment, key
	err = l.db.QueryRow(ctx, `
		SELECT manifest_hash, mode, COALESCE(run_id::text, ''), expires_at, created_at
		FROM idempotency_entries
		WHERE tenant = $1 AND environment = $2 AND key = $3`,
		l.tenant, environment, key).
		Scan(&prior.ManifestHash, &prior.Mode, &prior.RunID, &prior.ExpiresAt, &prior.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// the prior entry vanished between insert and read; treat the key
		// as contended and let the client retry
		return Result{}, fmt.Errorf("entry for key %s disappeared mid-ensure", key)
	}
	if err != nil {
		return Result{}, fmt.Errorf("read prior entry: %w", err)
	}

	if prior.ManifestHash != manifestHash {
		return Result{Outcome: OutcomeConflict, Entry: prior}, nil
	}
	res := Result{Outcome: OutcomeReplay, Entry: prior}
	res.Snapshot = l.cachedSnapshot(ctx, environment, key)
	return res, nil
}

// BindRun stamps the run a new entry produced, completing the key→run
// mapping later replays report.
func (l *Ledger) BindRun(ctx context.Context, environment, key, runID string) error {
	_, err := l.db.Exec(ctx, `
		UPDATE idempotency_entries SET run_id = $4
		WHERE tenant = $1 AND environment = $2 AND key = $3`,
		l.tenant, environment, key, runID)
	if err != nil {
		return fmt.Errorf("bind run to key %s: %w", key, err)
	}
	return nil
}

// StoreSnapshot caches the response produced for a key so replays can answer
// byte-identical. Failures are swallowed: the cache is not the durability
// guarantee.
func (l *Ledger) StoreSnapshot(ctx context.Context, environment, key string, snap Snapshot, mode string) {
	if l.cache == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = l.cache.Set(ctx, snapshotKey(l.tenant, environment, key), string(raw), TTLFor(mode))
}

func (l *Ledger) cachedSnapshot(ctx context.Context, environment, key string) *Snapshot {
	if l.cache == nil {
		return nil
	}
	raw, err := l.cache.Get(ctx, snapshotKey(l.tenant, environment, key))
	if err != nil || raw == "" {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil
	}
	return &snap
}

func snapshotKey(tenant, environment, key string) string {
	return "seedidem:" + tenant + ":" + environment + ":" + key
}
