package idempotency

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"seedcore/pkg/models"
	"seedcore/pkg/store"
)

type execCall struct {
	sql  string
	args []any
}

type fakeLedgerRow struct {
	vals []any
	err  error
}

func (r fakeLedgerRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		switch v := r.vals[i].(type) {
		case string:
			*(dest[i].(*string)) = v
		case time.Time:
			*(dest[i].(*time.Time)) = v
		}
	}
	return nil
}

type fakeLedgerDB struct {
	execs    []execCall
	execTags []pgconn.CommandTag
	row      fakeLedgerRow
}

func (f *fakeLedgerDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if len(f.execTags) == 0 {
		return pgconn.CommandTag{}, nil
	}
	tag := f.execTags[0]
	f.execTags = f.execTags[1:]
	return tag, nil
}

func (f *fakeLedgerDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

var ledgerNow = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func testLedger(db DB, cache store.Cache) *Ledger {
	return NewLedger("tenant-a", db, cache).WithClock(func() time.Time { return ledgerNow })
}

func TestEnsureNewEntry(t *testing.T) {
	db := &fakeLedgerDB{execTags: []pgconn.CommandTag{
		pgconn.NewCommandTag("DELETE 0"),
		pgconn.NewCommandTag("INSERT 0 1"),
	}}
	res, err := testLedger(db, nil).Ensure(context.Background(), "staging", "key-1", "hash-a", models.ModeBaseline)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if res.Outcome != OutcomeNew {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if !res.Entry.ExpiresAt.Equal(ledgerNow.Add(24 * time.Hour)) {
		t.Fatalf("ttl = %v, want 24h", res.Entry.ExpiresAt.Sub(ledgerNow))
	}
	if !strings.Contains(db.execs[0].sql, "DELETE FROM idempotency_entries") {
		t.Fatal("expired entries must be purged before insert")
	}
	if !strings.Contains(db.execs[1].sql, "ON CONFLICT (tenant, environment, key) DO NOTHING") {
		t.Fatal("insert must be first-writer-wins")
	}
}

func TestEnsureLoadModeTTL(t *testing.T) {
	db := &fakeLedgerDB{execTags: []pgconn.CommandTag{
		pgconn.NewCommandTag("DELETE 0"),
		pgconn.NewCommandTag("INSERT 0 1"),
	}}
	res, err := testLedger(db, nil).Ensure(context.Background(), "staging", "key-1", "hash-a", models.ModeCarga)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !res.Entry.ExpiresAt.Equal(ledgerNow.Add(6 * time.Hour)) {
		t.Fatalf("ttl = %v, want 6h for load modes", res.Entry.ExpiresAt.Sub(ledgerNow))
	}
}

func priorRow(hash string) fakeLedgerRow {
	return fakeLedgerRow{vals: []any{hash, models.ModeBaseline, "run-1", ledgerNow.Add(time.Hour), ledgerNow.Add(-time.Hour)}}
}

func TestEnsureReplaySameHash(t *testing.T) {
	db := &fakeLedgerDB{
		execTags: []pgconn.CommandTag{
			pgconn.NewCommandTag("DELETE 0"),
			pgconn.NewCommandTag("INSERT 0 0"),
		},
		row: priorRow("hash-a"),
	}
	res, err := testLedger(db, nil).Ensure(context.Background(), "staging", "key-1", "hash-a", models.ModeBaseline)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if res.Outcome != OutcomeReplay {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Entry.RunID != "run-1" {
		t.Fatalf("run id = %s", res.Entry.RunID)
	}
}

func TestEnsureConflictDifferentHash(t *testing.T) {
	db := &fakeLedgerDB{
		execTags: []pgconn.CommandTag{
			pgconn.NewCommandTag("DELETE 0"),
			pgconn.NewCommandTag("INSERT 0 0"),
		},
		row: priorRow("hash-a"),
	}
	res, err := testLedger(db, nil).Ensure(context.Background(), "staging", "key-1", "hash-b", models.ModeBaseline)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if res.Outcome != OutcomeConflict {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Entry.ManifestHash != "hash-a" {
		t.Fatal("conflict must report the hash the first writer established")
	}
}

func TestEnsureReplayReturnsCachedSnapshot(t *testing.T) {
	cache := store.NewMemoryCache()
	db := &fakeLedgerDB{
		execTags: []pgconn.CommandTag{
			pgconn.NewCommandTag("DELETE 0"),
			pgconn.NewCommandTag("INSERT 0 0"),
		},
		row: priorRow("hash-a"),
	}
	ledger := testLedger(db, cache)
	ledger.StoreSnapshot(context.Background(), "staging", "key-1", Snapshot{
		Status: 201,
		Body:   json.RawMessage(`{"run_id":"run-1"}`),
	}, models.ModeBaseline)

	res, err := ledger.Ensure(context.Background(), "staging", "key-1", "hash-a", models.ModeBaseline)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if res.Snapshot == nil || res.Snapshot.Status != 201 {
		t.Fatalf("snapshot = %+v", res.Snapshot)
	}
	if string(res.Snapshot.Body) != `{"run_id":"run-1"}` {
		t.Fatalf("body = %s", res.Snapshot.Body)
	}
}

func TestEnsureReplayWithoutCacheIsStillReplay(t *testing.T) {
	db := &fakeLedgerDB{
		execTags: []pgconn.CommandTag{
			pgconn.NewCommandTag("DELETE 0"),
			pgconn.NewCommandTag("INSERT 0 0"),
		},
		row: priorRow("hash-a"),
	}
	res, err := testLedger(db, nil).Ensure(context.Background(), "staging", "key-1", "hash-a", models.ModeBaseline)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if res.Outcome != OutcomeReplay || res.Snapshot != nil {
		t.Fatalf("outcome=%s snapshot=%v", res.Outcome, res.Snapshot)
	}
}

func TestBindRun(t *testing.T) {
	db := &fakeLedgerDB{}
	if err := testLedger(db, nil).BindRun(context.Background(), "staging", "key-1", "run-9"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0].sql, "UPDATE idempotency_entries SET run_id") {
		t.Fatalf("unexpected execs: %+v", db.execs)
	}
	if db.execs[0].args[3] != "run-9" {
		t.Fatalf("args = %v", db.execs[0].args)
	}
}

func TestTTLFor(t *testing.T) {
	if TTLFor(models.ModeBaseline) != 24*time.Hour || TTLFor(models.ModeCanary) != 24*time.Hour {
		t.Fatal("non-load modes keep 24h entries")
	}
	if TTLFor(models.ModeCarga) != 6*time.Hour || TTLFor(models.ModeDR) != 6*time.Hour {
		t.Fatal("load modes keep 6h entries")
	}
}
