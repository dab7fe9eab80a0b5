package worm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"seedcore/pkg/models"
)

// DefaultMinRetentionDays is the floor for evidence retention.
const DefaultMinRetentionDays = 365

// DB is the subset of pgx the emitter needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EmitResult is the outcome of emitting evidence for a run.
type EmitResult struct {
	Skipped bool
	Record  models.EvidenceRecord
}

// Emitter produces the signed WORM completion proof for a run. Integrity is
// fail-closed: a report that cannot be read back byte-for-byte and verified
// is never treated as successful, even when the run itself succeeded.
type Emitter struct {
	signer  Signer
	storage Storage
	db      DB

	MinRetentionDays int
	// EnforceOnDryRun makes dry-run executions emit real evidence instead
	// of a side-effect-free skip.
	EnforceOnDryRun bool

	now func() time.Time
}

func NewEmitter(signer Signer, storage Storage, db DB) *Emitter {
	return &Emitter{
		signer:           signer,
		storage:          storage,
		db:               db,
		MinRetentionDays: DefaultMinRetentionDays,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a deterministic clock for tests.
func (e *Emitter) WithClock(now func() time.Time) *Emitter {
	if now != nil {
		e.now = now
	}
	return e
}

// Emit signs, stores and verifies the evidence report. The evidence row is
// persisted even when integrity or checklist verification fails, so the
// audit trail records the failure; only the retention check and dry-run skip
// leave no row behind. When the storage object already exists from an
// earlier attempt, Emit adopts it instead of failing, so a completion retry
// can still record evidence.
func (e *Emitter) Emit(ctx context.Context, report Report, dryRun bool) (EmitResult, *models.Problem, error) {
	if dryRun && !e.EnforceOnDryRun {
		return EmitResult{Skipped: true}, nil, nil
	}
	if report.RetentionDays < e.MinRetentionDays {
		return EmitResult{}, models.NewProblem(http.StatusUnprocessableEntity, models.ProblemEvidence,
			"retention_below_minimum",
			fmt.Sprintf("retention %d days is below the %d day minimum", report.RetentionDays, e.MinRetentionDays)), nil
	}

	canon, err := report.Canonical()
	if err != nil {
		return EmitResult{}, nil, err
	}
	digest := models.ContentDigest(canon)

	sig, err := e.signer.Sign(ctx, []byte(digest))
	if err != nil {
		return EmitResult{}, models.NewProblem(http.StatusServiceUnavailable, models.ProblemEvidence,
			"evidence_signing_unavailable", err.Error()), nil
	}

	key := fmt.Sprintf("evidence/%s/%s.json", report.Tenant, report.RunID)
	storageURL, err := e.storage.Put(ctx, key, canon)
	switch {
	case errors.Is(err, ErrAlreadyStored):
		// A prior attempt stored the object but the row was never recorded.
		// The write-once object wins: adopt its bytes, re-sign their digest
		// and carry on so the run can still get its evidence row.
		stored, getErr := e.storage.Get(ctx, key)
		if getErr != nil {
			return EmitResult{}, models.NewProblem(http.StatusServiceUnavailable, models.ProblemEvidence,
				"evidence_storage_unavailable", getErr.Error()), nil
		}
		if d := models.ContentDigest(stored); d != digest {
			digest = d
			if sig, err = e.signer.Sign(ctx, []byte(digest)); err != nil {
				return EmitResult{}, models.NewProblem(http.StatusServiceUnavailable, models.ProblemEvidence,
					"evidence_signing_unavailable", err.Error()), nil
			}
		}
	case err != nil:
		return EmitResult{}, models.NewProblem(http.StatusServiceUnavailable, models.ProblemEvidence,
			"evidence_storage_unavailable", err.Error()), nil
	}

	record := models.EvidenceRecord{
		EvidenceID:      uuid.NewString(),
		RunID:           report.RunID,
		Tenant:          report.Tenant,
		StorageURL:      storageURL,
		Digest:          digest,
		SignatureAlg:    sig.Alg,
		SignatureKid:    sig.Kid,
		KeyVersion:      sig.KeyVersion,
		Signature:       sig.Sig,
		RetentionDays:   report.RetentionDays,
		IntegrityStatus: models.EvidenceVerified,
		CreatedAt:       e.now(),
	}

	var integrityErr string
	stored, err := e.storage.Get(ctx, key)
	switch {
	case err != nil:
		integrityErr = fmt.Sprintf("re-retrieve failed: %v", err)
	case models.ContentDigest(stored) != digest:
		integrityErr = "stored bytes do not match the signed digest"
	default:
		if err := e.signer.Verify(ctx, []byte(digest), sig); err != nil {
			integrityErr = fmt.Sprintf("signature re-verification failed: %v", err)
		}
	}
	if integrityErr != "" {
		record.IntegrityStatus = models.EvidenceInvalid
	}

	if err := e.persist(ctx, record); err != nil {
		return EmitResult{}, nil, err
	}
	if integrityErr != "" {
		return EmitResult{Record: record}, models.NewProblem(http.StatusServiceUnavailable, models.ProblemEvidence,
			"evidence_integrity_failed", integrityErr), nil
	}
	if !ChecklistPassed(report.Checklist) {
		return EmitResult{Record: record}, models.NewProblem(http.StatusUnprocessableEntity, models.ProblemEvidence,
			"evidence_checklist_failed", failedControls(report.Checklist)), nil
	}
	return EmitResult{Record: record}, nil, nil
}

func (e *Emitter) persist(ctx context.Context, rec models.EvidenceRecord) error {
	_, err := e.db.Exec(ctx, `
		INSERT INTO evidence_records (
			evidence_id, run_id, tenant, storage_url, digest,
			signature_alg, signature_kid, key_version, signature,
			retention_days, integrity_status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.EvidenceID, rec.RunID, rec.Tenant, rec.StorageURL, rec.Digest,
		rec.SignatureAlg, rec.SignatureKid, rec.KeyVersion, rec.Signature,
		rec.RetentionDays, rec.IntegrityStatus, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("persist evidence for run %s: %w", rec.RunID, err)
	}
	return nil
}

func failedControls(items []ChecklistItem) string {
	out := ""
	for _, item := range items {
		if item.Passed {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += item.Control
	}
	return "failed controls: " + out
}
