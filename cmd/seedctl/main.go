package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"seedcore/pkg/manifest"
	"seedcore/pkg/models"
	"seedcore/pkg/telemetry"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	code, err := run(os.Args[1:], os.Stdout)
	if err != nil {
		log.Print(err)
	}
	if code != 0 {
		osExit(code)
	}
}

// run dispatches a subcommand and returns its process exit code. Codes
// follow the operator contract: 0 success, 2 validation/conflict/governance
// rejection, 3 global capacity exhausted, 5 queue busy (retry later),
// 1 anything else.
func run(args []string, out io.Writer) (int, error) {
	if len(args) == 0 {
		usage(out)
		return 1, errors.New("command required")
	}
	switch args[0] {
	case "run":
		return runSeed(args[1:], out)
	case "hash-manifest":
		return hashManifest(args[1:], out)
	case "verify-evidence":
		return verifyEvidence(args[1:], out)
	default:
		usage(out)
		return 1, fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "seedctl commands:")
	fmt.Fprintln(out, "  run --tenant t --environment staging --manifest manifest.json [--mode baseline] [--dry-run]")
	fmt.Fprintln(out, "  hash-manifest --manifest manifest.json")
	fmt.Fprintln(out, "  verify-evidence --report report.json --record record.json [--public public.key]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func exitCodeFor(p *models.Problem) int {
	switch p.Type {
	case models.ProblemBusy:
		return 5
	case models.ProblemCapacity:
		return 3
	case models.ProblemValidation, models.ProblemConflict, models.ProblemGovernance:
		return 2
	default:
		return 1
	}
}

func runSeed(args []string, out io.Writer) (int, error) {
	fs := newFlagSet("run")
	tenant := fs.String("tenant", "", "tenant id")
	environment := fs.String("environment", "", "target environment")
	mode := fs.String("mode", "", "expected manifest mode (optional cross-check)")
	manifestPath := fs.String("manifest", "", "manifest json path")
	dryRun := fs.Bool("dry-run", false, "plan without executing")
	gateway := fs.String("gateway", envDefault("SEEDCTL_GATEWAY", "http://localhost:8080"), "gateway base URL")
	subject := fs.String("subject", os.Getenv("SEED_SUBJECT"), "acting subject")
	idemKey := fs.String("idempotency-key", "", "idempotency key (generated when empty)")
	timeoutSec := fs.Int("timeout", 30, "request timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return 1, err
	}
	if *tenant == "" || *environment == "" || *manifestPath == "" {
		return 2, errors.New("tenant, environment, manifest required")
	}

	raw, err := os.ReadFile(*manifestPath) // #nosec G304 -- operator-supplied path
	if err != nil {
		return 1, fmt.Errorf("read manifest: %w", err)
	}
	result, err := manifest.Validate(raw, *environment)
	if err != nil {
		return 1, fmt.Errorf("validate manifest: %w", err)
	}
	if !result.Valid {
		for _, v := range result.Violations {
			fmt.Fprintf(out, "violation %s: %s\n", v.Field, v.Message)
		}
		return 2, errors.New("manifest failed validation")
	}
	parsed, err := manifest.Parse(raw)
	if err != nil {
		return 1, err
	}
	if *mode != "" && parsed.Mode != *mode {
		return 2, fmt.Errorf("manifest mode %q does not match --mode %q", parsed.Mode, *mode)
	}
	key := *idemKey
	if key == "" {
		key = uuid.NewString()
	}

	body, err := json.Marshal(map[string]any{
		"manifest": json.RawMessage(raw),
		"dry_run":  *dryRun,
	})
	if err != nil {
		return 1, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutSec)*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(*gateway, "/")+"/v1/runs", bytes.NewReader(body))
	if err != nil {
		return 1, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", *tenant)
	req.Header.Set("X-Environment", *environment)
	req.Header.Set("X-Seed-Subject", *subject)
	req.Header.Set("Idempotency-Key", key)

	client := telemetry.InstrumentClient(&http.Client{Timeout: time.Duration(*timeoutSec) * time.Second})
	resp, err := client.Do(req)
	if err != nil {
		return 1, fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 1, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var p models.Problem
		if err := json.Unmarshal(respBody, &p); err != nil || p.Title == "" {
			return 1, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		if p.RetryAfterSec > 0 {
			fmt.Fprintf(out, "retry after %d seconds\n", p.RetryAfterSec)
		}
		return exitCodeFor(&p), fmt.Errorf("run rejected: %s", p.Error())
	}

	fmt.Fprintf(out, "idempotency key: %s\n", key)
	if _, err := out.Write(append(bytes.TrimSpace(respBody), '\n')); err != nil {
		return 1, err
	}
	return 0, nil
}

func hashManifest(args []string, out io.Writer) (int, error) {
	fs := newFlagSet("hash-manifest")
	manifestPath := fs.String("manifest", "", "manifest json path")
	if err := fs.Parse(args); err != nil {
		return 1, err
	}
	if *manifestPath == "" {
		return 2, errors.New("manifest required")
	}
	raw, err := os.ReadFile(*manifestPath) // #nosec G304 -- operator-supplied path
	if err != nil {
		return 1, fmt.Errorf("read manifest: %w", err)
	}
	parsed, err := manifest.Parse(raw)
	if err != nil {
		return 2, err
	}
	fmt.Fprintln(out, parsed.Hash)
	return 0, nil
}

// verifyEvidence re-derives the digest of a stored report and checks it
// against the recorded evidence row, optionally re-verifying the Ed25519
// signature when a public key is supplied. Vault-signed records can only be
// digest-checked offline.
func verifyEvidence(args []string, out io.Writer) (int, error) {
	fs := newFlagSet("verify-evidence")
	reportPath := fs.String("report", "", "stored evidence report json")
	recordPath := fs.String("record", "", "evidence record json")
	publicPath := fs.String("public", "", "base64 ed25519 public key path")
	if err := fs.Parse(args); err != nil {
		return 1, err
	}
	if *reportPath == "" || *recordPath == "" {
		return 2, errors.New("report and record required")
	}

	reportRaw, err := os.ReadFile(*reportPath) // #nosec G304 -- operator-supplied path
	if err != nil {
		return 1, fmt.Errorf("read report: %w", err)
	}
	canon, err := models.CanonicalizeJSON(reportRaw)
	if err != nil {
		return 1, fmt.Errorf("canonicalize report: %w", err)
	}
	digest := models.ContentDigest(canon)

	recordRaw, err := os.ReadFile(*recordPath) // #nosec G304 -- operator-supplied path
	if err != nil {
		return 1, fmt.Errorf("read record: %w", err)
	}
	var record models.EvidenceRecord
	if err := json.Unmarshal(recordRaw, &record); err != nil {
		return 1, fmt.Errorf("decode record: %w", err)
	}
	if record.Digest != digest {
		return 1, fmt.Errorf("digest mismatch: report hashes to %s, record says %s", digest, record.Digest)
	}

	if *publicPath != "" {
		if record.SignatureAlg != "ed25519" {
			return 1, fmt.Errorf("cannot verify %s signature with a local public key", record.SignatureAlg)
		}
		pubRaw, err := os.ReadFile(*publicPath) // #nosec G304 -- operator-supplied path
		if err != nil {
			return 1, fmt.Errorf("read public key: %w", err)
		}
		pubBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(pubRaw)))
		if err != nil {
			return 1, fmt.Errorf("decode public key: %w", err)
		}
		if len(pubBytes) != ed25519.PublicKeySize {
			return 1, fmt.Errorf("decode public key: invalid size %d", len(pubBytes))
		}
		sig, err := base64.StdEncoding.DecodeString(record.Signature)
		if err != nil {
			return 1, fmt.Errorf("decode signature: %w", err)
		}
		if !ed25519.Verify(ed25519.PublicKey(pubBytes), []byte(digest), sig) {
			return 1, errors.New("signature verification failed")
		}
		fmt.Fprintf(out, "evidence verified: %s (signature ok)\n", digest)
		return 0, nil
	}
	fmt.Fprintf(out, "evidence verified: %s (digest only, no public key supplied)\n", digest)
	return 0, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
