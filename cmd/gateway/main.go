package main

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"seedcore/pkg/admission"
	"seedcore/pkg/dispatch"
	"seedcore/pkg/governor"
	"seedcore/pkg/hardening"
	"seedcore/pkg/httpx"
	"seedcore/pkg/idempotency"
	"seedcore/pkg/manifest"
	"seedcore/pkg/metrics"
	"seedcore/pkg/models"
	"seedcore/pkg/orchestrator"
	"seedcore/pkg/preflight"
	"seedcore/pkg/ratelimit"
	"seedcore/pkg/retryplan"
	"seedcore/pkg/runfsm"
	"seedcore/pkg/slo"
	"seedcore/pkg/store"
	"seedcore/pkg/stream"
	"seedcore/pkg/telemetry"
	"seedcore/pkg/worm"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Request headers the control plane reads on every call.
const (
	headerTenant         = "X-Tenant-ID"
	headerEnvironment    = "X-Environment"
	headerSubject        = "X-Seed-Subject"
	headerIdempotencyKey = "Idempotency-Key"
)

type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Redis               *redis.Client
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Orchestrator        *orchestrator.Orchestrator
	Preflight           *preflight.Gate
	Admission           *admission.Queue
	Governor            *governor.Governor
	SLO                 *slo.Gate
	Evidence            *worm.Emitter
	Publisher           dispatch.Publisher
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	EvidenceRetention   int
	AllowLocalManifest  bool
	MaxRequestBodyBytes int64

	now func() time.Time
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	vaultAddr := env("VAULT_ADDR", "")
	vaultToken := env("VAULT_TOKEN", "")
	vaultKey := env("VAULT_TRANSIT_KEY", "")
	wormStorageURL := env("WORM_STORAGE_URL", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		WormStorageURL:        wormStorageURL,
		VaultAddr:             vaultAddr,
		VaultToken:            vaultToken,
		VaultKeyName:          vaultKey,
	}); err != nil {
		return err
	}

	model, err := governor.LoadCostModel(env("COST_MODEL_PATH", "configs/cost_model.json"))
	if err != nil {
		return fmt.Errorf("cost model: %w", err)
	}
	gov := governor.New(model)

	planner := retryplan.New()
	queue := admission.NewQueue()
	orch := orchestrator.New(pool, gov, queue, planner)

	environments := splitCSV(env("SEED_ENVIRONMENTS", "dev,staging,perf,dr"))
	gate := preflight.NewGate(pool, environments)
	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000))})
	if vaultAddr != "" {
		gate.RegisterProbe("vault_transit", preflight.VaultTransitProbe(httpClient, vaultAddr, vaultToken, env("VAULT_TRANSIT_MOUNT", "transit")))
	}
	if wormStorageURL != "" {
		gate.RegisterProbe("worm_storage", preflight.WormStorageProbe(wormStorageURL, env("WORM_ACCESS_KEY", "")))
	}

	var signer worm.Signer
	if vaultAddr != "" && vaultKey != "" {
		signer = worm.VaultTransitSigner{
			Client:     httpClient,
			Addr:       vaultAddr,
			Token:      vaultToken,
			Namespace:  env("VAULT_NAMESPACE", ""),
			Transit:    env("VAULT_TRANSIT_MOUNT", "transit"),
			KeyName:    vaultKey,
			Timeout:    time.Millisecond * time.Duration(envInt("VAULT_SIGN_TIMEOUT_MS", 1500)),
			MaxRetries: envInt("VAULT_SIGN_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("VAULT_SIGN_RETRY_DELAY_MS", 100)),
		}
	} else {
		local, err := localSignerFromEnv()
		if err != nil {
			return err
		}
		signer = local
	}
	var evidenceStorage worm.Storage
	if dir := env("EVIDENCE_DIR", ""); dir != "" {
		evidenceStorage = worm.NewDirStorage(dir)
	} else {
		evidenceStorage = worm.NewMemoryStorage()
	}
	emitter := worm.NewEmitter(signer, evidenceStorage, pool)
	emitter.MinRetentionDays = envInt("EVIDENCE_MIN_RETENTION_DAYS", 365)
	emitter.EnforceOnDryRun = env("EVIDENCE_ENFORCE_ON_DRY_RUN", "false") == "true"

	var publisher dispatch.Publisher
	if brokers := splitCSV(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		kp, err := dispatch.NewKafkaPublisher(dispatch.KafkaConfig{Brokers: brokers})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer kp.Close()
		publisher = kp
	} else {
		log.Printf("kafka brokers not configured, retry routing uses the in-process publisher")
		publisher = dispatch.NewMemoryPublisher()
	}

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	var limiter ratelimit.Limiter
	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	if rateLimitEnabled {
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			limiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Redis:               redisClient,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Orchestrator:        orch,
		Preflight:           gate,
		Admission:           queue,
		Governor:            gov,
		SLO:                 slo.NewGate(pool),
		Evidence:            emitter,
		Publisher:           publisher,
		RateLimiter:         limiter,
		RateLimitEnabled:    rateLimitEnabled,
		EvidenceRetention:   envInt("EVIDENCE_RETENTION_DAYS", 365),
		AllowLocalManifest:  env("ALLOW_LOCAL_MANIFEST_PATH", "false") == "true",
		MaxRequestBodyBytes: maxBody,
		now:                 func() time.Time { return time.Now().UTC() },
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Post("/v1/runs", s.handleCreateRun)
	r.Get("/v1/runs", s.handleListRuns)
	r.Get("/v1/runs/{run_id}", s.handleGetRun)
	r.Post("/v1/runs/{run_id}/cancel", s.handleCancelRun)
	r.Post("/v1/runs/{run_id}/complete", s.handleCompleteRun)
	r.Post("/v1/runs/{run_id}/slo", s.handleRunSLO)
	r.Get("/v1/runs/{run_id}/evidence", s.handleGetEvidence)
	r.Post("/v1/batches/{batch_id}/retry", s.handleRetryBatch)
	r.Get("/v1/stream", s.streamEvents)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func localSignerFromEnv() (*worm.LocalSigner, error) {
	kid := env("EVIDENCE_SIGNING_KID", "seed-evidence-local")
	seed := strings.TrimSpace(env("EVIDENCE_SIGNING_SEED", ""))
	if seed == "" {
		// Ephemeral key: evidence from this process verifies only while
		// the process lives. Acceptable for dev, rejected by hardening
		// in production-like environments via the Vault requirement.
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		return worm.NewLocalSigner(kid, priv), nil
	}
	sum := sha256.Sum256([]byte(seed))
	return worm.NewLocalSigner(kid, ed25519.NewKeyFromSeed(sum[:])), nil
}

type requestScope struct {
	Tenant      string
	Environment string
	Subject     string
}

// scope extracts and preflight-authorizes the caller. A nil problem means
// the caller may proceed.
func (s *Server) scope(r *http.Request, action string) (requestScope, *models.Problem) {
	sc := requestScope{
		Tenant:      strings.TrimSpace(r.Header.Get(headerTenant)),
		Environment: strings.TrimSpace(r.Header.Get(headerEnvironment)),
		Subject:     strings.TrimSpace(r.Header.Get(headerSubject)),
	}
	if sc.Tenant == "" {
		return sc, models.NewProblem(http.StatusBadRequest, models.ProblemValidation,
			"tenant_required", headerTenant+" header is required")
	}
	if sc.Environment == "" {
		return sc, models.NewProblem(http.StatusBadRequest, models.ProblemValidation,
			"environment_required", headerEnvironment+" header is required")
	}
	binding, problem, err := s.Preflight.Authorize(r.Context(), sc.Tenant, sc.Environment, sc.Subject, action)
	if err != nil {
		return sc, models.NewProblem(http.StatusInternalServerError, models.ProblemInternal,
			"preflight_failed", err.Error())
	}
	if problem != nil {
		s.Metrics.IncGateRejection("preflight", problem.Title)
		return sc, problem
	}
	_ = binding
	return sc, nil
}

type createRunRequest struct {
	Manifest     json.RawMessage `json:"manifest"`
	ManifestPath string          `json:"manifest_path,omitempty"`
	DryRun       bool            `json:"dry_run,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	sc, problem := s.scope(r, preflight.ActionCreateRun)
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req createRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteProblem(w, models.NewProblem(http.StatusBadRequest, models.ProblemValidation,
			"invalid_json", err.Error()))
		return
	}
	if len(req.Manifest) == 0 {
		httpx.WriteProblem(w, models.NewProblem(http.StatusBadRequest, models.ProblemValidation,
			"manifest_required", "request body carries no manifest document"))
		return
	}

	result, err := manifest.Validate(req.Manifest, sc.Environment)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if !result.Valid {
		s.Metrics.IncGateRejection("manifest", "schema_violation")
		p := models.NewProblem(http.StatusUnprocessableEntity, models.ProblemValidation,
			"manifest_invalid", violationSummary(result.Violations))
		httpx.WriteProblem(w, p)
		return
	}
	m, err := manifest.Parse(req.Manifest)
	if err != nil {
		httpx.WriteProblem(w, models.NewProblem(http.StatusUnprocessableEntity, models.ProblemValidation,
			"manifest_unparseable", err.Error()))
		return
	}

	if blocked := s.applyRateLimit(w, sc, m); blocked {
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if idemKey == "" {
		httpx.WriteProblem(w, models.NewProblem(http.StatusBadRequest, models.ProblemValidation,
			"idempotency_key_required", headerIdempotencyKey+" header is required"))
		return
	}
	ledger := idempotency.NewLedger(sc.Tenant, s.DB, s.Cache)
	idem, err := ledger.Ensure(r.Context(), sc.Environment, idemKey, m.Hash, m.Mode)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	s.Metrics.IncIdempotency(idem.Outcome)
	switch idem.Outcome {
	case idempotency.OutcomeConflict:
		httpx.WriteProblem(w, models.NewProblem(http.StatusConflict, models.ProblemConflict,
			"idempotency_conflict",
			"key already bound to a different manifest hash"))
		return
	case idempotency.OutcomeReplay:
		if idem.Snapshot != nil {
			for k, v := range idem.Snapshot.Headers {
				w.Header().Set(k, v)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(idem.Snapshot.Body)
			s.publish(stream.EventRunReplayed, sc.Tenant, map[string]string{"run_id": idem.Entry.RunID})
			return
		}
		// No cached snapshot: fall through and let the orchestrator land
		// on the existing run via its uniqueness constraint.
	}

	lease, problem, err := s.Admission.Enqueue(r.Context(), s.DB, sc.Tenant, sc.Environment, m.Mode)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if problem != nil {
		s.Metrics.IncAdmission(problem.Type)
		httpx.WriteProblem(w, problem)
		return
	}
	s.Metrics.IncAdmission("granted")

	// The lease is only consumed when a new run claims it in the creation
	// transaction. Every other outcome must hand the slot back instead of
	// letting it block the environment until the TTL sweep.
	claimed := false
	defer func() {
		if claimed {
			return
		}
		if err := s.Admission.Release(r.Context(), s.DB, lease.LeaseID); err != nil {
			log.Printf("release lease %s: %v", lease.LeaseID, err)
		}
	}()

	res, problem, err := s.Orchestrator.CreateSeedRun(r.Context(), orchestrator.CreateRunRequest{
		Tenant:         sc.Tenant,
		Environment:    sc.Environment,
		Manifest:       m,
		ManifestPath:   req.ManifestPath,
		IdempotencyKey: idemKey,
		DryRun:         req.DryRun,
		LeaseID:        lease.LeaseID,
		AllowLocalPath: s.AllowLocalManifest,
	})
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if problem != nil {
		s.Metrics.IncGateRejection("orchestrator", problem.Title)
		httpx.WriteProblem(w, problem)
		return
	}

	status := http.StatusOK
	eventType := stream.EventRunReplayed
	if res.Created {
		status = http.StatusCreated
		eventType = stream.EventRunCreated
		claimed = true
		if err := ledger.BindRun(r.Context(), sc.Environment, idemKey, res.Run.RunID); err != nil {
			s.writeInternal(w, err)
			return
		}
	}
	s.Metrics.IncRunStatus(res.Run.Status)
	s.publish(eventType, sc.Tenant, map[string]string{
		"run_id": res.Run.RunID,
		"status": res.Run.Status,
		"mode":   res.Run.Mode,
	})

	payload, err := json.Marshal(res)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if res.Created {
		ledger.StoreSnapshot(r.Context(), sc.Environment, idemKey,
			idempotency.Snapshot{Status: status, Body: payload}, m.Mode)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// applyRateLimit enforces the manifest's effective rate limit and stamps the
// X-RateLimit-* headers. Returns true when the request was rejected.
func (s *Server) applyRateLimit(w http.ResponseWriter, sc requestScope, m *manifest.Manifest) bool {
	if !s.RateLimitEnabled || s.RateLimiter == nil {
		return false
	}
	limit, _ := m.EffectiveRateLimit()
	decision := s.RateLimiter.Allow(ratelimit.Key(sc.Tenant, sc.Environment), limit)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	if decision.Allowed {
		return false
	}
	retryAfter := int(time.Until(decision.ResetAt).Seconds())
	s.Metrics.IncGateRejection("rate_limit", "window_exhausted")
	httpx.WriteProblem(w, models.NewRetryableProblem(http.StatusTooManyRequests, models.ProblemBusy,
		"rate_limited",
		fmt.Sprintf("tenant %s exhausted %d requests in the current window", sc.Tenant, decision.Limit),
		retryAfter))
	return true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	sc, problem := s.scope(r, preflight.ActionReadRun)
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	runID := chi.URLParam(r, "run_id")
	run, problem, err := s.Orchestrator.GetRun(r.Context(), sc.Tenant, runID)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	etag := httpx.RunETag(run.RunID, run.Status, run.ManifestHash, run.UpdatedAt)
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && httpx.ETagMatch(match, etag, true) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	batches, err := s.Orchestrator.ListBatches(r.Context(), sc.Tenant, runID)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"run": run, "batches": batches})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	sc, problem := s.scope(r, preflight.ActionReadRun)
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	runs, err := s.Orchestrator.ListRuns(r.Context(), sc.Tenant, r.URL.Query().Get("status"))
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	sc, problem := s.scope(r, preflight.ActionCancelRun)
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	runID := chi.URLParam(r, "run_id")
	match := strings.TrimSpace(r.Header.Get("If-Match"))
	if match == "" {
		httpx.WriteProblem(w, models.NewProblem(http.StatusPreconditionRequired, models.ProblemValidation,
			"if_match_required", "cancel requires the current run ETag in If-Match"))
		return
	}
	run, problem, err := s.Orchestrator.GetRun(r.Context(), sc.Tenant, runID)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	etag := httpx.RunETag(run.RunID, run.Status, run.ManifestHash, run.UpdatedAt)
	if !httpx.ETagMatch(match, etag, false) {
		httpx.WriteProblem(w, models.NewProblem(http.StatusPreconditionFailed, models.ProblemConflict,
			"etag_mismatch", "run changed since the caller last read it"))
		return
	}
	canceled, problem, err := s.Orchestrator.CancelRun(r.Context(), sc.Tenant, runID, sc.Subject)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	s.Metrics.IncRunStatus(canceled.Status)
	s.publish(stream.EventRunCanceled, sc.Tenant, map[string]string{"run_id": canceled.RunID, "status": canceled.Status})
	w.Header().Set("ETag", httpx.RunETag(canceled.RunID, canceled.Status, canceled.ManifestHash, canceled.UpdatedAt))
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"run": canceled})
}

type completeRunRequest struct {
	Status           string            `json:"status"`
	CostActualBRL    json.Number       `json:"cost_actual_brl,omitempty"`
	ChecklistResults map[string]bool   `json:"checklist_results"`
	ChecklistDetails map[string]string `json:"checklist_details,omitempty"`
	RetentionDays    int               `json:"retention_days,omitempty"`
}

// handleCompleteRun is the worker-facing terminal transition: it moves the
// run to its final status, releases the admission lease and emits the signed
// completion evidence.
func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	sc, problem := s.scope(r, preflight.ActionCreateRun)
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	runID := chi.URLParam(r, "run_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req completeRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteProblem(w, models.NewProblem(http.StatusBadRequest, models.ProblemValidation,
			"invalid_json", err.Error()))
		return
	}
	if req.Status != runfsm.RunSucceeded && req.Status != runfsm.RunFailed {
		httpx.WriteProblem(w, models.NewProblem(http.StatusBadRequest, models.ProblemValidation,
			"invalid_status", "completion status must be SUCCEEDED or FAILED"))
		return
	}

	run, problem, err := s.Orchestrator.GetRun(r.Context(), sc.Tenant, runID)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	if runfsm.IsTerminalRun(run.Status) {
		_, evProblem, err := s.Orchestrator.GetEvidence(r.Context(), sc.Tenant, runID)
		if err != nil {
			s.writeInternal(w, err)
			return
		}
		if evProblem != nil && req.Status == run.Status {
			// The run finished but a prior completion never landed its
			// evidence row. Retry just the emit; the run itself is settled.
			s.emitCompletion(w, r, sc, run, req)
			return
		}
		httpx.WriteProblem(w, models.NewProblem(http.StatusConflict, models.ProblemConflict,
			"run_already_finished", fmt.Sprintf("run is %s", run.Status)))
		return
	}
	from := run.Status
	if from == runfsm.RunQueued && req.Status == runfsm.RunSucceeded {
		// A queued run must pass through RUNNING before it can succeed;
		// the worker reports the transition it actually made.
		from = runfsm.RunRunning
	}
	if _, err := runfsm.TransitionRun(from, req.Status); err != nil {
		httpx.WriteProblem(w, models.NewProblem(http.StatusConflict, models.ProblemConflict,
			"invalid_transition", err.Error()))
		return
	}

	now := s.now()
	tag, err := s.DB.Exec(r.Context(), `
		UPDATE seed_runs SET status = $2, finished_at = $3, updated_at = $3
		WHERE tenant = $1 AND run_id = $4
		  AND status NOT IN ($5, $6, $7, $8)`,
		sc.Tenant, req.Status, now, runID,
		runfsm.RunSucceeded, runfsm.RunFailed, runfsm.RunAborted, runfsm.RunBlocked)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if tag.RowsAffected() == 0 {
		// Lost the race against a cancel or another completion.
		httpx.WriteProblem(w, models.NewProblem(http.StatusConflict, models.ProblemConflict,
			"run_already_finished", "run reached a terminal status concurrently"))
		return
	}
	run.Status = req.Status
	run.FinishedAt = &now
	run.UpdatedAt = now
	if _, err := s.Admission.ReleaseForRun(r.Context(), s.DB, runID); err != nil {
		s.writeInternal(w, err)
		return
	}
	s.Metrics.IncRunStatus(req.Status)
	s.emitCompletion(w, r, sc, run, req)
}

// emitCompletion builds and emits the signed completion evidence for a run
// that has already reached its terminal status.
func (s *Server) emitCompletion(w http.ResponseWriter, r *http.Request, sc requestScope, run models.SeedRun, req completeRunRequest) {
	capStr, estStr := "0", "0"
	var budgetPct float64
	err := s.DB.QueryRow(r.Context(), `
		SELECT cost_cap_brl::text, cost_estimated_brl::text, error_budget_pct
		FROM budget_rate_limits WHERE tenant = $1 AND profile_id = $2`,
		sc.Tenant, run.ProfileID).Scan(&capStr, &estStr, &budgetPct)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		s.writeInternal(w, err)
		return
	}

	retention := req.RetentionDays
	if retention == 0 {
		retention = s.EvidenceRetention
	}
	actual := req.CostActualBRL
	if actual == "" {
		actual = "0"
	}
	report := worm.Report{
		RunID:              run.RunID,
		Tenant:             run.Tenant,
		Environment:        run.Environment,
		Mode:               run.Mode,
		ProfileID:          run.ProfileID,
		ManifestHash:       run.ManifestHash,
		RunStatus:          run.Status,
		CostCapBRL:         json.Number(capStr),
		CostEstimatedBRL:   json.Number(estStr),
		CostActualBRL:      actual,
		ErrorBudgetUsedPct: run.ErrorBudgetUsedPct,
		RateLimitUsage:     run.RateLimitUsage,
		Checklist:          worm.BuildChecklist(req.ChecklistResults, req.ChecklistDetails),
		RetentionDays:      retention,
		GeneratedAt:        s.now().Format(time.RFC3339),
	}
	signStart := time.Now()
	emit, problem, err := s.Evidence.Emit(r.Context(), report, run.DryRun)
	s.Metrics.ObserveSignLatency(time.Since(signStart))
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if problem != nil {
		s.Metrics.IncEvidence("failed")
		if emit.Record.EvidenceID != "" {
			s.publish(stream.EventEvidenceInvalid, sc.Tenant, map[string]string{
				"run_id":      run.RunID,
				"evidence_id": emit.Record.EvidenceID,
				"reason":      problem.Title,
			})
		}
		httpx.WriteProblem(w, problem)
		return
	}
	if emit.Skipped {
		s.Metrics.IncEvidence("skipped")
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"run": run, "evidence_skipped": true})
		return
	}
	s.Metrics.IncEvidence("stored")
	s.publish(stream.EventEvidenceStored, sc.Tenant, map[string]string{
		"run_id":      run.RunID,
		"evidence_id": emit.Record.EvidenceID,
		"digest":      emit.Record.Digest,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"run": run, "evidence": emit.Record})
}

func (s *Server) handleRunSLO(w http.ResponseWriter, r *http.Request) {
	sc, problem := s.scope(r, preflight.ActionCreateRun)
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	runID := chi.URLParam(r, "run_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var live slo.LiveMetrics
	if err := json.Unmarshal(body, &live); err != nil {
		httpx.WriteProblem(w, models.NewProblem(http.StatusBadRequest, models.ProblemValidation,
			"invalid_json", err.Error()))
		return
	}
	sloCtx, problem, err := s.Orchestrator.LoadRunSLO(r.Context(), sc.Tenant, runID)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	if problem, err := s.SLO.CheckRPORTO(r.Context(), sloCtx.Run, sloCtx.Targets, sloCtx.LastCheckpointAt); err != nil {
		s.writeInternal(w, err)
		return
	} else if problem != nil {
		s.Metrics.IncRunStatus(runfsm.RunBlocked)
		s.Metrics.IncGateRejection("slo", problem.Title)
		s.publish(stream.EventRunBlocked, sc.Tenant, map[string]string{"run_id": runID, "reason": problem.Detail})
		httpx.WriteProblem(w, problem)
		return
	}
	if problem, err := s.SLO.CheckRuntime(r.Context(), sloCtx.Run, sloCtx.Targets, sloCtx.ErrorBudgetPct, live); err != nil {
		s.writeInternal(w, err)
		return
	} else if problem != nil {
		s.Metrics.IncRunStatus(runfsm.RunAborted)
		s.Metrics.IncGateRejection("slo", problem.Title)
		s.publish(stream.EventRunAborted, sc.Tenant, map[string]string{"run_id": runID, "reason": problem.Detail})
		httpx.WriteProblem(w, problem)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "run_id": runID})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	sc, problem := s.scope(r, preflight.ActionReadRun)
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	rec, problem, err := s.Orchestrator.GetEvidence(r.Context(), sc.Tenant, chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"evidence": rec})
}

type retryBatchRequest struct {
	StatusCode int `json:"status_code"`
}

func (s *Server) handleRetryBatch(w http.ResponseWriter, r *http.Request) {
	sc, problem := s.scope(r, preflight.ActionRetryBatch)
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	batchID := chi.URLParam(r, "batch_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req retryBatchRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteProblem(w, models.NewProblem(http.StatusBadRequest, models.ProblemValidation,
				"invalid_json", err.Error()))
			return
		}
	}
	plan, problem, err := s.Orchestrator.RetryBatch(r.Context(), sc.Tenant, batchID, req.StatusCode)
	if err != nil {
		s.writeInternal(w, err)
		return
	}
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	if err := dispatch.PublishPlan(r.Context(), s.Publisher, plan); err != nil {
		s.writeInternal(w, err)
		return
	}
	s.Metrics.IncRetryQueue(plan.Queue)
	eventType := stream.EventBatchRetry
	if plan.Action == retryplan.ActionDLQ {
		eventType = stream.EventBatchDLQ
	}
	s.publish(eventType, sc.Tenant, map[string]string{
		"batch_id": batchID,
		"queue":    plan.Queue,
		"reason":   plan.Reason,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"plan": plan})
}

func (s *Server) publish(eventType, tenant string, data interface{}) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(stream.NewEvent(eventType, tenant, data))
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sc, problem := s.scope(r, preflight.ActionReadRun)
	if problem != nil {
		httpx.WriteProblem(w, problem)
		return
	}
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitCSV(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", sc.Tenant, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			if evt.Tenant != "" && evt.Tenant != sc.Tenant {
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) writeInternal(w http.ResponseWriter, err error) {
	log.Printf("internal error: %v", err)
	httpx.WriteProblem(w, models.NewProblem(http.StatusInternalServerError, models.ProblemInternal,
		"internal_error", "the request could not be completed"))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && s.MaxRequestBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteProblem(w, models.NewProblem(http.StatusRequestEntityTooLarge, models.ProblemValidation,
				"body_too_large", fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)))
			return nil, false
		}
		httpx.WriteProblem(w, models.NewProblem(http.StatusBadRequest, models.ProblemValidation,
			"body_unreadable", err.Error()))
		return nil, false
	}
	return body, true
}

func (s *Server) metricsLoop(ctx context.Context) {
	interval := time.Second * time.Duration(envInt("METRICS_POLL_INTERVAL_SEC", 30))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	queries := map[string]string{
		"active_runs":    `SELECT COUNT(*) FROM seed_runs WHERE status IN ('QUEUED','RUNNING','RETRY_SCHEDULED')`,
		"started_leases": `SELECT COUNT(*) FROM queue_leases WHERE status = 'started'`,
		"dlq_batches":    `SELECT COUNT(*) FROM seed_batches WHERE status = 'DLQ'`,
	}
	for name, q := range queries {
		var count int64
		if err := s.DB.QueryRow(ctx, q).Scan(&count); err != nil {
			continue
		}
		s.Metrics.SetGauge(name, float64(count))
	}
}

func violationSummary(violations []manifest.Violation) string {
	if len(violations) == 0 {
		return "manifest failed schema validation"
	}
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, "; ")
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
