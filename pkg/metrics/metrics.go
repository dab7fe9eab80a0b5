package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	runStatus   map[string]int64
	gateReason  map[string]int64
	admission   map[string]int64
	retryQueue  map[string]int64
	evidence    map[string]int64
	idempotency map[string]int64
	gauges      map[string]float64
	signLatency SignLatencyStat
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// SignLatencyStat tracks evidence signing round-trip latency against the
// signing backend.
type SignLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	RunStatusTotals   map[string]int64        `json:"run_status_totals"`
	GateRejections    map[string]int64        `json:"gate_rejections"`
	AdmissionOutcomes map[string]int64        `json:"admission_outcomes"`
	RetryQueueTotals  map[string]int64        `json:"retry_queue_totals"`
	EvidenceOutcomes  map[string]int64        `json:"evidence_outcomes"`
	IdempotencyTotals map[string]int64        `json:"idempotency_totals"`
	Gauges            map[string]float64      `json:"gauges"`
	EvidenceSignMS    SignLatencyStat         `json:"evidence_sign_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		runStatus:   map[string]int64{},
		gateReason:  map[string]int64{},
		admission:   map[string]int64{},
		retryQueue:  map[string]int64{},
		evidence:    map[string]int64{},
		idempotency: map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncRunStatus counts a seed run transition into the given status.
func (r *Registry) IncRunStatus(status string) {
	if status == "" {
		return
	}
	r.mu.Lock()
	r.runStatus[status]++
	r.mu.Unlock()
}

// IncGateRejection counts a preflight or governance gate rejection by
// gate name and reason code.
func (r *Registry) IncGateRejection(gate, reason string) {
	gate = strings.TrimSpace(gate)
	reason = strings.TrimSpace(reason)
	if gate == "" {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	key := gate + "|" + reason
	r.mu.Lock()
	r.gateReason[key]++
	r.mu.Unlock()
}

// IncAdmission counts an admission queue outcome (granted, busy,
// capacity, expired).
func (r *Registry) IncAdmission(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.admission[outcome]++
	r.mu.Unlock()
}

// IncRetryQueue counts a retry plan routed to the given queue, DLQ
// included.
func (r *Registry) IncRetryQueue(queue string) {
	if queue == "" {
		return
	}
	r.mu.Lock()
	r.retryQueue[queue]++
	r.mu.Unlock()
}

// IncEvidence counts a WORM evidence outcome (stored, invalid, skipped,
// rejected).
func (r *Registry) IncEvidence(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.evidence[outcome]++
	r.mu.Unlock()
}

// IncIdempotency counts an idempotency ledger outcome (new, replay,
// conflict).
func (r *Registry) IncIdempotency(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.idempotency[outcome]++
	r.mu.Unlock()
}

func (r *Registry) ObserveSignLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signLatency.Count++
	r.signLatency.TotalMS += ms
	r.signLatency.LastMS = ms
	if ms > r.signLatency.MaxMS {
		r.signLatency.MaxMS = ms
	}
	r.signLatency.AvgMS = float64(r.signLatency.TotalMS) / float64(r.signLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		RunStatusTotals:   make(map[string]int64, len(r.runStatus)),
		GateRejections:    make(map[string]int64, len(r.gateReason)),
		AdmissionOutcomes: make(map[string]int64, len(r.admission)),
		RetryQueueTotals:  make(map[string]int64, len(r.retryQueue)),
		EvidenceOutcomes:  make(map[string]int64, len(r.evidence)),
		IdempotencyTotals: make(map[string]int64, len(r.idempotency)),
		Gauges:            make(map[string]float64, len(r.gauges)),
		EvidenceSignMS: SignLatencyStat{
			Count:   r.signLatency.Count,
			TotalMS: r.signLatency.TotalMS,
			MaxMS:   r.signLatency.MaxMS,
			LastMS:  r.signLatency.LastMS,
			AvgMS:   r.signLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.runStatus {
		out.RunStatusTotals[k] = v
	}
	for k, v := range r.gateReason {
		out.GateRejections[k] = v
	}
	for k, v := range r.admission {
		out.AdmissionOutcomes[k] = v
	}
	for k, v := range r.retryQueue {
		out.RetryQueueTotals[k] = v
	}
	for k, v := range r.evidence {
		out.EvidenceOutcomes[k] = v
	}
	for k, v := range r.idempotency {
		out.IdempotencyTotals[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP seedcore_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE seedcore_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "seedcore_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP seedcore_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE seedcore_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "seedcore_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP seedcore_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE seedcore_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "seedcore_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP seedcore_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE seedcore_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "seedcore_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP seedcore_run_status_total seed run transitions by status\n")
		b.WriteString("# TYPE seedcore_run_status_total counter\n")
		for _, status := range SortedKeys(snap.RunStatusTotals) {
			fmt.Fprintf(b, "seedcore_run_status_total{status=%q} %d\n", status, snap.RunStatusTotals[status])
		}
		b.WriteString("# HELP seedcore_gate_rejection_total gate rejections by gate and reason\n")
		b.WriteString("# TYPE seedcore_gate_rejection_total counter\n")
		for _, key := range SortedKeys(snap.GateRejections) {
			parts := strings.SplitN(key, "|", 2)
			gate := parts[0]
			reason := "unknown"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "seedcore_gate_rejection_total{gate=%q,reason=%q} %d\n", gate, reason, snap.GateRejections[key])
		}
		b.WriteString("# HELP seedcore_admission_total admission queue outcomes\n")
		b.WriteString("# TYPE seedcore_admission_total counter\n")
		for _, outcome := range SortedKeys(snap.AdmissionOutcomes) {
			fmt.Fprintf(b, "seedcore_admission_total{outcome=%q} %d\n", outcome, snap.AdmissionOutcomes[outcome])
		}
		b.WriteString("# HELP seedcore_retry_queue_total retry plans routed by queue\n")
		b.WriteString("# TYPE seedcore_retry_queue_total counter\n")
		for _, queue := range SortedKeys(snap.RetryQueueTotals) {
			fmt.Fprintf(b, "seedcore_retry_queue_total{queue=%q} %d\n", queue, snap.RetryQueueTotals[queue])
		}
		b.WriteString("# HELP seedcore_evidence_total WORM evidence outcomes\n")
		b.WriteString("# TYPE seedcore_evidence_total counter\n")
		for _, outcome := range SortedKeys(snap.EvidenceOutcomes) {
			fmt.Fprintf(b, "seedcore_evidence_total{outcome=%q} %d\n", outcome, snap.EvidenceOutcomes[outcome])
		}
		b.WriteString("# HELP seedcore_idempotency_total idempotency ledger outcomes\n")
		b.WriteString("# TYPE seedcore_idempotency_total counter\n")
		for _, outcome := range SortedKeys(snap.IdempotencyTotals) {
			fmt.Fprintf(b, "seedcore_idempotency_total{outcome=%q} %d\n", outcome, snap.IdempotencyTotals[outcome])
		}
		b.WriteString("# HELP seedcore_gauge operational gauge metrics\n")
		b.WriteString("# TYPE seedcore_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "seedcore_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP seedcore_latency_seconds latency histogram\n")
			b.WriteString("# TYPE seedcore_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "seedcore_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "seedcore_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "seedcore_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "seedcore_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "seedcore_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "seedcore_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "seedcore_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP seedcore_evidence_sign_latency_ms evidence signing latency in ms\n")
		b.WriteString("# TYPE seedcore_evidence_sign_latency_ms gauge\n")
		fmt.Fprintf(b, "seedcore_evidence_sign_latency_ms{stat=%q} %d\n", "last", snap.EvidenceSignMS.LastMS)
		fmt.Fprintf(b, "seedcore_evidence_sign_latency_ms{stat=%q} %.3f\n", "avg", snap.EvidenceSignMS.AvgMS)
		fmt.Fprintf(b, "seedcore_evidence_sign_latency_ms{stat=%q} %d\n", "max", snap.EvidenceSignMS.MaxMS)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
