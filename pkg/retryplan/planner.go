package retryplan

import (
	"math"
	"math/rand"
	"net/http"
	"time"

	"seedcore/pkg/models"
	"seedcore/pkg/runfsm"
)

// Queue routing targets for planned work.
const (
	QueueDefault = "seed.retry.default"
	QueueLoadDR  = "seed.retry.load-dr"
	QueueDLQ     = "seed.dlq"
)

// Plan reasons.
const (
	ReasonRateLimited    = "rate_limited"
	ReasonTransient      = "transient_failure"
	ReasonTooManyRetries = "too_many_retries"
)

// Plan actions.
const (
	ActionRetry = "retry"
	ActionDLQ   = "dlq"
)

// Plan is the decision for one failed batch. Batch carries the updated
// fields the caller persists; RetryInSeconds is nil for DLQ plans.
type Plan struct {
	Action         string           `json:"action"`
	Queue          string           `json:"queue"`
	Reason         string           `json:"reason"`
	RetryInSeconds *int             `json:"retry_in_seconds,omitempty"`
	ResumeToken    string           `json:"resume_token,omitempty"`
	Batch          models.SeedBatch `json:"batch"`
}

// Planner computes retry plans. The random source is injectable so jitter
// is deterministic under test.
type Planner struct {
	rand func() float64
}

func New() *Planner {
	return &Planner{rand: rand.Float64}
}

// WithRand injects a deterministic random source in [0, 1).
func (p *Planner) WithRand(r func() float64) *Planner {
	if r != nil {
		p.rand = r
	}
	return p
}

// RouteQueue returns the retry queue for a run mode.
func RouteQueue(mode string) string {
	if models.IsLoadMode(mode) {
		return QueueLoadDR
	}
	return QueueDefault
}

// PlanRetry decides what happens to a failed batch: exponential backoff with
// symmetric jitter while attempts remain, DLQ once the retry budget is
// spent. Pure apart from the injected random source; the caller persists the
// returned batch fields and publishes the routing.
func (p *Planner) PlanRetry(batch models.SeedBatch, checkpoint *models.SeedCheckpoint, policy models.BackoffPolicy, mode string, statusCode int, now time.Time) Plan {
	resumeToken := ""
	if checkpoint != nil {
		resumeToken = checkpoint.ResumeToken
	}

	if batch.Attempt >= policy.MaxRetries {
		batch.Status = runfsm.BatchDLQ
		batch.DLQAttempts++
		batch.NextRetryAt = nil
		batch.LastRetryAt = &now
		return Plan{
			Action:      ActionDLQ,
			Queue:       QueueDLQ,
			Reason:      ReasonTooManyRetries,
			ResumeToken: resumeToken,
			Batch:       batch,
		}
	}

	delay := math.Min(
		float64(policy.MaxIntervalSeconds),
		float64(policy.BaseSeconds)*math.Pow(2, float64(batch.Attempt+1)),
	)
	// symmetric jitter: delay * [1-jitter, 1+jitter]
	delay *= 1 + policy.JitterFactor*(2*p.rand()-1)
	if delay < 1 {
		delay = 1
	}
	retryIn := int(delay)

	batch.Attempt++
	batch.Status = runfsm.BatchPending
	batch.LastRetryAt = &now
	nextAt := now.Add(time.Duration(retryIn) * time.Second)
	batch.NextRetryAt = &nextAt

	reason := ReasonTransient
	if statusCode == http.StatusTooManyRequests {
		reason = ReasonRateLimited
	}
	return Plan{
		Action:         ActionRetry,
		Queue:          RouteQueue(mode),
		Reason:         reason,
		RetryInSeconds: &retryIn,
		ResumeToken:    resumeToken,
		Batch:          batch,
	}
}
