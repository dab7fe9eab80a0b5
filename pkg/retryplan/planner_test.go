package retryplan

import (
	"testing"
	"time"

	"seedcore/pkg/models"
	"seedcore/pkg/runfsm"
)

var planNow = time.Date(2026, 8, 1, 2, 0, 0, 0, time.UTC)

func fixedPlanner(r float64) *Planner {
	return New().WithRand(func() float64 { return r })
}

func basePolicy() models.BackoffPolicy {
	return models.BackoffPolicy{
		BaseSeconds:        2,
		JitterFactor:       0.2,
		MaxRetries:         3,
		MaxIntervalSeconds: 300,
	}
}

func TestPlanRetryRateLimitedLoadMode(t *testing.T) {
	// attempt=0, base=2 gives delay 2*2^1=4s before jitter
	batch := models.SeedBatch{BatchID: "b-1", Status: runfsm.BatchFailed, Attempt: 0}
	cp := &models.SeedCheckpoint{ResumeToken: "tok-7"}
	plan := New().PlanRetry(batch, cp, basePolicy(), models.ModeCarga, 429, planNow)

	if plan.Action != ActionRetry {
		t.Fatalf("action = %s", plan.Action)
	}
	if plan.Queue != QueueLoadDR {
		t.Fatalf("queue = %s, want load/dr routing for carga", plan.Queue)
	}
	if plan.Reason != ReasonRateLimited {
		t.Fatalf("reason = %s", plan.Reason)
	}
	if plan.RetryInSeconds == nil {
		t.Fatal("retry plan must carry a delay")
	}
	if *plan.RetryInSeconds < 3 || *plan.RetryInSeconds > 4 {
		t.Fatalf("delay = %d, want within [int(4*0.8), int(4*1.2)]", *plan.RetryInSeconds)
	}
	if plan.ResumeToken != "tok-7" {
		t.Fatalf("resume token = %q", plan.ResumeToken)
	}
	if plan.Batch.Attempt != 1 || plan.Batch.Status != runfsm.BatchPending {
		t.Fatalf("batch = %+v", plan.Batch)
	}
	want := planNow.Add(time.Duration(*plan.RetryInSeconds) * time.Second)
	if plan.Batch.NextRetryAt == nil || !plan.Batch.NextRetryAt.Equal(want) {
		t.Fatalf("next retry at = %v", plan.Batch.NextRetryAt)
	}
}

func TestPlanRetryTransientDefaultQueue(t *testing.T) {
	batch := models.SeedBatch{Status: runfsm.BatchFailed, Attempt: 1}
	plan := fixedPlanner(0.5).PlanRetry(batch, nil, basePolicy(), models.ModeBaseline, 500, planNow)
	if plan.Queue != QueueDefault {
		t.Fatalf("queue = %s", plan.Queue)
	}
	if plan.Reason != ReasonTransient {
		t.Fatalf("reason = %s", plan.Reason)
	}
}

func TestPlanRetryDLQAtRetryBudget(t *testing.T) {
	batch := models.SeedBatch{Status: runfsm.BatchFailed, Attempt: 3, DLQAttempts: 0}
	cp := &models.SeedCheckpoint{ResumeToken: "tok-9"}
	plan := New().PlanRetry(batch, cp, basePolicy(), models.ModeBaseline, 500, planNow)

	if plan.Action != ActionDLQ || plan.Queue != QueueDLQ {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Reason != ReasonTooManyRetries {
		t.Fatalf("reason = %s", plan.Reason)
	}
	if plan.RetryInSeconds != nil {
		t.Fatal("DLQ plans carry no delay")
	}
	if plan.ResumeToken != "tok-9" {
		t.Fatal("DLQ plans carry the last checkpoint's resume token")
	}
	if plan.Batch.Status != runfsm.BatchDLQ || plan.Batch.DLQAttempts != 1 {
		t.Fatalf("batch = %+v", plan.Batch)
	}
	if plan.Batch.NextRetryAt != nil {
		t.Fatal("DLQ clears next_retry_at")
	}
}

func TestPlanRetryMonotoneWithoutJitter(t *testing.T) {
	policy := basePolicy()
	policy.JitterFactor = 0
	planner := fixedPlanner(0.5)
	prev := 0
	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		batch := models.SeedBatch{Status: runfsm.BatchFailed, Attempt: attempt}
		plan := planner.PlanRetry(batch, nil, policy, models.ModeBaseline, 500, planNow)
		if plan.RetryInSeconds == nil {
			t.Fatalf("attempt %d: expected retry plan", attempt)
		}
		if *plan.RetryInSeconds < prev {
			t.Fatalf("delay decreased: %d after %d", *plan.RetryInSeconds, prev)
		}
		if *plan.RetryInSeconds > policy.MaxIntervalSeconds {
			t.Fatalf("delay %d exceeds max interval", *plan.RetryInSeconds)
		}
		prev = *plan.RetryInSeconds
	}
}

func TestPlanRetryCapsAtMaxInterval(t *testing.T) {
	policy := basePolicy()
	policy.MaxRetries = 20
	policy.JitterFactor = 0
	batch := models.SeedBatch{Status: runfsm.BatchFailed, Attempt: 10}
	plan := fixedPlanner(0.5).PlanRetry(batch, nil, policy, models.ModeBaseline, 500, planNow)
	if *plan.RetryInSeconds != policy.MaxIntervalSeconds {
		t.Fatalf("delay = %d, want cap %d", *plan.RetryInSeconds, policy.MaxIntervalSeconds)
	}
}

func TestPlanRetryFloorsAtOneSecond(t *testing.T) {
	policy := models.BackoffPolicy{BaseSeconds: 0, JitterFactor: 0, MaxRetries: 3, MaxIntervalSeconds: 300}
	batch := models.SeedBatch{Status: runfsm.BatchFailed}
	plan := fixedPlanner(0).PlanRetry(batch, nil, policy, models.ModeBaseline, 500, planNow)
	if *plan.RetryInSeconds != 1 {
		t.Fatalf("delay = %d, want floor 1s", *plan.RetryInSeconds)
	}
}

func TestPlanRetryJitterBounds(t *testing.T) {
	policy := basePolicy()
	batch := models.SeedBatch{Status: runfsm.BatchFailed, Attempt: 0}
	low := fixedPlanner(0).PlanRetry(batch, nil, policy, models.ModeBaseline, 500, planNow)
	high := fixedPlanner(0.999999).PlanRetry(batch, nil, policy, models.ModeBaseline, 500, planNow)
	// base delay 4s, jitter 0.2: rand=0 gives 4*0.8=3.2s, rand->1 gives 4.8s
	if *low.RetryInSeconds != 3 {
		t.Fatalf("low jitter delay = %d, want 3", *low.RetryInSeconds)
	}
	if *high.RetryInSeconds != 4 {
		t.Fatalf("high jitter delay = %d, want 4", *high.RetryInSeconds)
	}
}

func TestRouteQueue(t *testing.T) {
	if RouteQueue(models.ModeCarga) != QueueLoadDR || RouteQueue(models.ModeDR) != QueueLoadDR {
		t.Fatal("load modes route to the load/dr queue")
	}
	if RouteQueue(models.ModeBaseline) != QueueDefault || RouteQueue(models.ModeCanary) != QueueDefault {
		t.Fatal("other modes route to the default queue")
	}
}
