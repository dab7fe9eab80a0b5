package runfsm

import (
	"errors"
	"testing"
)

func TestRunTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{RunQueued, RunRunning, true},
		{RunQueued, RunBlocked, true},
		{RunQueued, RunSucceeded, false},
		{RunRunning, RunSucceeded, true},
		{RunRunning, RunRetryScheduled, true},
		{RunRetryScheduled, RunRunning, true},
		{RunRetryScheduled, RunSucceeded, false},
		{RunSucceeded, RunRunning, false},
		{RunAborted, RunRunning, false},
		{RunBlocked, RunRunning, false},
	}
	for _, c := range cases {
		if got := CanTransitionRun(c.from, c.to); got != c.ok {
			t.Fatalf("CanTransitionRun(%s,%s)=%v want %v", c.from, c.to, got, c.ok)
		}
	}
	if _, err := TransitionRun(RunSucceeded, RunRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	next, err := TransitionRun(RunQueued, RunRunning)
	if err != nil || next != RunRunning {
		t.Fatalf("unexpected transition result: %s %v", next, err)
	}
}

func TestTerminalRunStates(t *testing.T) {
	for _, s := range []string{RunSucceeded, RunFailed, RunAborted, RunBlocked} {
		if !IsTerminalRun(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []string{RunQueued, RunRunning, RunRetryScheduled} {
		if IsTerminalRun(s) {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestBatchTransitions(t *testing.T) {
	if !CanTransitionBatch(BatchFailed, BatchPending) {
		t.Fatal("retry path FAILED->PENDING must be allowed")
	}
	if !CanTransitionBatch(BatchFailed, BatchDLQ) {
		t.Fatal("FAILED->DLQ must be allowed")
	}
	if CanTransitionBatch(BatchCompleted, BatchPending) {
		t.Fatal("COMPLETED is terminal")
	}
	if !IsTerminalBatch(BatchDLQ) || IsTerminalBatch(BatchFailed) {
		t.Fatal("unexpected batch terminality")
	}
}

func TestLeaseTransitions(t *testing.T) {
	if !CanTransitionLease(LeasePending, LeaseStarted) || !CanTransitionLease(LeaseStarted, LeaseExpired) {
		t.Fatal("lease lifecycle pending->started->expired must hold")
	}
	if CanTransitionLease(LeaseExpired, LeasePending) {
		t.Fatal("expired is terminal")
	}
}
