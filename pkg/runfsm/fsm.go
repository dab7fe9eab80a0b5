package runfsm

import "errors"

// Run statuses.
const (
	RunQueued         = "QUEUED"
	RunRunning        = "RUNNING"
	RunSucceeded      = "SUCCEEDED"
	RunFailed         = "FAILED"
	RunAborted        = "ABORTED"
	RunRetryScheduled = "RETRY_SCHEDULED"
	RunBlocked        = "BLOCKED"
)

// Batch statuses.
const (
	BatchPending   = "PENDING"
	BatchRunning   = "RUNNING"
	BatchCompleted = "COMPLETED"
	BatchFailed    = "FAILED"
	BatchDLQ       = "DLQ"
)

// Admission lease statuses. Expired entries are never deleted, only marked.
const (
	LeasePending = "pending"
	LeaseStarted = "started"
	LeaseExpired = "expired"
)

var ErrInvalidTransition = errors.New("invalid run transition")

// CanTransitionRun reports whether a run may move from one status to another.
// BLOCKED is reached only via the observability gate; ABORTED via SLO breach
// or explicit cancel.
func CanTransitionRun(from, to string) bool {
	switch from {
	case RunQueued:
		return to == RunRunning || to == RunAborted || to == RunBlocked || to == RunFailed
	case RunRunning:
		return to == RunSucceeded || to == RunFailed || to == RunAborted ||
			to == RunRetryScheduled || to == RunBlocked
	case RunRetryScheduled:
		return to == RunRunning || to == RunAborted || to == RunBlocked
	default:
		return false
	}
}

// TransitionRun validates and applies a run transition.
func TransitionRun(from, to string) (string, error) {
	if !CanTransitionRun(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// IsTerminalRun reports whether no further field mutation is allowed,
// except by the cancel path, which is a no-op on terminal runs.
func IsTerminalRun(status string) bool {
	switch status {
	case RunSucceeded, RunFailed, RunAborted, RunBlocked:
		return true
	default:
		return false
	}
}

func CanTransitionBatch(from, to string) bool {
	switch from {
	case BatchPending:
		return to == BatchRunning || to == BatchDLQ
	case BatchRunning:
		return to == BatchCompleted || to == BatchFailed
	case BatchFailed:
		return to == BatchPending || to == BatchDLQ
	default:
		return false
	}
}

func TransitionBatch(from, to string) (string, error) {
	if !CanTransitionBatch(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminalBatch(status string) bool {
	return status == BatchCompleted || status == BatchDLQ
}

func CanTransitionLease(from, to string) bool {
	switch from {
	case LeasePending:
		return to == LeaseStarted || to == LeaseExpired
	case LeaseStarted:
		return to == LeaseExpired
	default:
		return false
	}
}
