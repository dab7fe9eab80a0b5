package models

import "fmt"

// Problem categories. These are stable and drive both HTTP status mapping and
// CLI exit codes; new gates reuse an existing category where one fits.
const (
	ProblemValidation    = "validation"
	ProblemConflict      = "conflict"
	ProblemBusy          = "busy"
	ProblemCapacity      = "capacity"
	ProblemPreflight     = "preflight"
	ProblemGovernance    = "governance"
	ProblemObservability = "observability"
	ProblemEvidence      = "evidence"
	ProblemInternal      = "internal"
)

// Problem is the structured error value every gate returns instead of an
// exception. A nil *Problem means the gate passed.
type Problem struct {
	Status        int    `json:"status"`
	Title         string `json:"title"`
	Detail        string `json:"detail"`
	Type          string `json:"type"`
	RetryAfterSec int    `json:"retry_after_sec,omitempty"`
}

func (p *Problem) Error() string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s (%d)", p.Title, p.Detail, p.Status)
}

// Retryable reports whether the caller should retry after RetryAfterSec.
func (p *Problem) Retryable() bool {
	return p != nil && (p.Type == ProblemBusy || p.Type == ProblemCapacity) && p.RetryAfterSec > 0
}

func NewProblem(status int, problemType, title, detail string) *Problem {
	return &Problem{Status: status, Type: problemType, Title: title, Detail: detail}
}

func NewRetryableProblem(status int, problemType, title, detail string, retryAfterSec int) *Problem {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	return &Problem{Status: status, Type: problemType, Title: title, Detail: detail, RetryAfterSec: retryAfterSec}
}
