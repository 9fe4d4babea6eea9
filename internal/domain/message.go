package domain

import (
	"fmt"
	"time"
)

// DispatchMessage instructs a worker to execute one attempt of a job.
type DispatchMessage struct {
	JobID         string     `json:"job_id"`
	AttemptNumber int        `json:"attempt_number"`
	PayloadRef    string     `json:"payload_ref"`
	Parameters    Parameters `json:"parameters"`
}

func (m DispatchMessage) Validate() error {
	if m.JobID == "" {
		return fmt.Errorf("dispatch message has no job_id")
	}
	if m.AttemptNumber < 1 {
		return fmt.Errorf("dispatch message for %s has attempt_number %d", m.JobID, m.AttemptNumber)
	}
	return nil
}

type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// OutcomeReport is what a worker sends back after attempting a job.
type OutcomeReport struct {
	JobID         string   `json:"job_id"`
	AttemptNumber int      `json:"attempt_number"`
	Outcome       Outcome  `json:"outcome"`
	ResultRef     string   `json:"result_ref,omitempty"`
	Error         *Failure `json:"error,omitempty"`
}

func SuccessReport(jobID string, attempt int, resultRef string) OutcomeReport {
	return OutcomeReport{JobID: jobID, AttemptNumber: attempt, Outcome: OutcomeSuccess, ResultRef: resultRef}
}

func FailureReport(jobID string, attempt int, kind ErrorKind, msg string) OutcomeReport {
	return OutcomeReport{
		JobID:         jobID,
		AttemptNumber: attempt,
		Outcome:       OutcomeFailure,
		Error:         &Failure{Kind: kind, Message: msg},
	}
}

// StatusView is the non-authoritative projection returned to pollers.
type StatusView struct {
	JobID        string     `json:"job_id"`
	OwnerID      string     `json:"owner_id"`
	State        State      `json:"state"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	Parameters   Parameters `json:"parameters"`
	ResultRef    string     `json:"result_ref,omitempty"`
	Error        *JobError  `json:"error,omitempty"`
	LastFailure  *Failure   `json:"last_failure,omitempty"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeadlineAt   time.Time  `json:"deadline_at"`
}
