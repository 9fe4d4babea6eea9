package domain

import "time"

type State string

const (
	Pending    State = "PENDING"
	Dispatched State = "DISPATCHED"
	Running    State = "RUNNING"
	Succeeded  State = "SUCCEEDED"
	Failed     State = "FAILED"
	Expired    State = "EXPIRED"
)

// Job is the authoritative record of one image analysis request.
type Job struct {
	ID           string
	OwnerID      string
	PayloadRef   string
	Parameters   Parameters
	State        State
	AttemptCount int
	MaxAttempts  int
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeadlineAt   time.Time
	RunAt        time.Time
	ResultRef    *string
	Error        *JobError
	LastFailure  *Failure
}

// Failure is the most recent worker-reported failure of a job that is
// still being retried.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

// JobError is the terminal error of a FAILED or EXPIRED job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Cause   ErrorKind `json:"cause,omitempty"`
	Message string    `json:"message,omitempty"`
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (j *Job) Terminal() bool { return j.State.Terminal() }

func (j *Job) AttemptsLeft() bool { return j.AttemptCount < j.MaxAttempts }

// Clone returns a deep copy so callers can prepare a CAS update without
// mutating the snapshot they compare against.
func (j *Job) Clone() *Job {
	c := *j
	c.Parameters.ModelTypes = append([]ModelType(nil), j.Parameters.ModelTypes...)
	if j.ResultRef != nil {
		r := *j.ResultRef
		c.ResultRef = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.LastFailure != nil {
		f := *j.LastFailure
		c.LastFailure = &f
	}
	return &c
}

// Status projects the job onto the view served to pollers and cached.
func (j *Job) Status() *StatusView {
	v := &StatusView{
		JobID:        j.ID,
		OwnerID:      j.OwnerID,
		State:        j.State,
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		Parameters:   j.Parameters,
		Version:      j.Version,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		DeadlineAt:   j.DeadlineAt,
	}
	if j.ResultRef != nil {
		v.ResultRef = *j.ResultRef
	}
	if j.Error != nil {
		e := *j.Error
		v.Error = &e
	}
	if j.LastFailure != nil {
		f := *j.LastFailure
		v.LastFailure = &f
	}
	return v
}

// Dispatch builds the transport message for the job's current attempt.
func (j *Job) Dispatch() DispatchMessage {
	return DispatchMessage{
		JobID:         j.ID,
		AttemptNumber: j.AttemptCount,
		PayloadRef:    j.PayloadRef,
		Parameters:    j.Parameters,
	}
}
