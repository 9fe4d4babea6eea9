package domain

import "errors"

var (
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

type ErrorKind string

const (
	KindInferenceError     ErrorKind = "InferenceError"
	KindPayloadUnavailable ErrorKind = "PayloadUnavailable"
	KindTimeout            ErrorKind = "Timeout"
	KindRetryExhausted     ErrorKind = "RetryExhausted"
	KindDeadlineExceeded   ErrorKind = "DeadlineExceeded"
)

// WorkerKind reports whether k is one of the kinds a worker may report.
func (k ErrorKind) WorkerKind() bool {
	switch k {
	case KindInferenceError, KindPayloadUnavailable, KindTimeout:
		return true
	}
	return false
}

// ExecError is a structured failure produced while executing an attempt.
type ExecError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ExecError) Unwrap() error { return e.Err }

func NewExecError(kind ErrorKind, err error) *ExecError {
	return &ExecError{Kind: kind, Err: err}
}

// KindOf extracts the failure kind of err, defaulting to InferenceError for
// failures that carry no classification.
func KindOf(err error) ErrorKind {
	var ee *ExecError
	if errors.As(err, &ee) && ee.Kind != "" {
		return ee.Kind
	}
	return KindInferenceError
}
