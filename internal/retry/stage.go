package retry

import (
	"errors"
	"fmt"
)

// Stage names the part of the capture flow that failed
type Stage string

const (
	StageDiscovery   Stage = "discovery"
	StageNegotiation Stage = "negotiation"
	StageCapture     Stage = "capture"
)

// StageError is the user-visible terminal failure: which stage failed,
// after how many attempts, and why.
type StageError struct {
	Stage    Stage
	Attempts int
	Err      error
}

// NewStageError builds a StageError. When err is an ExhaustedError its
// attempt count is used and the last cause becomes the wrapped error.
func NewStageError(stage Stage, attempts int, err error) *StageError {
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		attempts = exhausted.Attempts
		err = exhausted.Last
	}
	return &StageError{Stage: stage, Attempts: attempts, Err: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage of the first StageError in err's chain
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
