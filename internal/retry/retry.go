// Package retry runs an operation until it succeeds, fails fatally or
// exhausts a bounded number of attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backoff selects how the delay grows between attempts
type Backoff int

const (
	// BackoffFixed waits Delay between every attempt
	BackoffFixed Backoff = iota
	// BackoffExponential waits Delay * 2^(attempt-1), capped at MaxDelay
	BackoffExponential
)

// Outcome classifies the result of one attempt
type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case FatalFailure:
		return "fatal"
	default:
		return "unknown"
	}
}

// Policy bounds a retried operation
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     Backoff
	MaxDelay    time.Duration

	// Retryable classifies errors that were not marked with Fatal or
	// Retryable. A nil predicate treats every plain error as retryable.
	Retryable func(error) bool

	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Fatal marks err as not worth retrying
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Retryable marks err as transient regardless of the policy predicate
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Classify maps an attempt result to an Outcome under p
func (p Policy) Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return FatalFailure
	}
	var re *retryableError
	if errors.As(err, &re) {
		return RetryableFailure
	}
	if p.Retryable == nil || p.Retryable(err) {
		return RetryableFailure
	}
	return FatalFailure
}

// DelayFor returns the wait after the given failed attempt
func (p Policy) DelayFor(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if p.Backoff != BackoffExponential || attempt <= 1 {
		return p.capped(p.Delay)
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := p.Delay * time.Duration(1<<uint(shift))
	if delay <= 0 {
		delay = p.MaxDelay
	}
	return p.capped(delay)
}

func (p Policy) capped(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ExhaustedError is returned when every attempt failed with a retryable error
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Do invokes op until it succeeds, returns a fatal error or the policy
// runs out of attempts. It returns the number of attempts made. No delay
// follows the final attempt.
func Do(ctx context.Context, p Policy, op Operation) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, abortedError(attempt-1, last, err)
		}

		err := op(ctx, attempt)
		switch p.Classify(err) {
		case Success:
			return attempt, nil
		case FatalFailure:
			return attempt, unwrapMarker(err)
		}

		last = unwrapMarker(err)
		if attempt == maxAttempts {
			break
		}

		delay := p.DelayFor(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, last, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt, abortedError(attempt, last, err)
		}
	}

	return maxAttempts, &ExhaustedError{Attempts: maxAttempts, Last: last}
}

func abortedError(attempts int, last, cause error) error {
	if last == nil {
		return fmt.Errorf("retry aborted after %d attempt(s): %w", attempts, cause)
	}
	return fmt.Errorf("retry aborted after %d attempt(s) (last error: %v): %w", attempts, last, cause)
}

func unwrapMarker(err error) error {
	switch e := err.(type) {
	case *fatalError:
		return e.err
	case *retryableError:
		return e.err
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
