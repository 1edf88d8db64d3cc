package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

var errBusy = errors.New("device busy")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), ScanPolicy(3, time.Millisecond), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errBusy
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustionCarriesAttemptsAndLastCause(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), ScanPolicy(4, time.Millisecond), func(ctx context.Context, attempt int) error {
		calls++
		return errBusy
	})

	if calls != 4 {
		t.Errorf("Expected exactly 4 calls, got %d", calls)
	}
	if attempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", attempts)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected ExhaustedError, got %T", err)
	}
	if exhausted.Attempts != 4 {
		t.Errorf("Expected Attempts 4, got %d", exhausted.Attempts)
	}
	if !errors.Is(err, errBusy) {
		t.Errorf("Expected last cause to be errBusy, got %v", exhausted.Last)
	}
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	fatal := errors.New("permission denied")
	calls := 0
	attempts, err := Do(context.Background(), ScanPolicy(5, time.Millisecond), func(ctx context.Context, attempt int) error {
		calls++
		return Fatal(fatal)
	})

	if calls != 1 || attempts != 1 {
		t.Errorf("Expected 1 call and 1 attempt, got %d and %d", calls, attempts)
	}
	if err != fatal {
		t.Errorf("Expected unwrapped fatal error, got %v", err)
	}
}

func TestDo_PredicateClassifiesPlainErrors(t *testing.T) {
	p := ScanPolicy(5, time.Millisecond)
	p.Retryable = func(err error) bool { return errors.Is(err, errBusy) }

	calls := 0
	_, err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		if attempt == 1 {
			return errBusy
		}
		return errors.New("no such device")
	})

	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	if err == nil || err.Error() != "no such device" {
		t.Errorf("Expected fatal 'no such device', got %v", err)
	}
}

func TestDo_RetryableMarkerOverridesPredicate(t *testing.T) {
	p := ScanPolicy(2, time.Millisecond)
	p.Retryable = func(error) bool { return false }

	calls := 0
	_, err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		return Retryable(errBusy)
	})

	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	if !errors.Is(err, errBusy) {
		t.Errorf("Expected errBusy in chain, got %v", err)
	}
}

func TestDo_OnRetryNotCalledAfterLastAttempt(t *testing.T) {
	var retried []int
	p := ScanPolicy(3, time.Millisecond)
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		retried = append(retried, attempt)
	}

	_, _ = Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		return errBusy
	})

	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("Expected retries after attempts [1 2], got %v", retried)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := ScanPolicy(10, time.Hour)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	attempts, err := Do(ctx, p, func(ctx context.Context, attempt int) error {
		return errBusy
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
	if time.Since(start) > time.Second {
		t.Error("Cancellation should interrupt the delay")
	}
}

func TestPolicy_DelayFor(t *testing.T) {
	p := Policy{Delay: 100 * time.Millisecond, Backoff: BackoffExponential, MaxDelay: 500 * time.Millisecond}

	cases := map[int]time.Duration{
		1:  100 * time.Millisecond,
		2:  200 * time.Millisecond,
		3:  400 * time.Millisecond,
		4:  500 * time.Millisecond,
		60: 500 * time.Millisecond,
	}
	for attempt, want := range cases {
		if got := p.DelayFor(attempt); got != want {
			t.Errorf("DelayFor(%d): expected %v, got %v", attempt, want, got)
		}
	}

	fixed := ScanPolicy(3, time.Second)
	if fixed.DelayFor(3) != time.Second {
		t.Errorf("Expected fixed delay 1s, got %v", fixed.DelayFor(3))
	}
}

func TestStageError(t *testing.T) {
	exhausted := &ExhaustedError{Attempts: 3, Last: errBusy}
	err := NewStageError(StageDiscovery, 0, exhausted)

	if err.Attempts != 3 {
		t.Errorf("Expected attempts from exhaustion, got %d", err.Attempts)
	}
	if err.Error() != "discovery failed after 3 attempt(s): device busy" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
	if !errors.Is(err, errBusy) {
		t.Error("StageError should unwrap to the last cause")
	}

	stage, ok := StageOf(err)
	if !ok || stage != StageDiscovery {
		t.Errorf("Expected discovery stage, got %q (%v)", stage, ok)
	}
}

func TestWaitTCP_Reachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	attempts, err := WaitTCP(context.Background(), ln.Addr().String(), ReachabilityPolicy(3, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("Expected reachable endpoint, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestWaitTCP_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	attempts, err := WaitTCP(context.Background(), addr, ReachabilityPolicy(2, 10*time.Millisecond))
	if err == nil {
		t.Fatal("Expected unreachable endpoint to fail")
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}
