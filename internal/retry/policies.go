package retry

import "time"

// ScanPolicy is used for device discovery passes: a few passes with a
// short fixed delay between them.
func ScanPolicy(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay, Backoff: BackoffFixed}
}

// ReachabilityPolicy spaces TCP reachability checks before a handshake.
func ReachabilityPolicy(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay, Backoff: BackoffFixed}
}

// HandshakePolicy retries protocol handshakes with exponential backoff.
// It keeps its own attempt counter, separate from reachability.
func HandshakePolicy(attempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		Delay:       delay,
		Backoff:     BackoffExponential,
		MaxDelay:    8 * delay,
	}
}
