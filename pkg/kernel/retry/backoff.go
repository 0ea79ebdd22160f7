package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds delivery retries. MaxJitter of zero disables
// jitter, keeping delays exactly Base * 2^(attempt-1) capped at Max.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// Delay returns the wait before retrying the given attempt (1-based):
// min(Max, Base * 2^(attempt-1)) plus deterministic jitter keyed by
// jobID so replicas computing the same schedule agree.
func Delay(jobID string, attempt int, policy BackoffPolicy) time.Duration {
	// Use bit shift for the power of 2
	factor := int64(1)
	if attempt > 1 {
		exp := attempt - 1
		if exp > 30 {
			// Avoid overflow, cap exponent
			exp = 30
		}
		factor = 1 << exp
	}

	delay := time.Duration(int64(policy.Base) * factor)
	if delay > policy.Max || delay < 0 {
		delay = policy.Max
	}

	return delay + Jitter(jobID, attempt, policy)
}

// Jitter derives a deterministic offset in [0, MaxJitter) from the job
// identity and attempt number.
func Jitter(jobID string, attempt int, policy BackoffPolicy) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%d", jobID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])

	return time.Duration(basis % uint64(policy.MaxJitter)) //nolint:gosec // MaxJitter is always positive
}

// Exhausted reports whether the attempt count has reached the policy
// limit.
func Exhausted(attempts int, policy BackoffPolicy) bool {
	return attempts >= policy.MaxAttempts
}
