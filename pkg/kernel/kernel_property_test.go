//go:build property
// +build property

// Package kernel_test contains property-based tests for the rate limiter
// and retry backoff.
package kernel_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/pulseiot/pulse/pkg/kernel"
	"github.com/pulseiot/pulse/pkg/kernel/retry"
)

// TestBackoffMonotoneAndCapped verifies the retry delay never shrinks as
// attempts grow and never exceeds the configured ceiling.
func TestBackoffMonotoneAndCapped(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay is monotone non-decreasing and capped", prop.ForAll(
		func(baseSec int, maxSec int, attempt int) bool {
			policy := retry.BackoffPolicy{
				Base:        time.Duration(baseSec) * time.Second,
				Max:         time.Duration(maxSec) * time.Second,
				MaxAttempts: 100,
			}
			if policy.Max < policy.Base {
				policy.Max = policy.Base
			}

			d1 := retry.Delay("job", attempt, policy)
			d2 := retry.Delay("job", attempt+1, policy)

			return d1 <= d2 && d1 >= 0 && d2 <= policy.Max
		},
		gen.IntRange(1, 120),
		gen.IntRange(1, 7200),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

// TestBucketNeverExceedsBurst verifies a cold token bucket admits at most
// Burst immediate requests regardless of refill rate.
func TestBucketNeverExceedsBurst(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("cold bucket admits at most Burst requests", prop.ForAll(
		func(burst int, rps int, tries int) bool {
			store := kernel.NewInMemoryLimiterStore()
			defer store.Close()

			policy := kernel.BucketPolicy{RPS: float64(rps), Burst: burst}
			allowed := 0
			for i := 0; i < tries; i++ {
				ok, err := store.Allow(context.Background(), "k", policy, 1)
				if err != nil {
					return false
				}
				if ok {
					allowed++
				}
			}
			// Back-to-back calls leave no meaningful refill time; one
			// token of slack tolerates scheduler pauses.
			return allowed <= burst+1
		},
		gen.IntRange(1, 50),
		gen.IntRange(1, 10),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}
