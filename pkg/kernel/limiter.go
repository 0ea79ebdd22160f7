package kernel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketPolicy defines a token bucket: capacity Burst, refill RPS
// tokens per second.
type BucketPolicy struct {
	RPS   float64
	Burst int
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow checks whether the keyed bucket permits an action costing
	// 'cost' tokens. Returns true if allowed, false if rate limited.
	Allow(ctx context.Context, key string, policy BucketPolicy, cost int) (bool, error)
}

type bucketEntry struct {
	limiter  *rate.Limiter
	policy   BucketPolicy
	lastSeen time.Time
}

// InMemoryLimiterStore keeps one bucket per key in process memory.
// Buckets reset on restart, which allows a burst exactly once; that is
// acceptable for ingest rate limiting. Idle buckets are reaped so the
// map does not grow with the device population.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*bucketEntry
	stop    chan struct{}
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	s := &InMemoryLimiterStore{
		buckets: make(map[string]*bucketEntry),
		stop:    make(chan struct{}),
	}
	go s.reapIdle()
	return s
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, key string, policy BucketPolicy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.buckets[key]
	if !ok || e.policy != policy {
		// New key, or the runtime settings changed the policy.
		e = &bucketEntry{
			limiter: rate.NewLimiter(rate.Limit(policy.RPS), policy.Burst),
			policy:  policy,
		}
		s.buckets[key] = e
	}
	e.lastSeen = time.Now()

	return e.limiter.AllowN(time.Now(), cost), nil
}

func (s *InMemoryLimiterStore) reapIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			for key, e := range s.buckets {
				if time.Since(e.lastSeen) > 3*time.Minute {
					delete(s.buckets, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the background reaper.
func (s *InMemoryLimiterStore) Close() {
	close(s.stop)
}

// Len reports the number of live buckets.
func (s *InMemoryLimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
