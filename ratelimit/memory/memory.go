// Package memory provides an in-process token-bucket rate-limit backend.
package memory

// file: ratelimit/memory/memory.go

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kriasoft/ws-kit-go/ratelimit"
)

// Policy is a token bucket: Capacity tokens refilling continuously over
// Window.
type Policy struct {
	// Capacity is the bucket size in tokens.
	Capacity int
	// Window is the time it takes an empty bucket to refill completely.
	Window time.Duration
}

// validate rejects unusable policies at construction time.
func (p Policy) validate() error {
	if p.Capacity <= 0 {
		return errors.Newf("rate limit capacity must be positive, got %d", p.Capacity)
	}
	if p.Window <= 0 {
		return errors.Newf("rate limit window must be positive, got %s", p.Window)
	}
	return nil
}

type bucket struct {
	tokens float64
	last   time.Time
}

// Backend implements ratelimit.Backend with per-key token buckets.
type Backend struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

var _ ratelimit.Backend = (*Backend)(nil)

// New creates a backend. The policy is validated here; Consume never
// re-checks it.
func New(policy Policy) (*Backend, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	return &Backend{
		policy:  policy,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}, nil
}

// Consume takes cost tokens from key's bucket.
func (b *Backend) Consume(_ context.Context, key string, cost int) (ratelimit.Decision, error) {
	if cost > b.policy.Capacity {
		// Unsatisfiable under policy: nil RetryAfter tells the caller not
		// to retry.
		return ratelimit.Decision{Allowed: false, Remaining: b.remaining(key)}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{tokens: float64(b.policy.Capacity), last: now}
		b.buckets[key] = bk
	} else {
		b.refill(bk, now)
	}

	fcost := float64(cost)
	if bk.tokens >= fcost {
		bk.tokens -= fcost
		return ratelimit.Decision{Allowed: true, Remaining: int(bk.tokens)}, nil
	}

	deficit := fcost - bk.tokens
	wait := time.Duration(deficit / float64(b.policy.Capacity) * float64(b.policy.Window))
	return ratelimit.Decision{Allowed: false, Remaining: int(bk.tokens), RetryAfter: &wait}, nil
}

// refill credits tokens for the time elapsed since the last touch.
func (b *Backend) refill(bk *bucket, now time.Time) {
	elapsed := now.Sub(bk.last)
	if elapsed <= 0 {
		return
	}
	bk.tokens += elapsed.Seconds() / b.policy.Window.Seconds() * float64(b.policy.Capacity)
	if bk.tokens > float64(b.policy.Capacity) {
		bk.tokens = float64(b.policy.Capacity)
	}
	bk.last = now
}

func (b *Backend) remaining(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bk, ok := b.buckets[key]; ok {
		b.refill(bk, b.now())
		return int(bk.tokens)
	}
	return b.policy.Capacity
}
