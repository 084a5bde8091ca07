// Package redis provides a fixed-window rate-limit backend coordinated
// through Redis, for routers scaled across processes.
package redis

// file: ratelimit/redis/redis.go

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/kriasoft/ws-kit-go/ratelimit"
)

// consumeScript atomically counts cost into the current window and returns
// {count, pttl}. The window key expires on first touch.
var consumeScript = redis.NewScript(`
local count = redis.call("INCRBY", KEYS[1], ARGV[1])
if count == tonumber(ARGV[1]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// Policy is a fixed window: Capacity total cost per Window.
type Policy struct {
	Capacity int
	Window   time.Duration
}

func (p Policy) validate() error {
	if p.Capacity <= 0 {
		return errors.Newf("rate limit capacity must be positive, got %d", p.Capacity)
	}
	if p.Window <= 0 {
		return errors.Newf("rate limit window must be positive, got %s", p.Window)
	}
	return nil
}

// Options configures the backend.
type Options struct {
	// Client is the Redis client. Required.
	Client redis.UniversalClient
	// Policy is validated at construction.
	Policy Policy
	// KeyPrefix namespaces limiter keys. Empty means "wskit:rl:".
	KeyPrefix string
}

// Backend implements ratelimit.Backend over Redis fixed windows.
type Backend struct {
	client redis.UniversalClient
	policy Policy
	prefix string
}

var _ ratelimit.Backend = (*Backend)(nil)

// New creates a backend, validating the policy.
func New(opts Options) (*Backend, error) {
	if opts.Client == nil {
		return nil, errors.New("redis rate limit backend requires a client")
	}
	if err := opts.Policy.validate(); err != nil {
		return nil, err
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "wskit:rl:"
	}
	return &Backend{client: opts.Client, policy: opts.Policy, prefix: prefix}, nil
}

// Consume counts cost into key's current window.
func (b *Backend) Consume(ctx context.Context, key string, cost int) (ratelimit.Decision, error) {
	if cost > b.policy.Capacity {
		return ratelimit.Decision{Allowed: false, Remaining: 0}, nil
	}

	res, err := consumeScript.Run(ctx, b.client,
		[]string{b.prefix + key}, cost, b.policy.Window.Milliseconds()).Slice()
	if err != nil {
		return ratelimit.Decision{}, errors.Wrap(err, "rate limit script failed")
	}
	if len(res) != 2 {
		return ratelimit.Decision{}, errors.Newf("unexpected script result %v", res)
	}
	count, ok1 := res[0].(int64)
	pttl, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return ratelimit.Decision{}, errors.Newf("unexpected script result types %v", res)
	}

	remaining := b.policy.Capacity - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if int(count) > b.policy.Capacity {
		wait := time.Duration(pttl) * time.Millisecond
		if wait < 0 {
			wait = b.policy.Window
		}
		return ratelimit.Decision{Allowed: false, Remaining: remaining, RetryAfter: &wait}, nil
	}
	return ratelimit.Decision{Allowed: true, Remaining: remaining}, nil
}
