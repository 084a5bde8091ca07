// Package ratelimit defines the rate-limiter backend contract and router
// middleware enforcing it. Backends decide; the middleware maps denials to
// RESOURCE_EXHAUSTED error frames. Policy validation happens at backend
// construction, not per call.
package ratelimit

// file: ratelimit/ratelimit.go

import (
	"context"
	"time"

	wskit "github.com/kriasoft/ws-kit-go"
	"github.com/kriasoft/ws-kit-go/logging"
)

// Decision is the outcome of one Consume call.
type Decision struct {
	// Allowed reports whether the cost fit the budget.
	Allowed bool
	// Remaining is the budget left after this call.
	Remaining int
	// RetryAfter is how long until a retry could succeed. A nil value on
	// a denial signals cost > capacity: unsatisfiable under the policy,
	// retrying is pointless.
	RetryAfter *time.Duration
}

// Backend is the rate-limiter contract. Implementations must be safe for
// concurrent use; coordination across processes is the backend's concern.
type Backend interface {
	Consume(ctx context.Context, key string, cost int) (Decision, error)
}

// KeyFunc derives the limit key for one dispatch.
type KeyFunc func(c *wskit.Context) string

// CostFunc derives the cost of one dispatch.
type CostFunc func(c *wskit.Context) int

// Options configures the middleware.
type Options struct {
	// Key derives the limit key. Nil keys by clientId.
	Key KeyFunc
	// Cost derives the dispatch cost. Nil costs 1.
	Cost CostFunc
	// Logger may be nil.
	Logger logging.Logger
}

// Middleware returns router middleware that consumes from backend before
// every handler. Denials surface as RESOURCE_EXHAUSTED (RPC-aware, handled
// by the router's error emission). Backend failures fail open: dropping
// messages because the limiter is down is worse than briefly not limiting.
func Middleware(backend Backend, opts Options) wskit.Middleware {
	key := opts.Key
	if key == nil {
		key = func(c *wskit.Context) string { return c.ClientID() }
	}
	cost := opts.Cost
	if cost == nil {
		cost = func(*wskit.Context) int { return 1 }
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return func(next wskit.Handler) wskit.Handler {
		return func(ctx context.Context, c *wskit.Context) error {
			decision, err := backend.Consume(ctx, key(c), cost(c))
			if err != nil {
				logger.Warn("Rate limit backend failed; allowing message.",
					"clientId", c.ClientID(), "type", c.Type(), "error", err)
				return next(ctx, c)
			}
			if !decision.Allowed {
				limitErr := wskit.NewError(wskit.CodeResourceExhausted, "rate limit exceeded").
					WithDetail("remaining", decision.Remaining)
				if decision.RetryAfter != nil {
					limitErr.WithDetail("retryAfterMs", decision.RetryAfter.Milliseconds())
				}
				return limitErr
			}
			return next(ctx, c)
		}
	}
}
