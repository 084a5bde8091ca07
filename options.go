// file: options.go
package wskit

import (
	"regexp"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kriasoft/ws-kit-go/logging"
)

// DefaultMaxPayloadBytes caps inbound frames at 1 MiB unless configured.
const DefaultMaxPayloadBytes = 1 << 20

// ExceedAction selects what the router does when an inbound frame exceeds
// the payload budget.
type ExceedAction string

const (
	// ExceedSend emits a RESOURCE_EXHAUSTED error frame; no handler runs.
	ExceedSend ExceedAction = "send"
	// ExceedClose calls the limit hook, then closes with the configured
	// close code and reason "RESOURCE_EXHAUSTED".
	ExceedClose ExceedAction = "close"
	// ExceedCustom calls the limit hook; the router performs no egress and
	// no close.
	ExceedCustom ExceedAction = "custom"
)

// Limits configures the router's resource bounds.
type Limits struct {
	// MaxPayloadBytes bounds the inbound frame size, enforced before JSON
	// decoding. Zero applies DefaultMaxPayloadBytes.
	MaxPayloadBytes int
	// OnExceeded selects the payload-limit action. Empty means ExceedSend.
	OnExceeded ExceedAction
	// CloseCode is the close code used by ExceedClose. Zero means 1009.
	CloseCode int
	// TopicPattern overrides the topic validation pattern (a regular
	// expression). Empty applies DefaultTopicPattern.
	TopicPattern string
	// MaxTopicLength bounds topic names. Zero applies the default of 128.
	MaxTopicLength int
	// MaxTopicsPerConnection caps each connection's subscription set.
	// Zero means unlimited.
	MaxTopicsPerConnection int
}

// LimitInfo describes one payload-limit violation, passed to the
// OnLimitExceeded hook.
type LimitInfo struct {
	// Connection is the offending connection.
	Connection *Connection
	// Observed is the inbound frame size in bytes.
	Observed int
	// Limit is the configured budget.
	Limit int
	// CorrelationID is the best-effort correlation id extracted from the
	// oversize frame, or "".
	CorrelationID string
}

// Hooks are the router's lifecycle and observation callbacks. All hooks are
// synchronous and must not block; long work belongs in a goroutine the hook
// spawns itself.
type Hooks struct {
	// OnOpen runs after a connection record is created.
	OnOpen func(c *Connection)
	// OnClose runs after a connection is torn down.
	OnClose func(c *Connection)
	// OnError observes handler and middleware failures. It is not called
	// for limit violations; those go through OnLimitExceeded only.
	OnError func(c *Connection, err error)
	// OnLimitExceeded observes payload-limit violations.
	OnLimitExceeded func(info LimitInfo)
}

// HeartbeatConfig configures the platform adapter's liveness probing. The
// router core does not probe; platform adapters consume this.
type HeartbeatConfig struct {
	// Interval between pings. Zero disables the heartbeat.
	Interval time.Duration
	// Timeout is how long to wait for a pong before the connection is
	// considered stale.
	Timeout time.Duration
	// OnStale runs when a connection misses the pong deadline. After it
	// returns, the adapter closes the connection.
	OnStale func(c *Connection)
}

// Options configures a Router at construction time.
type Options struct {
	// Validator adapts the schema library. Required for validated flows;
	// without one the router is payload-blind.
	Validator Validator
	// PubSub attaches a pub/sub adapter. Optional; publishing without one
	// yields a "no_adapter" failure result.
	PubSub PubSubAdapter
	// Logger receives router diagnostics. Nil means the process default.
	Logger logging.Logger
	// Limits bounds payloads and topics.
	Limits Limits
	// Hooks are the lifecycle callbacks.
	Hooks Hooks
	// Heartbeat is handed to platform adapters through the router.
	Heartbeat HeartbeatConfig
	// WarnIncompleteRPC logs a diagnostic when an RPC handler resolves
	// without emitting a terminal. Nil means enabled.
	WarnIncompleteRPC *bool
}

// normalize validates the options and fills defaults. An invalid topic
// pattern is a construction-time failure.
func (o *Options) normalize() (topicLimits TopicLimits, err error) {
	if o.Limits.MaxPayloadBytes <= 0 {
		o.Limits.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	switch o.Limits.OnExceeded {
	case "":
		o.Limits.OnExceeded = ExceedSend
	case ExceedSend, ExceedClose, ExceedCustom:
	default:
		return topicLimits, errors.Newf("invalid OnExceeded action %q", o.Limits.OnExceeded)
	}
	if o.Limits.CloseCode == 0 {
		o.Limits.CloseCode = CloseTooBig
	}
	if o.Limits.MaxTopicLength <= 0 {
		o.Limits.MaxTopicLength = DefaultMaxTopicLength
	}

	topicLimits = TopicLimits{
		MaxTopics:      o.Limits.MaxTopicsPerConnection,
		MaxTopicLength: o.Limits.MaxTopicLength,
	}
	if o.Limits.TopicPattern != "" {
		re, compileErr := regexp.Compile(o.Limits.TopicPattern)
		if compileErr != nil {
			return topicLimits, errors.Wrap(compileErr, "invalid topic pattern")
		}
		topicLimits.Pattern = re
	}
	return topicLimits, nil
}
