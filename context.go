// file: context.go
package wskit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// SendOptions adjusts one emission.
type SendOptions struct {
	// Meta is user meta merged into the outbound envelope. Reserved keys
	// are stripped before the merge.
	Meta map[string]any
	// WaitDrain suspends the caller until the socket's outbound buffer has
	// drained below the adapter's threshold. Ignored when the transport
	// does not implement DrainWaiter.
	WaitDrain bool
	// ThrottleMS applies to Progress only: the frame is skipped when less
	// than this many milliseconds passed since the last progress on the
	// same correlation.
	ThrottleMS int
}

// Context is the per-message handle passed to handlers. It exists only for
// the duration of one dispatch and enforces the terminal-once invariant for
// RPC-shaped messages.
type Context struct {
	router *Router
	conn   *Connection
	def    *MessageDef
	isRPC  bool

	msgType       string
	correlationID string
	receivedAt    time.Time
	meta          map[string]any
	payload       json.RawMessage

	// Extensions is a slot for plugins to attach per-dispatch state.
	Extensions map[string]any

	mu           sync.Mutex
	terminalSent bool
	lastProgress time.Time
}

// Type returns the inbound message's type discriminant.
func (c *Context) Type() string { return c.msgType }

// ClientID returns the server-generated connection identity.
func (c *Context) ClientID() string { return c.conn.ClientID }

// Ws returns the opaque transport handle for this connection.
func (c *Context) Ws() Conn { return c.conn.Conn() }

// Connection returns the owning connection record.
func (c *Context) Connection() *Connection { return c.conn }

// Data returns the connection data snapshot (read-only).
func (c *Context) Data() map[string]any { return c.conn.Data() }

// AssignData shallow-merges patch into the connection data, copy-on-assign.
func (c *Context) AssignData(patch map[string]any) { c.conn.AssignData(patch) }

// ReceivedAt is the authoritative server receive time for this message.
// A client-supplied meta.timestamp is preserved in Meta but untrusted.
func (c *Context) ReceivedAt() time.Time { return c.receivedAt }

// Meta returns the inbound meta after reserved-key stripping and server
// stamping. Callers must treat it as read-only.
func (c *Context) Meta() map[string]any { return c.meta }

// CorrelationID returns the inbound correlation id, or "" when absent.
func (c *Context) CorrelationID() string { return c.correlationID }

// Payload returns the raw inbound payload. It is nil when the message's
// schema declares none.
func (c *Context) Payload() json.RawMessage { return c.payload }

// Bind unmarshals the inbound payload into v.
func (c *Context) Bind(v any) error {
	if c.payload == nil {
		return errors.New("message has no payload")
	}
	return errors.Wrap(json.Unmarshal(c.payload, v), "failed to bind payload")
}

// Topics returns the connection's subscription set.
func (c *Context) Topics() *TopicSet { return c.conn.Topics() }

// IsRPC reports whether the handler was registered via RPC.
func (c *Context) IsRPC() bool { return c.isRPC }

// marshalPayload turns a handler-supplied payload into raw JSON.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal payload")
		}
		return data, nil
	}
}

// buildOutbound assembles an egress envelope of the given type, stamping
// server-owned meta and, for RPC flows, the correlation id.
func (c *Context) buildOutbound(msgType string, payload json.RawMessage, opts *SendOptions, correlate bool) *Envelope {
	var userMeta map[string]any
	if opts != nil {
		userMeta = opts.Meta
	}
	meta := sanitizeMeta(userMeta, msgType)
	meta[MetaTimestamp] = time.Now().UnixMilli()
	if correlate && c.correlationID != "" {
		// User-provided meta.correlationId was stripped above; the
		// server-copied inbound value always wins.
		meta[MetaCorrelationID] = c.correlationID
	}
	return &Envelope{Type: msgType, Meta: meta, Payload: payload}
}

// emit serializes env and hands it to the transport. Pre-commit aborts
// (cancelled ctx before enqueue) turn the call into a no-op; once the
// transport call is issued the emission commits regardless.
func (c *Context) emit(ctx context.Context, env *Envelope, opts *SendOptions) error {
	if ctx.Err() != nil {
		return nil
	}
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := c.conn.Conn().Send(ctx, data); err != nil {
		return mapAdapterError(err, "")
	}
	if opts != nil && opts.WaitDrain {
		if waiter, ok := c.conn.Conn().(DrainWaiter); ok {
			return waiter.WaitDrain(ctx)
		}
	}
	return nil
}

// validateEgress checks payload against schema when a validator is bound.
// The publish and send paths are payload-blind without one.
func (c *Context) validateEgress(schema any, payload json.RawMessage) *Error {
	if schema == nil || c.router.validator == nil {
		return nil
	}
	result := c.router.validator.SafeParse(schema, payload)
	if result.OK {
		return nil
	}
	err := NewError(CodeOutboundValidation, "egress payload failed schema validation")
	err.Details = issueDetails(result.Issues)
	return err
}

// Send emits a fire-and-forget message of the given descriptor's type.
// Available on both event and RPC contexts; it is never terminal.
func (c *Context) Send(ctx context.Context, def *MessageDef, payload any, opts *SendOptions) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if vErr := c.validateEgress(def.Payload, raw); vErr != nil {
		return vErr
	}
	return c.emit(ctx, c.buildOutbound(def.Type, raw, opts, false), opts)
}

// commitTerminal flips the terminal bit. It returns false when a terminal
// was already sent, in which case the caller must no-op.
func (c *Context) commitTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminalSent {
		return false
	}
	c.terminalSent = true
	return true
}

// TerminalSent reports whether a terminal (reply or error) was emitted.
func (c *Context) TerminalSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalSent
}

// Reply emits the bound response type and commits the terminal. The first
// terminal wins; later Reply/Error/Progress calls are idempotent no-ops.
// On an event context Reply is a misuse and returns an error without
// emitting anything.
func (c *Context) Reply(ctx context.Context, payload any, opts *SendOptions) error {
	if !c.isRPC {
		return NewError(CodeFailedPrecondition, "reply is only available on RPC contexts").
			WithDetail("type", c.msgType)
	}
	// Pre-commit abort: the call is a no-op and the terminal stays available
	// for a later Reply or Error.
	if ctx.Err() != nil {
		return nil
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	response := c.def.Response()
	if !c.commitTerminal() {
		return nil
	}
	if vErr := c.validateEgress(response.Payload, raw); vErr != nil {
		// The terminal collapses to an egress-validation error frame with
		// the same correlation id.
		vErr.WithDetail("responseType", response.Type)
		c.router.logger.Warn("Reply payload failed egress validation.",
			"type", c.msgType, "responseType", response.Type, "error", vErr)
		return c.emit(ctx, errorEnvelope(c.correlationID, vErr), opts)
	}
	return c.emit(ctx, c.buildOutbound(response.Type, raw, opts, true), opts)
}

// Error emits an error frame with the given taxonomy code. On an RPC
// context it is terminal (first terminal wins); on an event context it is
// an out-of-band error frame and may be called more than once.
func (c *Context) Error(ctx context.Context, code Code, message string, details map[string]any, opts *SendOptions) error {
	// Pre-commit abort, before the terminal commits.
	if ctx.Err() != nil {
		return nil
	}
	if c.isRPC && !c.commitTerminal() {
		return nil
	}
	wireErr := NewError(code, message)
	wireErr.Details = details
	return c.emit(ctx, errorEnvelope(c.correlationID, wireErr), opts)
}

// Progress emits a non-terminal progress frame of the bound response type.
// It may be called many times before the terminal; calls after the terminal
// are idempotent no-ops. RPC-only.
func (c *Context) Progress(ctx context.Context, payload any, opts *SendOptions) error {
	if !c.isRPC {
		return NewError(CodeFailedPrecondition, "progress is only available on RPC contexts").
			WithDetail("type", c.msgType)
	}
	// Pre-commit abort: no throttle bookkeeping, no terminal consumption.
	if ctx.Err() != nil {
		return nil
	}
	c.mu.Lock()
	if c.terminalSent {
		c.mu.Unlock()
		return nil
	}
	if opts != nil && opts.ThrottleMS > 0 {
		if since := time.Since(c.lastProgress); since < time.Duration(opts.ThrottleMS)*time.Millisecond {
			c.mu.Unlock()
			return nil
		}
	}
	c.lastProgress = time.Now()
	c.mu.Unlock()

	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	response := c.def.Response()
	if vErr := c.validateEgress(response.Payload, raw); vErr != nil {
		vErr.WithDetail("responseType", response.Type)
		if !c.commitTerminal() {
			return nil
		}
		return c.emit(ctx, errorEnvelope(c.correlationID, vErr), opts)
	}
	return c.emit(ctx, c.buildOutbound(response.Type, raw, opts, true), opts)
}

// Publish fans payload out to subscribers of topic through the router's
// pub/sub adapter. Failures are reported through the result, never panics.
func (c *Context) Publish(ctx context.Context, topic string, def *MessageDef, payload any, opts *PublishOptions) PublishResult {
	return c.router.publish(ctx, topic, def, payload, opts)
}
