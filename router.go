// file: router.go

// Package wskit is a schema-validated WebSocket message router: it accepts
// persistent bidirectional connections through a platform adapter,
// dispatches inbound envelopes to typed handlers, supports request/response
// (RPC) semantics with correlation, and fans messages out to subscribers of
// named topics through a pub/sub adapter.
package wskit

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kriasoft/ws-kit-go/logging"
)

// Handler processes one dispatched message. An error return is treated as
// uncaught: the router emits an INTERNAL error frame and calls OnError.
type Handler func(ctx context.Context, c *Context) error

// Middleware composes cross-cutting concerns around a handler.
type Middleware func(next Handler) Handler

// registration is one dispatch-table entry: the descriptor, the handler,
// and whether it was registered as an RPC.
type registration struct {
	def     *MessageDef
	handler Handler
	isRPC   bool
}

// Router routes inbound envelopes to typed handlers. It is parallel across
// connections and serialized per connection. All registration methods must
// be called before the router starts receiving messages; dispatch-time
// access is read-only.
type Router struct {
	validator Validator
	pubsub    PubSubAdapter
	logger    logging.Logger
	limits    Limits
	topicLims TopicLimits
	hooks     Hooks
	heartbeat HeartbeatConfig

	warnIncompleteRPC bool

	mu       sync.RWMutex
	handlers map[string]*registration
	global   []Middleware
	perType  map[string][]Middleware

	connMu sync.RWMutex
	conns  map[string]*Connection

	startCancel context.CancelFunc
}

// New creates a router from opts. A validator or platform adapter failing
// here (invalid topic pattern, broker start failure) is fatal by design.
func New(opts Options) (*Router, error) {
	topicLims, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("wskit")
	}
	warn := true
	if opts.WarnIncompleteRPC != nil {
		warn = *opts.WarnIncompleteRPC
	}
	r := &Router{
		validator:         opts.Validator,
		pubsub:            opts.PubSub,
		logger:            logger,
		limits:            opts.Limits,
		topicLims:         topicLims,
		hooks:             opts.Hooks,
		heartbeat:         opts.Heartbeat,
		warnIncompleteRPC: warn,
		handlers:          make(map[string]*registration),
		perType:           make(map[string][]Middleware),
		conns:             make(map[string]*Connection),
	}

	// Pub/sub plugin init: adapters that consume from a broker (or that
	// need a path to local connection handles) receive the local delivery
	// callback here.
	if consumer, ok := r.pubsub.(BrokerConsumer); ok {
		startCtx, cancel := context.WithCancel(context.Background())
		r.startCancel = cancel
		if err := consumer.Start(startCtx, r.deliverLocally); err != nil {
			cancel()
			return nil, errors.Wrap(err, "pub/sub adapter start failed")
		}
	}
	return r, nil
}

// Close tears the router down: the broker consume loop is cancelled and the
// pub/sub adapter closed if it supports it.
func (r *Router) Close() error {
	if r.startCancel != nil {
		r.startCancel()
	}
	if closer, ok := r.pubsub.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Heartbeat exposes the configured heartbeat for platform adapters.
func (r *Router) Heartbeat() HeartbeatConfig { return r.heartbeat }

// On registers a fire-and-forget handler for def's message type.
// Registering the same type twice is an error.
func (r *Router) On(def *MessageDef, handler Handler) error {
	return r.register(def, handler, false)
}

// RPC registers an RPC handler. def must carry a bound response descriptor.
func (r *Router) RPC(def *MessageDef, handler Handler) error {
	if def.Response() == nil {
		return errors.Newf("rpc registration for %q has no bound response type", def.Type)
	}
	return r.register(def, handler, true)
}

func (r *Router) register(def *MessageDef, handler Handler, isRPC bool) error {
	if def == nil {
		return errors.New("message descriptor is nil")
	}
	// A descriptor may omit Type and carry a "type" constant in its schema
	// instead; the validator derives it here.
	if def.Type == "" {
		if err := r.deriveType(def); err != nil {
			return err
		}
	}
	if resp := def.Response(); isRPC && resp != nil && resp.Type == "" {
		if err := r.deriveType(resp); err != nil {
			return err
		}
	}
	if handler == nil {
		return errors.Newf("nil handler for %q", def.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[def.Type]; exists {
		return errors.Newf("handler already registered for %q", def.Type)
	}
	r.handlers[def.Type] = &registration{def: def, handler: handler, isRPC: isRPC}
	return nil
}

// deriveType fills def.Type from the schema's type constant.
func (r *Router) deriveType(def *MessageDef) error {
	if r.validator == nil || def.Payload == nil {
		return errors.New("message descriptor has no type and no schema to derive one from")
	}
	msgType, err := r.validator.MessageType(def.Payload)
	if err != nil {
		return errors.Wrap(err, "failed to derive message type from schema")
	}
	def.Type = msgType
	return nil
}

// Use appends a global middleware. Global middleware runs before per-type
// middleware, each in registration order.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, mw)
}

// UseFor appends a middleware scoped to def's message type.
func (r *Router) UseFor(def *MessageDef, mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perType[def.Type] = append(r.perType[def.Type], mw)
}

// Merge imports other's handlers and middleware. A handler conflict on the
// same type is an error and leaves the receiver unchanged.
func (r *Router) Merge(other *Router) error {
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	for msgType := range other.handlers {
		if _, exists := r.handlers[msgType]; exists {
			return errors.Newf("merge conflict: handler for %q registered on both routers", msgType)
		}
	}
	for msgType, reg := range other.handlers {
		r.handlers[msgType] = reg
	}
	r.global = append(r.global, other.global...)
	for msgType, mws := range other.perType {
		r.perType[msgType] = append(r.perType[msgType], mws...)
	}
	return nil
}

// Connect creates the connection record for an upgraded socket. Platform
// adapters call this once the upgrade (and the authenticate hook) succeeded;
// data is the map the authenticate hook returned.
func (r *Router) Connect(conn Conn, protocol string, data map[string]any) *Connection {
	c := newConnection(conn, protocol, data, func(c *Connection) *TopicSet {
		return NewTopicSet(&connTopicAdapter{router: r, conn: c}, r.topicLims, r.logger)
	})
	r.connMu.Lock()
	r.conns[c.ClientID] = c
	r.connMu.Unlock()
	r.logger.Debug("Connection opened.", "clientId", c.ClientID, "protocol", protocol)
	if r.hooks.OnOpen != nil {
		r.hooks.OnOpen(c)
	}
	return c
}

// Disconnect tears a connection down: its topic set is cleared through the
// adapter (best-effort) and the close hook runs. Platform adapters call this
// from their close callback.
func (r *Router) Disconnect(c *Connection) {
	r.connMu.Lock()
	delete(r.conns, c.ClientID)
	r.connMu.Unlock()

	if topics := c.topicsIfCreated(); topics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := topics.Clear(ctx); err != nil {
			r.logger.Warn("Best-effort topic teardown failed.",
				"clientId", c.ClientID, "error", err)
		}
		cancel()
	}
	r.logger.Debug("Connection closed.", "clientId", c.ClientID)
	if r.hooks.OnClose != nil {
		r.hooks.OnClose(c)
	}
}

// Lookup returns the connection for a clientId, if it is still live.
func (r *Router) Lookup(clientID string) (*Connection, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	c, ok := r.conns[clientID]
	return c, ok
}

// connTopicAdapter is the topic set's view of one connection: transport
// subscribe first, then the pub/sub index, with rollback keeping the two in
// step when the second call fails.
type connTopicAdapter struct {
	router *Router
	conn   *Connection
}

func (a *connTopicAdapter) Subscribe(ctx context.Context, topic string) error {
	if a.conn.ReadyState() >= StateClosing {
		return NewError(CodeConnectionClosed, "connection is closed").
			WithDetail("clientId", a.conn.ClientID)
	}
	if err := a.conn.Conn().Subscribe(ctx, topic); err != nil {
		return err
	}
	if a.router.pubsub != nil {
		if err := a.router.pubsub.Subscribe(ctx, a.conn.ClientID, topic); err != nil {
			if undoErr := a.conn.Conn().Unsubscribe(ctx, topic); undoErr != nil {
				a.router.logger.Error("Transport unsubscribe rollback failed.",
					"clientId", a.conn.ClientID, "topic", topic, "error", undoErr)
			}
			return err
		}
	}
	return nil
}

func (a *connTopicAdapter) Unsubscribe(ctx context.Context, topic string) error {
	if err := a.conn.Conn().Unsubscribe(ctx, topic); err != nil {
		return err
	}
	if a.router.pubsub != nil {
		if err := a.router.pubsub.Unsubscribe(ctx, a.conn.ClientID, topic); err != nil {
			if undoErr := a.conn.Conn().Subscribe(ctx, topic); undoErr != nil {
				a.router.logger.Error("Transport subscribe rollback failed.",
					"clientId", a.conn.ClientID, "topic", topic, "error", undoErr)
			}
			return err
		}
	}
	return nil
}

// Publish fans payload out to subscribers of topic. This is the router-level
// entry; Context.Publish adds nothing beyond convenience.
func (r *Router) Publish(ctx context.Context, topic string, def *MessageDef, payload any, opts *PublishOptions) PublishResult {
	return r.publish(ctx, topic, def, payload, opts)
}

func (r *Router) publish(ctx context.Context, topic string, def *MessageDef, payload any, opts *PublishOptions) PublishResult {
	if opts != nil && opts.ExcludeSelf {
		// Not silently ignored: exclusion must behave identically across
		// local and remote subscribers, which this layer cannot promise.
		return PublishFailure(ReasonUnsupported,
			NewError(CodeFailedPrecondition,
				"excludeSelf is not supported; set ExcludeClientID on the publish options instead"))
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return PublishFailure(ReasonValidation, err)
	}
	// Per-call validation is the only validation point on the publish
	// path; without a validator the router is payload-blind here.
	if r.validator != nil && def.Payload != nil {
		if result := r.validator.SafeParse(def.Payload, raw); !result.OK {
			vErr := NewError(CodeInvalidArgument, "publish payload failed schema validation")
			vErr.Details = issueDetails(result.Issues)
			return PublishFailure(ReasonValidation, vErr)
		}
	}

	var userMeta map[string]any
	var partitionKey, excludeClientID string
	if opts != nil {
		userMeta = opts.Meta
		partitionKey = opts.PartitionKey
		excludeClientID = opts.ExcludeClientID
	}
	meta := sanitizeMeta(userMeta, def.Type)
	meta[MetaTimestamp] = time.Now().UnixMilli()

	env := &PublishEnvelope{
		Topic:           topic,
		Type:            def.Type,
		Payload:         raw,
		Meta:            meta,
		PartitionKey:    partitionKey,
		ExcludeClientID: excludeClientID,
	}
	if r.pubsub == nil {
		return PublishFailure(ReasonNoAdapter, errors.New("no pub/sub adapter configured"))
	}
	return r.pubsub.Publish(ctx, env)
}

// deliverLocally fans env out to locally subscribed connections, applying
// the ExcludeClientID filter. Remote subscribers are the broker's problem.
func (r *Router) deliverLocally(ctx context.Context, env *PublishEnvelope) int {
	frame, err := env.WireFrame()
	if err != nil {
		r.logger.Error("Failed to serialize publish frame.", "topic", env.Topic, "error", err)
		return 0
	}
	delivered := 0
	visitErr := r.pubsub.Subscribers(ctx, env.Topic, func(clientID string) bool {
		if clientID == env.ExcludeClientID {
			return true
		}
		c, ok := r.Lookup(clientID)
		if !ok {
			return true
		}
		if err := c.Conn().Send(ctx, frame); err != nil {
			r.logger.Warn("Local publish delivery failed.",
				"clientId", clientID, "topic", env.Topic, "error", err)
			return true
		}
		delivered++
		return true
	})
	if visitErr != nil {
		r.logger.Warn("Subscriber iteration failed.", "topic", env.Topic, "error", visitErr)
	}
	return delivered
}
