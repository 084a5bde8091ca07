// Package redis provides a distributed pub/sub adapter bridging the router
// to Redis channels. Each published envelope goes to a Redis channel named
// after its topic; every router node consumes the channels its local
// connections are subscribed to and fans inbound messages out locally.
// Subscriber counts are not introspectable across nodes, so the adapter
// reports the "unknown" capability.
package redis

// file: pubsub/redis/redis.go

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	wskit "github.com/kriasoft/ws-kit-go"
	"github.com/kriasoft/ws-kit-go/logging"
)

// DefaultChannelPrefix namespaces router channels inside a shared Redis.
const DefaultChannelPrefix = "wskit:"

// brokerFrame is the node-to-node serialization of a publish envelope.
// ExcludeClientID travels between nodes (the excluded client may be local
// to any of them) but is stripped before any subscriber-facing frame.
type brokerFrame struct {
	Topic           string          `json:"topic"`
	Type            string          `json:"type,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Meta            map[string]any  `json:"meta,omitempty"`
	PartitionKey    string          `json:"partitionKey,omitempty"`
	ExcludeClientID string          `json:"excludeClientId,omitempty"`
}

// Options configures the adapter.
type Options struct {
	// Client is the Redis client to publish and consume through. Required.
	Client redis.UniversalClient
	// ChannelPrefix namespaces topic channels. Empty applies the default.
	ChannelPrefix string
	// Logger may be nil.
	Logger logging.Logger
}

// Adapter implements the pub/sub contract over Redis channels.
type Adapter struct {
	client redis.UniversalClient
	prefix string
	logger logging.Logger

	mu       sync.Mutex
	topics   map[string]map[string]struct{} // topic -> local clientIds
	deliver  wskit.DeliverLocalFunc
	consume  *redis.PubSub
	started  bool
	consumed chan struct{}
}

var (
	_ wskit.PubSubAdapter  = (*Adapter)(nil)
	_ wskit.BrokerConsumer = (*Adapter)(nil)
)

// New creates an adapter over opts.Client.
func New(opts Options) (*Adapter, error) {
	if opts.Client == nil {
		return nil, errors.New("redis pubsub adapter requires a client")
	}
	prefix := opts.ChannelPrefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &Adapter{
		client: opts.Client,
		prefix: prefix,
		logger: logger.WithField("component", "pubsub_redis"),
		topics: make(map[string]map[string]struct{}),
	}, nil
}

func (a *Adapter) channel(topic string) string {
	return a.prefix + topic
}

// Start opens the broker subscription and launches the consume loop. The
// loop exits when ctx is cancelled or the adapter is closed.
func (a *Adapter) Start(ctx context.Context, deliver wskit.DeliverLocalFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("redis pubsub adapter already started")
	}
	a.deliver = deliver
	// Subscribe with no channels yet; channels are added as local
	// connections subscribe to topics.
	a.consume = a.client.Subscribe(ctx)
	a.started = true
	a.consumed = make(chan struct{})
	go a.consumeLoop(ctx, a.consume.Channel())
	return nil
}

func (a *Adapter) consumeLoop(ctx context.Context, messages <-chan *redis.Message) {
	defer close(a.consumed)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var frame brokerFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				a.logger.Warn("Dropping malformed broker message.",
					"channel", msg.Channel, "error", err)
				continue
			}
			env := &wskit.PublishEnvelope{
				Topic:           frame.Topic,
				Type:            frame.Type,
				Payload:         frame.Payload,
				Meta:            frame.Meta,
				PartitionKey:    frame.PartitionKey,
				ExcludeClientID: frame.ExcludeClientID,
			}
			a.deliver(ctx, env)
		}
	}
}

// Publish sends env to the topic's Redis channel. Local delivery happens on
// the consume side, so nodes (this one included) each deliver exactly once.
func (a *Adapter) Publish(ctx context.Context, env *wskit.PublishEnvelope) wskit.PublishResult {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return wskit.PublishFailure(wskit.ReasonAdapterError,
			errors.New("redis pubsub adapter not started"))
	}
	data, err := json.Marshal(brokerFrame{
		Topic:           env.Topic,
		Type:            env.Type,
		Payload:         env.Payload,
		Meta:            env.Meta,
		PartitionKey:    env.PartitionKey,
		ExcludeClientID: env.ExcludeClientID,
	})
	if err != nil {
		return wskit.PublishFailure(wskit.ReasonAdapterError,
			errors.Wrap(err, "failed to serialize broker frame"))
	}
	if err := a.client.Publish(ctx, a.channel(env.Topic), data).Err(); err != nil {
		return wskit.PublishFailure(wskit.ReasonAdapterError,
			errors.Wrap(err, "redis publish failed"))
	}
	return wskit.PublishOK(0, wskit.CapabilityUnknown)
}

// Subscribe records the local subscription and joins the topic's channel
// when this is the node's first subscriber for it.
func (a *Adapter) Subscribe(ctx context.Context, clientID, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	subs, ok := a.topics[topic]
	if !ok {
		if a.consume == nil {
			return errors.New("redis pubsub adapter not started")
		}
		if err := a.consume.Subscribe(ctx, a.channel(topic)); err != nil {
			return errors.Wrap(err, "redis channel subscribe failed")
		}
		subs = make(map[string]struct{})
		a.topics[topic] = subs
	}
	subs[clientID] = struct{}{}
	return nil
}

// Unsubscribe removes the local subscription and leaves the channel when
// the node's last subscriber for the topic is gone.
func (a *Adapter) Unsubscribe(ctx context.Context, clientID, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	subs, ok := a.topics[topic]
	if !ok {
		return nil
	}
	delete(subs, clientID)
	if len(subs) > 0 {
		return nil
	}
	delete(a.topics, topic)
	if a.consume != nil {
		if err := a.consume.Unsubscribe(ctx, a.channel(topic)); err != nil {
			// Re-add local state: the channel is still joined.
			a.topics[topic] = subs
			subs[clientID] = struct{}{}
			return errors.Wrap(err, "redis channel unsubscribe failed")
		}
	}
	return nil
}

// Subscribers iterates this node's local subscribers only; remote nodes'
// subscribers are not visible, so the iteration is partial by contract.
func (a *Adapter) Subscribers(_ context.Context, topic string, visit wskit.SubscriberVisitor) error {
	a.mu.Lock()
	snapshot := make([]string, 0, len(a.topics[topic]))
	for clientID := range a.topics[topic] {
		snapshot = append(snapshot, clientID)
	}
	a.mu.Unlock()
	for _, clientID := range snapshot {
		if !visit(clientID) {
			return nil
		}
	}
	return nil
}

// Close stops the consume loop and releases the broker subscription.
func (a *Adapter) Close() error {
	a.mu.Lock()
	consume := a.consume
	consumed := a.consumed
	a.consume = nil
	a.started = false
	a.mu.Unlock()
	if consume == nil {
		return nil
	}
	err := consume.Close()
	if consumed != nil {
		<-consumed
	}
	return err
}
