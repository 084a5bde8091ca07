// Package memory provides the in-process pub/sub adapter: a local
// subscription index with fan-out to connections on the same router. It
// reports exact subscriber counts.
package memory

// file: pubsub/memory/memory.go

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	wskit "github.com/kriasoft/ws-kit-go"
	"github.com/kriasoft/ws-kit-go/logging"
)

// Adapter is the local-only pub/sub adapter. Safe for concurrent use.
type Adapter struct {
	logger logging.Logger

	mu       sync.RWMutex
	topics   map[string]map[string]struct{} // topic -> clientIds
	byClient map[string]map[string]struct{} // clientId -> topics
	deliver  wskit.DeliverLocalFunc
}

var (
	_ wskit.PubSubAdapter     = (*Adapter)(nil)
	_ wskit.BrokerConsumer    = (*Adapter)(nil)
	_ wskit.TopicIntrospector = (*Adapter)(nil)
)

// New creates an empty adapter. logger may be nil.
func New(logger logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &Adapter{
		logger:   logger.WithField("component", "pubsub_memory"),
		topics:   make(map[string]map[string]struct{}),
		byClient: make(map[string]map[string]struct{}),
	}
}

// Start captures the router's local delivery callback. There is no broker
// to consume from; the callback is the adapter's only path to connection
// handles.
func (a *Adapter) Start(_ context.Context, deliver wskit.DeliverLocalFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deliver = deliver
	return nil
}

// Publish fans env out to local subscribers. The count is exact: this
// adapter sees every subscriber there is.
func (a *Adapter) Publish(ctx context.Context, env *wskit.PublishEnvelope) wskit.PublishResult {
	a.mu.RLock()
	deliver := a.deliver
	a.mu.RUnlock()
	if deliver == nil {
		return wskit.PublishFailure(wskit.ReasonAdapterError,
			errors.New("memory adapter not started"))
	}
	matched := deliver(ctx, env)
	return wskit.PublishOK(matched, wskit.CapabilityExact)
}

// Subscribe records clientID's interest in topic. Idempotent.
func (a *Adapter) Subscribe(_ context.Context, clientID, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	subs, ok := a.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		a.topics[topic] = subs
	}
	subs[clientID] = struct{}{}
	owned, ok := a.byClient[clientID]
	if !ok {
		owned = make(map[string]struct{})
		a.byClient[clientID] = owned
	}
	owned[topic] = struct{}{}
	return nil
}

// Unsubscribe removes clientID's interest in topic. Idempotent.
func (a *Adapter) Unsubscribe(_ context.Context, clientID, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if subs, ok := a.topics[topic]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(a.topics, topic)
		}
	}
	if owned, ok := a.byClient[clientID]; ok {
		delete(owned, topic)
		if len(owned) == 0 {
			delete(a.byClient, clientID)
		}
	}
	return nil
}

// Subscribers visits every subscriber of topic over a snapshot, so visitors
// may mutate subscriptions without deadlocking.
func (a *Adapter) Subscribers(_ context.Context, topic string, visit wskit.SubscriberVisitor) error {
	a.mu.RLock()
	snapshot := make([]string, 0, len(a.topics[topic]))
	for clientID := range a.topics[topic] {
		snapshot = append(snapshot, clientID)
	}
	a.mu.RUnlock()
	for _, clientID := range snapshot {
		if !visit(clientID) {
			return nil
		}
	}
	return nil
}

// ListTopics returns every topic with at least one subscriber.
func (a *Adapter) ListTopics(_ context.Context) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.topics))
	for topic := range a.topics {
		out = append(out, topic)
	}
	return out, nil
}

// HasTopic reports whether topic has at least one subscriber.
func (a *Adapter) HasTopic(_ context.Context, topic string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.topics[topic]
	return ok, nil
}

// Close drops all subscription state.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.topics = make(map[string]map[string]struct{})
	a.byClient = make(map[string]map[string]struct{})
	return nil
}
