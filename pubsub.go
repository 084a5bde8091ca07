// file: pubsub.go
package wskit

import (
	"context"
	"encoding/json"
)

// Capability reports the strength of a publish result's subscriber count.
// Implementers must choose exactly one of the three and document why.
type Capability string

const (
	// CapabilityExact means the adapter returned a true subscriber count
	// (local-only adapters).
	CapabilityExact Capability = "exact"
	// CapabilityEstimate means the adapter counted local subscribers but
	// cannot count global ones.
	CapabilityEstimate Capability = "estimate"
	// CapabilityUnknown means the adapter has no subscriber introspection
	// (distributed adapters).
	CapabilityUnknown Capability = "unknown"
)

// FailReason discriminates publish failures.
type FailReason string

const (
	ReasonValidation   FailReason = "validation"
	ReasonAdapterError FailReason = "adapter_error"
	ReasonNoAdapter    FailReason = "no_adapter"
	ReasonUnsupported  FailReason = "unsupported"
)

// PublishEnvelope is the internal message handed to a pub/sub adapter.
type PublishEnvelope struct {
	Topic        string          `json:"topic"`
	Type         string          `json:"type,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Meta         map[string]any  `json:"meta,omitempty"`
	PartitionKey string          `json:"partitionKey,omitempty"`

	// ExcludeClientID filters one local subscriber out of delivery. It is
	// an internal field: adapters must strip it before serializing for any
	// subscriber or broker.
	ExcludeClientID string `json:"-"`
}

// WireFrame serializes the subscriber-facing envelope: type, meta, payload.
// Internal routing fields (topic, partition key, exclusion filter) are not
// part of the frame a subscriber receives.
func (e *PublishEnvelope) WireFrame() ([]byte, error) {
	return encodeEnvelope(&Envelope{Type: e.Type, Meta: e.Meta, Payload: e.Payload})
}

// PublishResult is the discriminated outcome of a publish. Adapters never
// return Go errors from Publish; every failure is a result.
type PublishResult struct {
	// OK is the success discriminant.
	OK bool
	// MatchedLocal counts local subscribers the frame was delivered to.
	// Meaningful per the Capability.
	MatchedLocal int
	// Capability qualifies MatchedLocal: exact, estimate, or unknown.
	Capability Capability
	// Reason discriminates failures when OK is false.
	Reason FailReason
	// Err carries the failure cause when OK is false.
	Err error
}

// PublishOK builds a success result.
func PublishOK(matchedLocal int, capability Capability) PublishResult {
	return PublishResult{OK: true, MatchedLocal: matchedLocal, Capability: capability}
}

// PublishFailure builds a failure result.
func PublishFailure(reason FailReason, err error) PublishResult {
	return PublishResult{OK: false, Reason: reason, Err: err}
}

// SubscriberVisitor receives one subscriber clientId per call. Returning
// false stops the iteration early.
type SubscriberVisitor func(clientID string) bool

// PubSubAdapter maintains the subscription index and fans published
// envelopes out to subscribers. Adapters must never panic or return Go
// errors from Publish; subscription calls may return errors, which the
// topics manager maps to ADAPTER_ERROR.
type PubSubAdapter interface {
	// Publish delivers env to local subscribers and optionally a broker.
	Publish(ctx context.Context, env *PublishEnvelope) PublishResult

	// Subscribe records clientID's interest in topic.
	Subscribe(ctx context.Context, clientID, topic string) error

	// Unsubscribe removes clientID's interest in topic.
	Unsubscribe(ctx context.Context, clientID, topic string) error

	// Subscribers lazily iterates subscriber clientIds for topic. The
	// iteration may be partial for distributed adapters.
	Subscribers(ctx context.Context, topic string, visit SubscriberVisitor) error
}

// TopicIntrospector is an optional adapter extension for topic listing.
type TopicIntrospector interface {
	ListTopics(ctx context.Context) ([]string, error)
	HasTopic(ctx context.Context, topic string) (bool, error)
}

// DeliverLocalFunc fans one envelope out to locally subscribed connections
// only, applying the ExcludeClientID filter. It returns the number of local
// connections the frame was handed to.
type DeliverLocalFunc func(ctx context.Context, env *PublishEnvelope) int

// BrokerConsumer is an optional adapter extension: the plugin calls Start
// during initialization with the local delivery callback. Distributed
// adapters use it to fan broker-consumed messages out to local
// subscribers; local adapters use it to reach connection handles at all.
type BrokerConsumer interface {
	Start(ctx context.Context, deliver DeliverLocalFunc) error
}

// PublishOptions adjusts one publish call.
type PublishOptions struct {
	// Meta is user meta merged into the envelope; reserved keys are
	// stripped before the merge.
	Meta map[string]any
	// PartitionKey hints ordered delivery to brokers that support it.
	PartitionKey string
	// ExcludeClientID filters one subscriber out of local delivery.
	ExcludeClientID string
	// ExcludeSelf is not supported at this layer and yields an error
	// result; callers set ExcludeClientID explicitly instead. Rejecting
	// instead of silently ignoring keeps remote and local delivery
	// behavior identical.
	ExcludeSelf bool
}
