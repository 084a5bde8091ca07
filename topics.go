// file: topics.go
package wskit

import (
	"context"
	"regexp"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/kriasoft/ws-kit-go/logging"
)

// DefaultTopicPattern is the topic validation pattern applied when the
// limits do not configure one.
const DefaultTopicPattern = `^[A-Za-z0-9:_./-]+$`

// DefaultMaxTopicLength bounds topic names when the limits do not.
const DefaultMaxTopicLength = 128

var defaultTopicRe = regexp.MustCompile(DefaultTopicPattern)

// TopicLimits bounds a connection's subscription set.
type TopicLimits struct {
	// MaxTopics caps the per-connection set size. Zero means unlimited.
	MaxTopics int
	// MaxTopicLength caps the topic name length. Zero applies the default.
	MaxTopicLength int
	// Pattern validates topic names. Nil applies DefaultTopicPattern.
	Pattern *regexp.Regexp
}

// topicAdapter is the slice of the transport surface the topic set mutates
// through. Adapter calls happen before any local mutation, so the local set
// always reflects committed adapter state.
type topicAdapter interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
}

type topicOp int

const (
	opSubscribe topicOp = iota
	opUnsubscribe
)

// topicFlight is one in-flight adapter operation for a topic. Callers of the
// same operation join the flight and share its result; callers of the other
// operation wait for it and re-evaluate.
type topicFlight struct {
	op   topicOp
	done chan struct{}
	err  error
}

// TopicSet is a per-connection, insertion-ordered set of topic strings with
// adapter-first mutation semantics. All methods are safe for concurrent use.
type TopicSet struct {
	adapter topicAdapter
	limits  TopicLimits
	logger  logging.Logger

	mu       sync.Mutex
	order    []string
	index    map[string]struct{}
	inflight map[string]*topicFlight
}

// NewTopicSet builds an empty topic set mutating through adapter.
func NewTopicSet(adapter topicAdapter, limits TopicLimits, logger logging.Logger) *TopicSet {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	if limits.MaxTopicLength <= 0 {
		limits.MaxTopicLength = DefaultMaxTopicLength
	}
	if limits.Pattern == nil {
		limits.Pattern = defaultTopicRe
	}
	return &TopicSet{
		adapter:  adapter,
		limits:   limits,
		logger:   logger,
		index:    make(map[string]struct{}),
		inflight: make(map[string]*topicFlight),
	}
}

// Has reports whether topic is in the committed set.
func (s *TopicSet) Has(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[topic]
	return ok
}

// Len returns the committed set size.
func (s *TopicSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Topics returns a snapshot of the committed set in insertion order. The
// internal set is never leaked.
func (s *TopicSet) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// validateTopic checks length and pattern. It never mutates state.
func (s *TopicSet) validateTopic(topic string) *Error {
	if topic == "" || len(topic) > s.limits.MaxTopicLength {
		return NewError(CodeInvalidTopic, "topic length out of range").
			WithDetail("topic", topic).
			WithDetail("maxLength", s.limits.MaxTopicLength)
	}
	if !s.limits.Pattern.MatchString(topic) {
		return NewError(CodeInvalidTopic, "topic does not match allowed pattern").
			WithDetail("topic", topic).
			WithDetail("pattern", s.limits.Pattern.String())
	}
	return nil
}

// mapAdapterError converts a transport failure into the taxonomy:
// CONNECTION_CLOSED propagates as-is, everything else becomes ADAPTER_ERROR.
// Local state is never mutated on the paths that produce these.
func mapAdapterError(err error, topic string) *Error {
	var wireErr *Error
	if errors.As(err, &wireErr) && wireErr.Code == CodeConnectionClosed {
		return wireErr
	}
	adapterErr := NewError(CodeAdapterError, "adapter call failed").WithCause(err)
	if topic != "" {
		adapterErr.WithDetail("topic", topic)
	}
	return adapterErr
}

// Subscribe adds topic to the set. Ordering is adapter-first: validate,
// serialize on the topic, re-check state, enforce the limit, call the
// adapter, then commit locally. Subscribing to an already-subscribed topic
// is a soft no-op. Concurrent subscribes to the same topic coalesce into a
// single adapter call.
func (s *TopicSet) Subscribe(ctx context.Context, topic string) error {
	return s.single(ctx, topic, opSubscribe)
}

// Unsubscribe removes topic from the set. Unsubscribing from a topic that is
// not subscribed is a soft no-op, and never a validation error: an invalid
// topic cannot be in the set, so it reports success without side effects.
func (s *TopicSet) Unsubscribe(ctx context.Context, topic string) error {
	return s.single(ctx, topic, opUnsubscribe)
}

func (s *TopicSet) single(ctx context.Context, topic string, op topicOp) error {
	// 1. Validate before anything else. An invalid topic can never be
	// subscribed, so unsubscribing it is the soft no-op path.
	if err := s.validateTopic(topic); err != nil {
		if op == opUnsubscribe {
			return nil
		}
		return err
	}
	// 2. A pre-aborted signal fails fast.
	if ctx.Err() != nil {
		return NewError(CodeAborted, "operation aborted before start").WithCause(ctx.Err())
	}

	s.mu.Lock()
	for {
		fl, ok := s.inflight[topic]
		if !ok {
			break
		}
		if fl.op == op {
			// 3a. Same operation already in flight: join it. Exactly one
			// adapter call is made for all joined callers.
			s.mu.Unlock()
			<-fl.done
			return fl.err
		}
		// 3b. Opposite operation in flight: wait it out (swallowing its
		// error) and re-evaluate the current state.
		s.mu.Unlock()
		<-fl.done
		s.mu.Lock()
	}

	// 4. Idempotency against current state.
	_, present := s.index[topic]
	if (op == opSubscribe && present) || (op == opUnsubscribe && !present) {
		s.mu.Unlock()
		return nil
	}

	// 5. Per-connection limit, checked only for additions.
	if op == opSubscribe && s.limits.MaxTopics > 0 && len(s.order) >= s.limits.MaxTopics {
		s.mu.Unlock()
		return NewError(CodeTopicLimitExceeded, "per-connection topic limit reached").
			WithDetail("limit", s.limits.MaxTopics)
	}

	fl := &topicFlight{op: op, done: make(chan struct{})}
	s.inflight[topic] = fl
	s.mu.Unlock()

	// 6. Adapter first. On failure local state is untouched.
	var callErr error
	if op == opSubscribe {
		callErr = s.adapter.Subscribe(ctx, topic)
	} else {
		callErr = s.adapter.Unsubscribe(ctx, topic)
	}

	s.mu.Lock()
	delete(s.inflight, topic)
	if callErr != nil {
		fl.err = mapAdapterError(callErr, topic)
	} else {
		// 7. Commit. Post-commit aborts are ignored.
		if op == opSubscribe {
			s.add(topic)
		} else {
			s.remove(topic)
		}
	}
	s.mu.Unlock()
	close(fl.done)
	return fl.err
}

// add inserts topic preserving insertion order. Caller holds s.mu.
func (s *TopicSet) add(topic string) {
	if _, ok := s.index[topic]; ok {
		return
	}
	s.index[topic] = struct{}{}
	s.order = append(s.order, topic)
}

// remove deletes topic preserving the order of the rest. Caller holds s.mu.
func (s *TopicSet) remove(topic string) {
	if _, ok := s.index[topic]; !ok {
		return
	}
	delete(s.index, topic)
	for i, t := range s.order {
		if t == topic {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// SubscribeMany adds every topic in topics, all-or-nothing. On any adapter
// failure, already-applied adapter calls are rolled back and the local set
// is left unchanged.
func (s *TopicSet) SubscribeMany(ctx context.Context, topics []string) error {
	return s.batch(ctx, topics, nil, false)
}

// UnsubscribeMany removes every topic in topics, all-or-nothing.
func (s *TopicSet) UnsubscribeMany(ctx context.Context, topics []string) error {
	return s.batch(ctx, nil, topics, false)
}

// Replace atomically reshapes the set to exactly desired. Removals are
// applied before additions so the transport never transiently exceeds the
// per-connection cap.
func (s *TopicSet) Replace(ctx context.Context, desired []string) error {
	return s.batch(ctx, desired, nil, true)
}

// Clear removes every subscription. Used on connection close (best-effort)
// and available to handlers.
func (s *TopicSet) Clear(ctx context.Context) error {
	return s.batch(ctx, nil, nil, true)
}

// appliedCall records one successful adapter call, for rollback.
type appliedCall struct {
	op    topicOp
	topic string
}

// batch implements SubscribeMany / UnsubscribeMany / Replace / Clear.
// When replace is true, adds is the desired final set and removals are
// computed; otherwise adds/removes name the requested delta directly.
func (s *TopicSet) batch(ctx context.Context, adds, removes []string, replace bool) error {
	// 1. Normalize and deduplicate, preserving first-seen order.
	adds = dedupe(adds)
	removes = dedupe(removes)

	// 2. Validate every candidate before touching anything.
	for _, topic := range append(append([]string{}, adds...), removes...) {
		if err := s.validateTopic(topic); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return NewError(CodeAborted, "operation aborted before start").WithCause(ctx.Err())
	}

	// 3. Compute the effective delta against current state, waiting out any
	// in-flight single operations on affected topics.
	s.mu.Lock()
	var toAdd, toRemove []string
recompute:
	for {
		toAdd, toRemove = toAdd[:0], toRemove[:0]
		if replace {
			desired := make(map[string]struct{}, len(adds))
			for _, t := range adds {
				desired[t] = struct{}{}
			}
			for _, t := range s.order {
				if _, keep := desired[t]; !keep {
					toRemove = append(toRemove, t)
				}
			}
			for _, t := range adds {
				if _, ok := s.index[t]; !ok {
					toAdd = append(toAdd, t)
				}
			}
		} else {
			for _, t := range adds {
				if _, ok := s.index[t]; !ok {
					toAdd = append(toAdd, t)
				}
			}
			for _, t := range removes {
				if _, ok := s.index[t]; ok {
					toRemove = append(toRemove, t)
				}
			}
		}
		for _, t := range append(append([]string{}, toAdd...), toRemove...) {
			if fl, ok := s.inflight[t]; ok {
				s.mu.Unlock()
				<-fl.done
				s.mu.Lock()
				continue recompute
			}
		}
		break
	}

	// 4. Limit against the projected size.
	projected := len(s.order) - len(toRemove) + len(toAdd)
	if s.limits.MaxTopics > 0 && projected > s.limits.MaxTopics {
		s.mu.Unlock()
		return NewError(CodeTopicLimitExceeded, "batch would exceed per-connection topic limit").
			WithDetail("limit", s.limits.MaxTopics).
			WithDetail("projected", projected)
	}
	if len(toAdd) == 0 && len(toRemove) == 0 {
		s.mu.Unlock()
		return nil
	}

	// Register flights for all affected topics so single ops serialize
	// against the batch.
	flights := make([]*topicFlight, 0, len(toAdd)+len(toRemove))
	registerFlight := func(topic string, op topicOp) *topicFlight {
		fl := &topicFlight{op: op, done: make(chan struct{})}
		s.inflight[topic] = fl
		flights = append(flights, fl)
		return fl
	}
	for _, t := range toRemove {
		registerFlight(t, opUnsubscribe)
	}
	for _, t := range toAdd {
		registerFlight(t, opSubscribe)
	}
	s.mu.Unlock()

	// 5. Apply adapter calls, removals first so the transport never
	// transiently exceeds the cap.
	var applied []appliedCall
	var failErr *Error
	var failedTopic string
	for _, t := range toRemove {
		if err := s.adapter.Unsubscribe(ctx, t); err != nil {
			failErr, failedTopic = mapAdapterError(err, t), t
			break
		}
		applied = append(applied, appliedCall{op: opUnsubscribe, topic: t})
	}
	if failErr == nil {
		for _, t := range toAdd {
			if err := s.adapter.Subscribe(ctx, t); err != nil {
				failErr, failedTopic = mapAdapterError(err, t), t
				break
			}
			applied = append(applied, appliedCall{op: opSubscribe, topic: t})
		}
	}

	// 6. On failure, roll back in reverse order and direction.
	if failErr != nil {
		var rollbackFailedTopics []string
		for i := len(applied) - 1; i >= 0; i-- {
			call := applied[i]
			var undoErr error
			if call.op == opSubscribe {
				undoErr = s.adapter.Unsubscribe(ctx, call.topic)
			} else {
				undoErr = s.adapter.Subscribe(ctx, call.topic)
			}
			if undoErr != nil {
				rollbackFailedTopics = append(rollbackFailedTopics, call.topic)
				s.logger.Error("Topic batch rollback failed.",
					"topic", call.topic, "error", undoErr)
			}
		}
		failErr.WithDetail("failedTopic", failedTopic).
			WithDetail("rollbackFailed", len(rollbackFailedTopics) > 0)
		if len(rollbackFailedTopics) > 0 {
			failErr.WithDetail("rollbackFailedTopics", rollbackFailedTopics)
		}
	}

	// 7. Commit local mutations only if every adapter call succeeded.
	s.mu.Lock()
	if failErr == nil {
		for _, t := range toRemove {
			s.remove(t)
		}
		for _, t := range toAdd {
			s.add(t)
		}
	}
	for _, t := range toRemove {
		delete(s.inflight, t)
	}
	for _, t := range toAdd {
		delete(s.inflight, t)
	}
	s.mu.Unlock()
	for _, fl := range flights {
		if failErr != nil {
			fl.err = failErr
		}
		close(fl.done)
	}
	if failErr != nil {
		return failErr
	}
	return nil
}

// dedupe returns topics with duplicates removed, preserving first-seen order.
func dedupe(topics []string) []string {
	if len(topics) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
