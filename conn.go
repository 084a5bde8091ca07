// file: conn.go
package wskit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ReadyState mirrors the transport handle's lifecycle position.
type ReadyState int

// Ready states, in lifecycle order.
const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase name of the state.
func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WebSocket close codes used by the core.
const (
	CloseNormal   = 1000
	ClosePolicy   = 1008
	CloseTooBig   = 1009
	CloseInternal = 1011
)

// Conn is the opaque per-connection transport handle provided by a platform
// adapter. Implementations must be safe for concurrent use.
type Conn interface {
	// Send enqueues one outbound text frame. It may drop the frame under
	// backpressure policy; callers needing delivery pressure use WaitDrain
	// via the DrainWaiter extension.
	Send(ctx context.Context, data []byte) error

	// Close starts the close handshake with the given code and reason.
	// Closing an already-closed connection is a no-op.
	Close(code int, reason string) error

	// Subscribe registers interest in a topic with the transport. Platforms
	// without native topic support return nil.
	Subscribe(ctx context.Context, topic string) error

	// Unsubscribe removes transport-level interest in a topic.
	Unsubscribe(ctx context.Context, topic string) error

	// ReadyState reports the connection lifecycle position.
	ReadyState() ReadyState
}

// DrainWaiter is an optional Conn extension for transports that expose a
// bounded write buffer. WaitDrain blocks until the buffer has drained below
// the adapter's threshold, the context is cancelled, or the connection
// closes (reported as an ABORTED error).
type DrainWaiter interface {
	WaitDrain(ctx context.Context) error
}

// Connection is the router's record of one live client connection. It is
// created on successful upgrade and consumed by the router from the first
// handled message through the close callback.
type Connection struct {
	// ClientID is server-generated, time-ordered unique, and never
	// accepted from the client.
	ClientID string
	// ConnectedAt is when the upgrade completed.
	ConnectedAt time.Time
	// Protocol is the negotiated subprotocol, if any.
	Protocol string

	conn Conn

	// data holds the user-augmentable map seeded by the authenticate hook.
	// Copy-on-write: AssignData swaps in a fresh map so handlers racing on
	// other messages observe a consistent snapshot. dataMu serializes
	// writers only; readers are lock-free.
	dataMu sync.Mutex
	data   atomic.Value // map[string]any

	// dispatchMu serializes message dispatch for this connection: message
	// N's handler returns before message N+1 begins.
	dispatchMu sync.Mutex

	// topics is constructed on first subscribe and torn down with the
	// connection; topicsMu guards the lazy init.
	topicsMu   sync.Mutex
	topics     *TopicSet
	topicsInit func() *TopicSet
}

// newConnection builds a connection record around a transport handle.
func newConnection(conn Conn, protocol string, data map[string]any, topicsInit func(c *Connection) *TopicSet) *Connection {
	c := &Connection{
		ClientID:    uuid.Must(uuid.NewV7()).String(),
		ConnectedAt: time.Now(),
		Protocol:    protocol,
		conn:        conn,
	}
	if data == nil {
		data = make(map[string]any)
	}
	c.data.Store(data)
	c.topicsInit = func() *TopicSet { return topicsInit(c) }
	return c
}

// Conn returns the underlying transport handle.
func (c *Connection) Conn() Conn {
	return c.conn
}

// ReadyState reports the transport handle's lifecycle position.
func (c *Connection) ReadyState() ReadyState {
	return c.conn.ReadyState()
}

// Data returns the current connection data snapshot. Callers must treat the
// returned map as read-only; use AssignData to change it.
func (c *Connection) Data() map[string]any {
	return c.data.Load().(map[string]any)
}

// AssignData shallow-merges patch into the connection data. A new map is
// produced on every call, so concurrent readers keep their snapshot.
func (c *Connection) AssignData(patch map[string]any) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	old := c.data.Load().(map[string]any)
	next := make(map[string]any, len(old)+len(patch))
	for k, v := range old {
		next[k] = v
	}
	for k, v := range patch {
		next[k] = v
	}
	c.data.Store(next)
}

// Topics returns the connection's topic subscription set, constructing it on
// first use.
func (c *Connection) Topics() *TopicSet {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	if c.topics == nil {
		c.topics = c.topicsInit()
	}
	return c.topics
}

// topicsIfCreated returns the topic set only if a subscribe ever built it.
// Used on teardown so closing a connection that never subscribed makes no
// adapter calls.
func (c *Connection) topicsIfCreated() *TopicSet {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	return c.topics
}
