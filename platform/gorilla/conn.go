// file: platform/gorilla/conn.go
package gorilla

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	lfsm "github.com/looplab/fsm"

	wskit "github.com/kriasoft/ws-kit-go"
	"github.com/kriasoft/ws-kit-go/logging"
)

// Lifecycle states and events for the connection FSM.
const (
	stateConnecting = "connecting"
	stateOpen       = "open"
	stateClosing    = "closing"
	stateClosed     = "closed"

	eventOpen       = "open"
	eventCloseStart = "close_start"
	eventCloseDone  = "close_done"
)

// newLifecycleFSM builds the connecting -> open -> closing -> closed machine.
// close_done is reachable from every non-closed state: an abrupt transport
// failure skips the closing handshake.
func newLifecycleFSM() *lfsm.FSM {
	return lfsm.NewFSM(
		stateConnecting,
		lfsm.Events{
			{Name: eventOpen, Src: []string{stateConnecting}, Dst: stateOpen},
			{Name: eventCloseStart, Src: []string{stateOpen}, Dst: stateClosing},
			{Name: eventCloseDone, Src: []string{stateConnecting, stateOpen, stateClosing}, Dst: stateClosed},
		},
		lfsm.Callbacks{},
	)
}

// wsConn adapts one gorilla socket to the router's transport contract. All
// writes funnel through a single pump goroutine; Send only enqueues. The
// lifecycle FSM is the single source of truth for ReadyState.
type wsConn struct {
	ws           *websocket.Conn
	logger       logging.Logger
	writeTimeout time.Duration

	send chan []byte
	quit chan struct{} // closed by stop() to end the write pump
	done chan struct{} // closed when the write pump exits

	fsmMu     sync.Mutex
	lifecycle *lfsm.FSM

	closeOnce sync.Once

	// pending counts frames enqueued but not yet written; drained wakes
	// WaitDrain callers when it reaches zero.
	pendingMu sync.Mutex
	pending   int
	drained   *sync.Cond
}

var (
	_ wskit.Conn        = (*wsConn)(nil)
	_ wskit.DrainWaiter = (*wsConn)(nil)
)

func newWSConn(ws *websocket.Conn, logger logging.Logger, writeTimeout time.Duration, queueSize int) *wsConn {
	c := &wsConn{
		ws:           ws,
		logger:       logger,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queueSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		lifecycle:    newLifecycleFSM(),
	}
	c.drained = sync.NewCond(&c.pendingMu)
	return c
}

// transition fires a lifecycle event, tolerating invalid transitions (a
// double close is expected, not an error).
func (c *wsConn) transition(event string) {
	c.fsmMu.Lock()
	defer c.fsmMu.Unlock()
	if err := c.lifecycle.Event(context.Background(), event); err != nil {
		var invalid lfsm.InvalidEventError
		var noTransition lfsm.NoTransitionError
		if !errors.As(err, &invalid) && !errors.As(err, &noTransition) {
			c.logger.Debug("Lifecycle transition rejected.", "event", event, "error", err)
		}
	}
}

// ReadyState maps the FSM state onto the router's lifecycle enum.
func (c *wsConn) ReadyState() wskit.ReadyState {
	c.fsmMu.Lock()
	defer c.fsmMu.Unlock()
	switch c.lifecycle.Current() {
	case stateConnecting:
		return wskit.StateConnecting
	case stateOpen:
		return wskit.StateOpen
	case stateClosing:
		return wskit.StateClosing
	default:
		return wskit.StateClosed
	}
}

// Send enqueues one text frame for the write pump. It blocks while the queue
// is full, bounded by ctx, and fails with CONNECTION_CLOSED once the pump has
// exited.
func (c *wsConn) Send(ctx context.Context, data []byte) error {
	if c.ReadyState() >= wskit.StateClosing {
		return wskit.NewError(wskit.CodeConnectionClosed, "connection is closed")
	}
	c.pendingMu.Lock()
	c.pending++
	c.pendingMu.Unlock()

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		c.decrementPending()
		return wskit.NewError(wskit.CodeConnectionClosed, "connection is closed")
	case <-ctx.Done():
		c.decrementPending()
		return wskit.NewError(wskit.CodeAborted, "send cancelled").WithCause(ctx.Err())
	}
}

func (c *wsConn) decrementPending() {
	c.pendingMu.Lock()
	c.pending--
	if c.pending <= 0 {
		c.drained.Broadcast()
	}
	c.pendingMu.Unlock()
}

// WaitDrain blocks until every enqueued frame has been written out. A closed
// connection resolves the wait with an ABORTED error.
func (c *wsConn) WaitDrain(ctx context.Context) error {
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-waitDone:
			return
		}
		// Wake the cond wait below so it can re-check its exit conditions.
		c.pendingMu.Lock()
		c.drained.Broadcast()
		c.pendingMu.Unlock()
	}()
	defer close(waitDone)

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for c.pending > 0 {
		if ctx.Err() != nil {
			return wskit.NewError(wskit.CodeAborted, "drain wait cancelled").WithCause(ctx.Err())
		}
		select {
		case <-c.done:
			return wskit.NewError(wskit.CodeAborted, "connection closed while draining")
		default:
		}
		c.drained.Wait()
	}
	return nil
}

// Close starts the close handshake. Subsequent calls are no-ops.
func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.transition(eventCloseStart)
		deadline := time.Now().Add(c.writeTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		if writeErr := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); writeErr != nil {
			c.logger.Debug("Close frame write failed.", "error", writeErr)
		}
		err = c.ws.Close()
	})
	return err
}

// Subscribe is a no-op: gorilla sockets have no native topic support, the
// router's pub/sub adapter owns the subscription index.
func (c *wsConn) Subscribe(context.Context, string) error { return nil }

// Unsubscribe is a no-op for the same reason as Subscribe.
func (c *wsConn) Unsubscribe(context.Context, string) error { return nil }

// writePump owns the socket's write side: queued frames and heartbeat pings.
// It exits when the send path is torn down or a write fails.
func (c *wsConn) writePump(pingInterval time.Duration) {
	var ticker *time.Ticker
	var pings <-chan time.Time
	if pingInterval > 0 {
		ticker = time.NewTicker(pingInterval)
		pings = ticker.C
		defer ticker.Stop()
	}
	defer func() {
		c.transition(eventCloseDone)
		close(c.done)
		// Wake drain waiters; their frames will never be written.
		c.pendingMu.Lock()
		c.drained.Broadcast()
		c.pendingMu.Unlock()
	}()

	for {
		select {
		case <-c.quit:
			return
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.decrementPending()
				return
			}
			err := c.ws.WriteMessage(websocket.TextMessage, data)
			c.decrementPending()
			if err != nil {
				c.logger.Debug("Frame write failed.", "error", err)
				return
			}
		case <-pings:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Ping write failed.", "error", err)
				return
			}
		}
	}
}

// stop ends the write pump after the read side has finished. The send
// channel is never closed: concurrent senders observe done instead.
func (c *wsConn) stop() {
	close(c.quit)
	<-c.done
}
