// Package gorilla is the standalone-server platform adapter: it upgrades
// HTTP requests with gorilla/websocket, runs the per-connection read loop
// feeding the router, and drives the heartbeat the router configuration asks
// for. Topic subscribe/unsubscribe are transport no-ops here; the pub/sub
// adapter owns the subscription index.
package gorilla

// file: platform/gorilla/gorilla.go

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	wskit "github.com/kriasoft/ws-kit-go"
	"github.com/kriasoft/ws-kit-go/logging"
)

// Defaults applied by NewHandler.
const (
	DefaultSendQueueSize = 64
	DefaultWriteTimeout  = 10 * time.Second
)

// AuthenticateFunc inspects the upgrade request before the socket opens. The
// returned map seeds the connection data; a non-nil error rejects the upgrade
// with 401 and no WebSocket handshake takes place.
type AuthenticateFunc func(r *http.Request) (map[string]any, error)

// Options configures the HTTP handler.
type Options struct {
	// Router receives connections and messages. Required.
	Router *wskit.Router
	// Authenticate guards the upgrade. Nil admits every request with empty
	// connection data.
	Authenticate AuthenticateFunc
	// Upgrader overrides the websocket upgrader (origin policy, buffer
	// sizes, subprotocols). Nil uses a default that accepts any origin.
	Upgrader *websocket.Upgrader
	// SendQueueSize bounds the per-connection outbound queue. Zero applies
	// DefaultSendQueueSize.
	SendQueueSize int
	// WriteTimeout bounds each socket write. Zero applies
	// DefaultWriteTimeout.
	WriteTimeout time.Duration
	// MaxFrameBytes is the transport-level read limit. Zero leaves the
	// router's payload budget as the only bound, which lets the router
	// answer oversize frames instead of the socket dropping them. Set this
	// only as a hard backstop well above the router budget.
	MaxFrameBytes int64
	// Logger may be nil.
	Logger logging.Logger
}

// Handler upgrades HTTP requests to WebSocket connections and bridges them to
// the router. It implements http.Handler.
type Handler struct {
	router        *wskit.Router
	authenticate  AuthenticateFunc
	upgrader      *websocket.Upgrader
	sendQueueSize int
	writeTimeout  time.Duration
	maxFrameBytes int64
	logger        logging.Logger
}

// NewHandler builds a handler around opts.Router.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Router == nil {
		return nil, errors.New("gorilla platform adapter requires a router")
	}
	upgrader := opts.Upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
	}
	queueSize := opts.SendQueueSize
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &Handler{
		router:        opts.Router,
		authenticate:  opts.Authenticate,
		upgrader:      upgrader,
		sendQueueSize: queueSize,
		writeTimeout:  writeTimeout,
		maxFrameBytes: opts.MaxFrameBytes,
		logger:        logger.WithField("component", "platform_gorilla"),
	}, nil
}

// ServeHTTP authenticates, upgrades, and runs the connection until its read
// loop ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if h.authenticate != nil {
		authed, err := h.authenticate(r)
		if err != nil {
			h.logger.Debug("Upgrade rejected by authenticate hook.",
				"remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		data = authed
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Debug("Upgrade failed.", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newWSConn(ws, h.logger, h.writeTimeout, h.sendQueueSize)
	conn.transition(eventOpen)
	c := h.router.Connect(conn, ws.Subprotocol(), data)

	heartbeat := h.router.Heartbeat()
	go conn.writePump(heartbeat.Interval)

	h.readLoop(r.Context(), ws, conn, c, heartbeat)

	conn.stop()
	h.router.Disconnect(c)
}

// readLoop consumes inbound frames and hands each one to the router. Dispatch
// is synchronous here, which gives the router its per-connection ordering for
// free.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn, c *wskit.Connection, heartbeat wskit.HeartbeatConfig) {
	if h.maxFrameBytes > 0 {
		ws.SetReadLimit(h.maxFrameBytes)
	}

	staleDeadline := func() time.Time {
		return time.Now().Add(heartbeat.Interval + heartbeat.Timeout)
	}
	if heartbeat.Interval > 0 {
		if err := ws.SetReadDeadline(staleDeadline()); err != nil {
			h.logger.Debug("Read deadline set failed.", "clientId", c.ClientID, "error", err)
		}
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(staleDeadline())
		})
	}

	for {
		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			if heartbeat.Interval > 0 && isTimeout(err) {
				h.logger.Info("Connection stale: pong deadline missed.",
					"clientId", c.ClientID)
				if heartbeat.OnStale != nil {
					heartbeat.OnStale(c)
				}
				_ = conn.Close(wskit.ClosePolicy, "heartbeat timeout")
			} else if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Read loop ended.", "clientId", c.ClientID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		h.router.HandleMessage(ctx, c, raw)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
