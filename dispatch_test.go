// file: dispatch_test.go
package wskit_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wskit "github.com/kriasoft/ws-kit-go"
)

func TestDispatch_PingPongRPC(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	require.NoError(t, router.RPC(pingDef(), func(ctx context.Context, c *wskit.Context) error {
		return c.Reply(ctx, map[string]any{"ok": true}, nil)
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))

	env := conn.sentEnvelope(t, 0)
	assert.Equal(t, "PONG", env.Type)
	assert.Equal(t, "c1", env.Meta["correlationId"])
	assert.Contains(t, env.Meta, "timestamp")
	var payload struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.True(t, payload.OK)
	assert.Len(t, conn.sent(), 1)
}

func TestDispatch_UnknownType_WithCorrelation(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "NOPE", map[string]any{"correlationId": "c9"}, nil))

	env := conn.sentEnvelope(t, 0)
	assert.Equal(t, "RPC_ERROR", env.Type)
	assert.Equal(t, map[string]any{"correlationId": "c9"}, env.Meta)
	payload := env.errorPayload(t)
	assert.Equal(t, wskit.CodeUnsupportedMessageType, payload.Code)
	assert.Equal(t, "NOPE", payload.Details["type"])
}

func TestDispatch_UnknownType_WithoutCorrelation(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c, frame(t, "NOPE", nil, nil))

	env := conn.sentEnvelope(t, 0)
	assert.Equal(t, "ERROR", env.Type)
	assert.Empty(t, env.Meta)
	assert.Equal(t, wskit.CodeUnsupportedMessageType, env.errorPayload(t).Code)
}

func TestDispatch_MalformedEnvelope(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c, []byte(`{"type":`))

	env := conn.sentEnvelope(t, 0)
	assert.Equal(t, "ERROR", env.Type)
	assert.Equal(t, wskit.CodeInvalidArgument, env.errorPayload(t).Code)
}

func TestDispatch_Oversize_SendAction(t *testing.T) {
	var hookInfo wskit.LimitInfo
	router := newTestRouter(t, wskit.Options{
		Limits: wskit.Limits{MaxPayloadBytes: 96},
		Hooks: wskit.Hooks{
			OnLimitExceeded: func(info wskit.LimitInfo) { hookInfo = info },
		},
	})
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	raw := frame(t, "PING", map[string]any{"correlationId": "c1"},
		map[string]any{"pad": strings.Repeat("x", 200)})
	router.HandleMessage(context.Background(), c, raw)

	assert.Equal(t, len(raw), hookInfo.Observed)
	assert.Equal(t, 96, hookInfo.Limit)
	assert.Equal(t, "c1", hookInfo.CorrelationID)

	env := conn.sentEnvelope(t, 0)
	assert.Equal(t, "RPC_ERROR", env.Type)
	assert.Equal(t, "c1", env.Meta["correlationId"])
	payload := env.errorPayload(t)
	assert.Equal(t, wskit.CodeResourceExhausted, payload.Code)
	assert.Equal(t, float64(len(raw)), payload.Details["observed"])
	assert.Equal(t, float64(96), payload.Details["limit"])
}

func TestDispatch_Oversize_CloseAction(t *testing.T) {
	router := newTestRouter(t, wskit.Options{
		Limits: wskit.Limits{MaxPayloadBytes: 32, OnExceeded: wskit.ExceedClose},
	})
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", nil, map[string]any{"pad": strings.Repeat("x", 100)}))

	assert.Empty(t, conn.sent())
	assert.Equal(t, wskit.CloseTooBig, conn.closeCode)
	assert.Equal(t, "RESOURCE_EXHAUSTED", conn.closeReason)
}

func TestDispatch_Oversize_CustomAction(t *testing.T) {
	hookCalled := false
	router := newTestRouter(t, wskit.Options{
		Limits: wskit.Limits{MaxPayloadBytes: 32, OnExceeded: wskit.ExceedCustom},
		Hooks: wskit.Hooks{
			OnLimitExceeded: func(wskit.LimitInfo) { hookCalled = true },
		},
	})
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", nil, map[string]any{"pad": strings.Repeat("x", 100)}))

	assert.True(t, hookCalled)
	assert.Empty(t, conn.sent())
	assert.Equal(t, wskit.StateOpen, conn.ReadyState())
}

func TestDispatch_ExactLimitBoundary(t *testing.T) {
	raw := frame(t, "NOPE", nil, nil)
	router := newTestRouter(t, wskit.Options{
		Limits: wskit.Limits{MaxPayloadBytes: len(raw)},
	})
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	// A frame exactly at the budget dispatches (and fails handler lookup,
	// proving it got past the limit check).
	router.HandleMessage(context.Background(), c, raw)
	env := conn.sentEnvelope(t, 0)
	assert.Equal(t, wskit.CodeUnsupportedMessageType, env.errorPayload(t).Code)

	// One byte over trips the limit.
	over := append(raw, ' ')
	router.HandleMessage(context.Background(), c, over)
	env = conn.sentEnvelope(t, 1)
	assert.Equal(t, wskit.CodeResourceExhausted, env.errorPayload(t).Code)
}

func TestDispatch_ReservedMetaStrippedAndStamped(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	var seenMeta map[string]any
	require.NoError(t, router.On(wskit.Message("EV", nil), func(_ context.Context, c *wskit.Context) error {
		seenMeta = c.Meta()
		return nil
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c, frame(t, "EV", map[string]any{
		"clientId":   "spoofed",
		"receivedAt": 1,
		"EV":         "type-named",
		"timestamp":  123,
		"custom":     "kept",
	}, nil))

	require.NotNil(t, seenMeta)
	assert.Equal(t, c.ClientID, seenMeta["clientId"])
	assert.NotEqual(t, "spoofed", seenMeta["clientId"])
	assert.NotEqual(t, 1, seenMeta["receivedAt"])
	assert.NotContains(t, seenMeta, "EV")
	assert.Equal(t, "kept", seenMeta["custom"])
	// A client-supplied timestamp is preserved but untrusted.
	assert.Equal(t, float64(123), seenMeta["timestamp"])
	assert.NotContains(t, seenMeta, "correlationId")
}

func TestDispatch_PayloadValidationFailure(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	handlerRan := false
	require.NoError(t, router.RPC(echoDef(), func(ctx context.Context, c *wskit.Context) error {
		handlerRan = true
		return c.Reply(ctx, map[string]any{"text": "x"}, nil)
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "ECHO", map[string]any{"correlationId": "c1"}, map[string]any{"text": 7}))

	assert.False(t, handlerRan)
	env := conn.sentEnvelope(t, 0)
	assert.Equal(t, "RPC_ERROR", env.Type)
	payload := env.errorPayload(t)
	assert.Equal(t, wskit.CodeInvalidArgument, payload.Code)
	assert.Contains(t, payload.Details, "issues")
}

func TestDispatch_PayloadOnPayloadlessType(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	require.NoError(t, router.RPC(pingDef(), func(ctx context.Context, c *wskit.Context) error {
		return c.Reply(ctx, map[string]any{"ok": true}, nil)
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, map[string]any{"sneaky": 1}))

	env := conn.sentEnvelope(t, 0)
	assert.Equal(t, "RPC_ERROR", env.Type)
	assert.Equal(t, wskit.CodeInvalidArgument, env.errorPayload(t).Code)
}

func TestDispatch_HandlerErrorBecomesInternal(t *testing.T) {
	var hookErr error
	router := newTestRouter(t, wskit.Options{
		Hooks: wskit.Hooks{OnError: func(_ *wskit.Connection, err error) { hookErr = err }},
	})
	require.NoError(t, router.RPC(pingDef(), func(context.Context, *wskit.Context) error {
		return errors.New("database exploded: secret dsn")
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))

	require.Error(t, hookErr)
	env := conn.sentEnvelope(t, 0)
	assert.Equal(t, "RPC_ERROR", env.Type)
	payload := env.errorPayload(t)
	assert.Equal(t, wskit.CodeInternal, payload.Code)
	// The internal detail never reaches the wire.
	assert.NotContains(t, payload.Message, "secret dsn")
}

func TestDispatch_HandlerErrorKeepsTaxonomyCode(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	require.NoError(t, router.RPC(pingDef(), func(context.Context, *wskit.Context) error {
		return wskit.NewError(wskit.CodeNotFound, "no such thing").WithDetail("id", "42")
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))

	payload := conn.sentEnvelope(t, 0).errorPayload(t)
	assert.Equal(t, wskit.CodeNotFound, payload.Code)
	assert.Equal(t, "no such thing", payload.Message)
	assert.Equal(t, "42", payload.Details["id"])
}

func TestDispatch_HandlerPanicRecovered(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	require.NoError(t, router.RPC(pingDef(), func(context.Context, *wskit.Context) error {
		panic("boom")
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	require.NotPanics(t, func() {
		router.HandleMessage(context.Background(), c,
			frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))
	})
	payload := conn.sentEnvelope(t, 0).errorPayload(t)
	assert.Equal(t, wskit.CodeInternal, payload.Code)
}

func TestDispatch_TerminalOnce(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	require.NoError(t, router.RPC(pingDef(), func(ctx context.Context, c *wskit.Context) error {
		require.NoError(t, c.Reply(ctx, map[string]any{"ok": true}, nil))
		// Later terminals are idempotent no-ops.
		require.NoError(t, c.Error(ctx, wskit.CodeInternal, "too late", nil, nil))
		require.NoError(t, c.Reply(ctx, map[string]any{"ok": false}, nil))
		return nil
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))

	require.Len(t, conn.sent(), 1)
	assert.Equal(t, "PONG", conn.sentEnvelope(t, 0).Type)
}

func TestDispatch_AbortedReplyLeavesTerminalAvailable(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	require.NoError(t, router.RPC(pingDef(), func(ctx context.Context, c *wskit.Context) error {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		// A reply on a cancelled context is a no-op and must not consume the
		// terminal.
		require.NoError(t, c.Reply(cancelled, map[string]any{"ok": true}, nil))
		return c.Error(ctx, wskit.CodeTimedOut, "deadline passed", nil, nil)
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))

	require.Len(t, conn.sent(), 1)
	env := conn.sentEnvelope(t, 0)
	assert.Equal(t, "RPC_ERROR", env.Type)
	assert.Equal(t, "c1", env.Meta["correlationId"])
	assert.Equal(t, wskit.CodeTimedOut, env.errorPayload(t).Code)
}

func TestDispatch_AbortedReplyStillWarnsIncompleteRPC(t *testing.T) {
	logger := &recordingLogger{}
	router := newTestRouter(t, wskit.Options{Logger: logger})
	require.NoError(t, router.RPC(pingDef(), func(ctx context.Context, c *wskit.Context) error {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		return c.Reply(cancelled, map[string]any{"ok": true}, nil)
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))

	// Nothing reached the wire and no terminal was committed, so the
	// incomplete-RPC diagnostic must still fire.
	assert.Empty(t, conn.sent())
	warnings := logger.warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "without reply or error")
}

func TestDispatch_HandlerErrorAfterReplyEmitsNothing(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	require.NoError(t, router.RPC(pingDef(), func(ctx context.Context, c *wskit.Context) error {
		require.NoError(t, c.Reply(ctx, map[string]any{"ok": true}, nil))
		return errors.New("late failure")
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))

	// The reply already terminated the RPC; the late error is logged, not
	// emitted.
	require.Len(t, conn.sent(), 1)
	assert.Equal(t, "PONG", conn.sentEnvelope(t, 0).Type)
}

func TestDispatch_EventErrorIsRepeatable(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	require.NoError(t, router.On(wskit.Message("EV", nil), func(ctx context.Context, c *wskit.Context) error {
		require.NoError(t, c.Error(ctx, wskit.CodeNotFound, "first", nil, nil))
		require.NoError(t, c.Error(ctx, wskit.CodeNotFound, "second", nil, nil))
		return nil
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c, frame(t, "EV", nil, nil))

	require.Len(t, conn.sent(), 2)
	assert.Equal(t, "ERROR", conn.sentEnvelope(t, 0).Type)
	assert.Equal(t, "ERROR", conn.sentEnvelope(t, 1).Type)
}

func TestDispatch_ReplyOnEventContextIsMisuse(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	var replyErr error
	require.NoError(t, router.On(wskit.Message("EV", nil), func(ctx context.Context, c *wskit.Context) error {
		replyErr = c.Reply(ctx, map[string]any{"ok": true}, nil)
		return nil
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c, frame(t, "EV", nil, nil))

	require.Error(t, replyErr)
	assert.Equal(t, wskit.CodeFailedPrecondition, wskit.CodeOf(replyErr))
	assert.Empty(t, conn.sent())
}

func TestDispatch_Progress(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	require.NoError(t, router.RPC(pingDef(), func(ctx context.Context, c *wskit.Context) error {
		require.NoError(t, c.Progress(ctx, map[string]any{"ok": false}, nil))
		require.NoError(t, c.Progress(ctx, map[string]any{"ok": false}, nil))
		require.NoError(t, c.Reply(ctx, map[string]any{"ok": true}, nil))
		// Progress after the terminal is a no-op.
		require.NoError(t, c.Progress(ctx, map[string]any{"ok": false}, nil))
		return nil
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))

	require.Len(t, conn.sent(), 3)
	for i := 0; i < 3; i++ {
		env := conn.sentEnvelope(t, i)
		assert.Equal(t, "PONG", env.Type)
		assert.Equal(t, "c1", env.Meta["correlationId"])
	}
}

func TestDispatch_ProgressThrottle(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	opts := &wskit.SendOptions{ThrottleMS: 60_000}
	require.NoError(t, router.RPC(pingDef(), func(ctx context.Context, c *wskit.Context) error {
		require.NoError(t, c.Progress(ctx, map[string]any{"ok": false}, opts))
		// Inside the throttle window: silently skipped.
		require.NoError(t, c.Progress(ctx, map[string]any{"ok": false}, opts))
		return c.Reply(ctx, map[string]any{"ok": true}, nil)
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))

	assert.Len(t, conn.sent(), 2)
}

func TestDispatch_ReplyEgressValidationCollapsesToErrorFrame(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	require.NoError(t, router.RPC(pingDef(), func(ctx context.Context, c *wskit.Context) error {
		// Violates the PONG schema: ok must be boolean.
		return c.Reply(ctx, map[string]any{"ok": "yes"}, nil)
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))

	require.Len(t, conn.sent(), 1)
	env := conn.sentEnvelope(t, 0)
	assert.Equal(t, "RPC_ERROR", env.Type)
	assert.Equal(t, "c1", env.Meta["correlationId"])
	payload := env.errorPayload(t)
	assert.Equal(t, wskit.CodeOutboundValidation, payload.Code)
	assert.Equal(t, "PONG", payload.Details["responseType"])
}

func TestDispatch_IncompleteRPCWarning(t *testing.T) {
	logger := &recordingLogger{}
	router := newTestRouter(t, wskit.Options{Logger: logger})
	require.NoError(t, router.RPC(pingDef(), func(context.Context, *wskit.Context) error {
		return nil // forgot to reply
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))

	assert.Empty(t, conn.sent())
	warned := false
	for _, msg := range logger.warnings() {
		if strings.Contains(msg, "without reply or error") {
			warned = true
		}
	}
	assert.True(t, warned, "expected an incomplete-RPC diagnostic")
}

func TestDispatch_IncompleteRPCWarningDisabled(t *testing.T) {
	logger := &recordingLogger{}
	warn := false
	router := newTestRouter(t, wskit.Options{Logger: logger, WarnIncompleteRPC: &warn})
	require.NoError(t, router.RPC(pingDef(), func(context.Context, *wskit.Context) error {
		return nil
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "PING", map[string]any{"correlationId": "c1"}, nil))

	for _, msg := range logger.warnings() {
		assert.NotContains(t, msg, "without reply or error")
	}
}

func TestDispatch_MiddlewareOrder(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	var order []string
	mw := func(name string) wskit.Middleware {
		return func(next wskit.Handler) wskit.Handler {
			return func(ctx context.Context, c *wskit.Context) error {
				order = append(order, name)
				return next(ctx, c)
			}
		}
	}
	def := wskit.Message("EV", nil)
	require.NoError(t, router.On(def, func(context.Context, *wskit.Context) error {
		order = append(order, "handler")
		return nil
	}))
	router.Use(mw("g1"))
	router.Use(mw("g2"))
	router.UseFor(def, mw("t1"))

	conn := newFakeConn()
	c := router.Connect(conn, "", nil)
	router.HandleMessage(context.Background(), c, frame(t, "EV", nil, nil))

	assert.Equal(t, []string{"g1", "g2", "t1", "handler"}, order)
}

func TestDispatch_MiddlewareCanShortCircuit(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	handlerRan := false
	require.NoError(t, router.On(wskit.Message("EV", nil), func(context.Context, *wskit.Context) error {
		handlerRan = true
		return nil
	}))
	router.Use(func(wskit.Handler) wskit.Handler {
		return func(context.Context, *wskit.Context) error {
			return wskit.NewError(wskit.CodePermissionDenied, "nope")
		}
	})

	conn := newFakeConn()
	c := router.Connect(conn, "", nil)
	router.HandleMessage(context.Background(), c, frame(t, "EV", nil, nil))

	assert.False(t, handlerRan)
	payload := conn.sentEnvelope(t, 0).errorPayload(t)
	assert.Equal(t, wskit.CodePermissionDenied, payload.Code)
}

func TestDispatch_SendWaitDrain(t *testing.T) {
	router := newTestRouter(t, wskit.Options{})
	def := noteDef()
	require.NoError(t, router.On(def, func(ctx context.Context, c *wskit.Context) error {
		return c.Send(ctx, def, map[string]any{"text": "hi"}, &wskit.SendOptions{WaitDrain: true})
	}))
	conn := newFakeConn()
	c := router.Connect(conn, "", nil)

	router.HandleMessage(context.Background(), c,
		frame(t, "NOTE", nil, map[string]any{"text": "in"}))

	assert.Len(t, conn.sent(), 1)
	assert.Equal(t, 1, conn.drainCalls)
}
