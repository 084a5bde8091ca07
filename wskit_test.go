// file: wskit_test.go

// Shared fixtures for the router test suite: an in-memory transport handle
// and frame helpers.
package wskit_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	wskit "github.com/kriasoft/ws-kit-go"
	"github.com/kriasoft/ws-kit-go/logging"
	schemajson "github.com/kriasoft/ws-kit-go/schema/jsonschema"
)

// fakeConn is an in-memory transport handle recording everything sent.
type fakeConn struct {
	mu          sync.Mutex
	frames      [][]byte
	state       wskit.ReadyState
	closeCode   int
	closeReason string
	drainCalls  int
	sendErr     error
}

var (
	_ wskit.Conn        = (*fakeConn)(nil)
	_ wskit.DrainWaiter = (*fakeConn)(nil)
)

func newFakeConn() *fakeConn {
	return &fakeConn{state: wskit.StateOpen}
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.state >= wskit.StateClosing {
		return wskit.NewError(wskit.CodeConnectionClosed, "connection is closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = wskit.StateClosed
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *fakeConn) Subscribe(context.Context, string) error   { return nil }
func (c *fakeConn) Unsubscribe(context.Context, string) error { return nil }

func (c *fakeConn) ReadyState() wskit.ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) WaitDrain(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainCalls++
	return nil
}

func (c *fakeConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// sentEnvelope decodes the i-th recorded frame.
func (c *fakeConn) sentEnvelope(t *testing.T, i int) wireFrame {
	t.Helper()
	frames := c.sent()
	require.Greater(t, len(frames), i, "expected at least %d frames, got %d", i+1, len(frames))
	var env wireFrame
	require.NoError(t, json.Unmarshal(frames[i], &env))
	return env
}

// wireFrame is the decoded shape of one outbound frame.
type wireFrame struct {
	Type    string          `json:"type"`
	Meta    map[string]any  `json:"meta"`
	Payload json.RawMessage `json:"payload"`
}

func (f wireFrame) errorPayload(t *testing.T) wskit.ErrorPayload {
	t.Helper()
	var payload wskit.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	return payload
}

// frame builds an inbound wire frame.
func frame(t *testing.T, msgType string, meta map[string]any, payload any) []byte {
	t.Helper()
	env := map[string]any{"type": msgType}
	if meta != nil {
		env["meta"] = meta
	}
	if payload != nil {
		env["payload"] = payload
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

// recordingLogger captures warn/error log calls for assertions.
type recordingLogger struct {
	logging.NoopLogger
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) WithContext(context.Context) logging.Logger { return l }
func (l *recordingLogger) WithField(string, any) logging.Logger       { return l }

func (l *recordingLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.warns))
	copy(out, l.warns)
	return out
}

// newTestRouter builds a router with the JSON Schema validator bound, failing
// the test on construction errors.
func newTestRouter(t *testing.T, opts wskit.Options) *wskit.Router {
	t.Helper()
	if opts.Validator == nil {
		opts.Validator = schemajson.New(nil)
	}
	router, err := wskit.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Close() })
	return router
}

// Shared message descriptors for the suite. Fresh descriptors per call so
// tests cannot interfere through shared response bindings.
const pongPayloadSchema = `{
	"type": "object",
	"properties": {"ok": {"type": "boolean"}},
	"required": ["ok"],
	"additionalProperties": false
}`

func pingDef() *wskit.MessageDef {
	return wskit.RPC(
		wskit.Message("PING", nil),
		wskit.Message("PONG", pongPayloadSchema),
	)
}

const echoPayloadSchema = `{
	"type": "object",
	"properties": {"text": {"type": "string", "minLength": 1}},
	"required": ["text"],
	"additionalProperties": false
}`

func echoDef() *wskit.MessageDef {
	return wskit.RPC(
		wskit.Message("ECHO", echoPayloadSchema),
		wskit.Message("ECHO_RESULT", echoPayloadSchema),
	)
}

func noteDef() *wskit.MessageDef {
	return wskit.Message("NOTE", echoPayloadSchema)
}
