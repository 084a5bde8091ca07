// file: dispatch.go
package wskit

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// HandleMessage runs the dispatch pipeline for one inbound frame on behalf
// of c. Dispatch is serialized per connection: message N's handler returns
// before message N+1 begins. Platform adapters call this from their read
// loop.
func (r *Router) HandleMessage(ctx context.Context, c *Connection, raw []byte) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	r.dispatch(ctx, c, raw)
}

func (r *Router) dispatch(ctx context.Context, c *Connection, raw []byte) {
	// 1. Payload budget, enforced before JSON decoding. The limit hook
	// always runs; OnError never does for limit violations.
	if len(raw) > r.limits.MaxPayloadBytes {
		r.handleOversize(ctx, c, raw)
		return
	}

	// 2. Decode the envelope.
	env, err := decodeEnvelope(raw)
	if err != nil {
		r.emitWireError(ctx, c, peekCorrelationID(raw),
			NewError(CodeInvalidArgument, "malformed message envelope").WithCause(err))
		return
	}

	// 3. Strip reserved meta keys from client input and stamp server-owned
	// meta. The client's timestamp survives (untrusted); receivedAt is the
	// authoritative time.
	correlationID := correlationIDOf(env.Meta)
	receivedAt := time.Now()
	clientMeta := sanitizeMeta(env.Meta, env.Type)
	meta := make(map[string]any, len(clientMeta)+3)
	for k, v := range clientMeta {
		meta[k] = v
	}
	meta[MetaClientID] = c.ClientID
	meta[MetaReceivedAt] = receivedAt.UnixMilli()
	if correlationID != "" {
		meta[MetaCorrelationID] = correlationID
	}

	// 4. Resolve the handler.
	r.mu.RLock()
	reg := r.handlers[env.Type]
	global := r.global
	typeMW := r.perType[env.Type]
	r.mu.RUnlock()
	if reg == nil {
		r.emitWireError(ctx, c, correlationID,
			NewError(CodeUnsupportedMessageType, "no handler registered for message type").
				WithDetail("type", env.Type))
		return
	}

	// 5. Validate payload and user meta against the descriptor's schemas.
	if vErr := r.validateInbound(reg.def, env, clientMeta); vErr != nil {
		r.emitWireError(ctx, c, correlationID, vErr)
		return
	}

	// 6. Build the per-dispatch context.
	mc := &Context{
		router:        r,
		conn:          c,
		def:           reg.def,
		isRPC:         reg.isRPC,
		msgType:       env.Type,
		correlationID: correlationID,
		receivedAt:    receivedAt,
		meta:          meta,
		payload:       env.Payload,
		Extensions:    make(map[string]any),
	}

	// 7. Middleware chain: global before per-type, each in registration
	// order, then the handler.
	h := reg.handler
	chain := make([]Middleware, 0, len(global)+len(typeMW))
	chain = append(chain, global...)
	chain = append(chain, typeMW...)
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}

	// 8. Invoke; uncaught errors become one error frame plus OnError.
	if err := r.invoke(ctx, h, mc); err != nil {
		r.logger.Error("Handler failed.",
			"type", env.Type, "clientId", c.ClientID, "error", err)
		if r.hooks.OnError != nil {
			r.hooks.OnError(c, err)
		}
		wireErr := AsError(err)
		if !mc.isRPC || mc.commitTerminal() {
			r.emitWireError(ctx, c, correlationID, wireErr)
		}
		return
	}

	// An RPC handler that resolves without a terminal usually forgot to
	// reply; the diagnostic names the escape hatch.
	if reg.isRPC && r.warnIncompleteRPC && !mc.TerminalSent() {
		r.logger.Warn("RPC handler resolved without reply or error; set WarnIncompleteRPC to false to silence this.",
			"type", env.Type, "correlationId", correlationID)
	}
}

// invoke runs the composed chain, converting panics into errors so one
// handler cannot take the connection's read loop down.
func (r *Router) invoke(ctx context.Context, h Handler, mc *Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("handler panic: %v", rec)
		}
	}()
	return h(ctx, mc)
}

// validateInbound applies the descriptor's payload and meta schemas.
// Strict-unknown-keys at the envelope root is handled by the decoder; the
// payload and meta roots are as strict as their schemas say.
func (r *Router) validateInbound(def *MessageDef, env *Envelope, clientMeta map[string]any) *Error {
	if r.validator == nil {
		return nil
	}
	if def.Payload != nil {
		payload := env.Payload
		if payload == nil {
			payload = json.RawMessage("null")
		}
		if result := r.validator.SafeParse(def.Payload, payload); !result.OK {
			vErr := NewError(CodeInvalidArgument, "payload failed schema validation").
				WithDetail("type", env.Type)
			for k, v := range issueDetails(result.Issues) {
				vErr.WithDetail(k, v)
			}
			return vErr
		}
	} else if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		return NewError(CodeInvalidArgument, "message type declares no payload").
			WithDetail("type", env.Type)
	}
	if def.Meta != nil {
		metaJSON, err := json.Marshal(clientMeta)
		if err != nil {
			return NewError(CodeInvalidArgument, "meta is not serializable").WithCause(err)
		}
		if result := r.validator.SafeParse(def.Meta, metaJSON); !result.OK {
			vErr := NewError(CodeInvalidArgument, "meta failed schema validation").
				WithDetail("type", env.Type)
			for k, v := range issueDetails(result.Issues) {
				vErr.WithDetail(k, v)
			}
			return vErr
		}
	}
	return nil
}

// handleOversize applies the configured payload-limit action.
func (r *Router) handleOversize(ctx context.Context, c *Connection, raw []byte) {
	correlationID := peekCorrelationID(raw)
	if r.hooks.OnLimitExceeded != nil {
		r.hooks.OnLimitExceeded(LimitInfo{
			Connection:    c,
			Observed:      len(raw),
			Limit:         r.limits.MaxPayloadBytes,
			CorrelationID: correlationID,
		})
	}
	switch r.limits.OnExceeded {
	case ExceedSend:
		r.emitWireError(ctx, c, correlationID,
			NewError(CodeResourceExhausted, "payload exceeds size limit").
				WithDetail("observed", len(raw)).
				WithDetail("limit", r.limits.MaxPayloadBytes))
	case ExceedClose:
		if err := c.Conn().Close(r.limits.CloseCode, string(CodeResourceExhausted)); err != nil {
			r.logger.Warn("Close after limit violation failed.",
				"clientId", c.ClientID, "error", err)
		}
	case ExceedCustom:
		// Hook only; no egress, no close.
	}
}

// emitWireError sends one ERROR / RPC_ERROR frame for an inbound message.
// The frame type is RPC_ERROR iff the inbound carried a correlation id.
func (r *Router) emitWireError(ctx context.Context, c *Connection, correlationID string, wireErr *Error) {
	data, err := encodeEnvelope(errorEnvelope(correlationID, wireErr))
	if err != nil {
		r.logger.Error("Failed to encode error frame.", "error", err)
		return
	}
	if err := c.Conn().Send(ctx, data); err != nil {
		r.logger.Warn("Failed to send error frame.",
			"clientId", c.ClientID, "code", wireErr.Code, "error", err)
	}
}
