// file: envelope.go
package wskit

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"
)

// Reserved meta keys. These are server-owned: values supplied by a client
// are stripped on ingress and re-injected by the server before dispatch.
const (
	// MetaClientID is the server-generated connection identity.
	MetaClientID = "clientId"
	// MetaReceivedAt is the authoritative server receive time (unix millis).
	MetaReceivedAt = "receivedAt"
	// MetaCorrelationID links an RPC response to its request. The
	// request-side value is read-only to handlers; the response-side value
	// is copied by the server.
	MetaCorrelationID = "correlationId"
	// MetaTimestamp is stamped by the server on egress. A client-supplied
	// timestamp is preserved on ingress but untrusted; Context.ReceivedAt
	// is the trusted value.
	MetaTimestamp = "timestamp"
)

// Outbound error frame types. RPCError is used whenever the offending
// inbound message carried a correlation id; Error otherwise.
const (
	TypeError    = "ERROR"
	TypeRPCError = "RPC_ERROR"
)

// Envelope is the wire form of every message: a type discriminant, a meta
// object carrying protocol fields, and an optional payload. Payload is
// absent when the message's schema declares none.
type Envelope struct {
	Type    string          `json:"type"`
	Meta    map[string]any  `json:"meta"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an ERROR / RPC_ERROR frame.
type ErrorPayload struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// decodeEnvelope parses raw into an Envelope, rejecting unknown keys at the
// envelope root and non-object meta.
func decodeEnvelope(raw []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, errors.Wrap(err, "failed to parse envelope")
	}
	// A frame is exactly one JSON value; anything after it is rejected.
	if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		return nil, errors.New("envelope has trailing data")
	}
	if env.Type == "" {
		return nil, errors.New("envelope is missing 'type'")
	}
	if env.Meta == nil {
		env.Meta = make(map[string]any)
	}
	return &env, nil
}

// encodeEnvelope serializes env for the wire.
func encodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode envelope")
	}
	return data, nil
}

// isReservedMetaKey reports whether key is server-owned for a message of the
// given type. The key named by the type discriminant itself is reserved too.
func isReservedMetaKey(key, msgType string) bool {
	switch key {
	case MetaClientID, MetaReceivedAt, MetaCorrelationID:
		return true
	}
	return msgType != "" && key == msgType
}

// sanitizeMeta returns a copy of meta with all reserved keys removed.
// The input map is never mutated. A nil input yields an empty map.
func sanitizeMeta(meta map[string]any, msgType string) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if isReservedMetaKey(k, msgType) {
			continue
		}
		out[k] = v
	}
	return out
}

// correlationIDOf extracts meta.correlationId when present and a string.
func correlationIDOf(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[MetaCorrelationID]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// peekCorrelationID best-effort extracts meta.correlationId from a raw frame
// that may have been rejected before full decoding (oversize frames still
// need a correlated RPC_ERROR).
func peekCorrelationID(raw []byte) string {
	var probe struct {
		Meta map[string]any `json:"meta"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return correlationIDOf(probe.Meta)
}

// errorEnvelope builds an ERROR or RPC_ERROR frame for wireErr. The frame
// type is RPC_ERROR iff correlationID is non-empty.
func errorEnvelope(correlationID string, wireErr *Error) *Envelope {
	env := &Envelope{
		Type: TypeError,
		Meta: map[string]any{},
	}
	if correlationID != "" {
		env.Type = TypeRPCError
		env.Meta[MetaCorrelationID] = correlationID
	}
	payload, err := json.Marshal(ErrorPayload{
		Code:    wireErr.Code,
		Message: wireErr.Message,
		Details: wireErr.Details,
	})
	if err != nil {
		// Details contained an unserializable value; degrade to code+message.
		payload, _ = json.Marshal(ErrorPayload{Code: wireErr.Code, Message: wireErr.Message})
	}
	env.Payload = payload
	return env
}
