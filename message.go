// file: message.go
package wskit

// MessageDef describes one message type: its type discriminant, an optional
// payload schema, and an optional user-extensible meta schema. Schemas are
// opaque; they are interpreted only by the configured Validator.
type MessageDef struct {
	// Type is the discriminant carried in the envelope.
	Type string
	// Payload is the payload schema, or nil when the type has no payload.
	Payload any
	// Meta is an optional schema for user meta keys.
	Meta any

	// response binds the RPC response descriptor. It is deliberately
	// unexported: reachable from the request descriptor for egress
	// validation, but not part of the enumerable surface.
	response *MessageDef
}

// Message creates a descriptor for a fire-and-forget message type.
// payloadSchema may be nil for types that carry no payload. msgType may be
// empty when payloadSchema carries its own "type" constant; the router
// derives it at registration.
func Message(msgType string, payloadSchema any) *MessageDef {
	return &MessageDef{Type: msgType, Payload: payloadSchema}
}

// WithMeta attaches a user meta schema and returns the descriptor.
func (d *MessageDef) WithMeta(metaSchema any) *MessageDef {
	d.Meta = metaSchema
	return d
}

// RPC binds a response descriptor to a request descriptor, producing an RPC
// pair. The response payload schema is optional; the response type is not.
func RPC(request, response *MessageDef) *MessageDef {
	request.response = response
	return request
}

// Response returns the bound response descriptor, or nil for non-RPC types.
func (d *MessageDef) Response() *MessageDef {
	return d.response
}
