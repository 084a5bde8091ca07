// file: cmd/wskit-chat/messages.go
package main

import (
	"context"
	"time"

	wskit "github.com/kriasoft/ws-kit-go"
)

// Payload schemas, draft 2020-12. The envelope discriminant lives in the
// message descriptor; these validate payloads only.
const (
	pongSchema = `{
		"type": "object",
		"properties": {
			"serverTime": {"type": "integer"}
		},
		"required": ["serverTime"],
		"additionalProperties": false
	}`

	roomRefSchema = `{
		"type": "object",
		"properties": {
			"room": {"type": "string", "minLength": 1, "maxLength": 64}
		},
		"required": ["room"],
		"additionalProperties": false
	}`

	roomAckSchema = `{
		"type": "object",
		"properties": {
			"room": {"type": "string"},
			"members": {"type": "integer"}
		},
		"required": ["room"],
		"additionalProperties": false
	}`

	chatSendSchema = `{
		"type": "object",
		"properties": {
			"room": {"type": "string", "minLength": 1, "maxLength": 64},
			"text": {"type": "string", "minLength": 1, "maxLength": 2000}
		},
		"required": ["room", "text"],
		"additionalProperties": false
	}`

	chatEventSchema = `{
		"type": "object",
		"properties": {
			"room": {"type": "string"},
			"from": {"type": "string"},
			"text": {"type": "string"},
			"sentAt": {"type": "integer"}
		},
		"required": ["room", "from", "text", "sentAt"],
		"additionalProperties": false
	}`
)

// Message descriptors. Ping carries no payload; the rest bind payload schemas
// above.
var (
	pingMsg = wskit.RPC(
		wskit.Message("PING", nil),
		wskit.Message("PONG", pongSchema),
	)
	roomJoinMsg = wskit.RPC(
		wskit.Message("room.join", roomRefSchema),
		wskit.Message("room.joined", roomAckSchema),
	)
	roomLeaveMsg = wskit.RPC(
		wskit.Message("room.leave", roomRefSchema),
		wskit.Message("room.left", roomAckSchema),
	)
	chatSendMsg  = wskit.Message("chat.send", chatSendSchema)
	chatEventMsg = wskit.Message("chat.event", chatEventSchema)
)

func roomTopic(room string) string {
	return "room:" + room
}

// registerHandlers wires the chat surface onto the router.
func registerHandlers(router *wskit.Router) error {
	if err := router.RPC(pingMsg, handlePing); err != nil {
		return err
	}
	if err := router.RPC(roomJoinMsg, handleRoomJoin); err != nil {
		return err
	}
	if err := router.RPC(roomLeaveMsg, handleRoomLeave); err != nil {
		return err
	}
	return router.On(chatSendMsg, handleChatSend)
}

func handlePing(ctx context.Context, c *wskit.Context) error {
	return c.Reply(ctx, map[string]any{"serverTime": time.Now().UnixMilli()}, nil)
}

type roomRef struct {
	Room string `json:"room"`
}

func handleRoomJoin(ctx context.Context, c *wskit.Context) error {
	var req roomRef
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Topics().Subscribe(ctx, roomTopic(req.Room)); err != nil {
		return err
	}
	return c.Reply(ctx, map[string]any{
		"room":    req.Room,
		"members": c.Topics().Len(),
	}, nil)
}

func handleRoomLeave(ctx context.Context, c *wskit.Context) error {
	var req roomRef
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Topics().Unsubscribe(ctx, roomTopic(req.Room)); err != nil {
		return err
	}
	return c.Reply(ctx, map[string]any{"room": req.Room}, nil)
}

type chatSend struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

func handleChatSend(ctx context.Context, c *wskit.Context) error {
	var req chatSend
	if err := c.Bind(&req); err != nil {
		return err
	}
	if !c.Topics().Has(roomTopic(req.Room)) {
		return wskit.NewError(wskit.CodeFailedPrecondition, "join the room before sending").
			WithDetail("room", req.Room)
	}
	displayName := c.ClientID()
	if name, ok := c.Data()["name"].(string); ok && name != "" {
		displayName = name
	}
	result := c.Publish(ctx, roomTopic(req.Room), chatEventMsg, map[string]any{
		"room":   req.Room,
		"from":   displayName,
		"text":   req.Text,
		"sentAt": time.Now().UnixMilli(),
	}, &wskit.PublishOptions{ExcludeClientID: c.ClientID()})
	if !result.OK {
		if result.Err != nil {
			return result.Err
		}
		return wskit.NewError(wskit.CodeInternal, "publish failed").
			WithDetail("reason", string(result.Reason))
	}
	return nil
}
