package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Inbound event names.
const (
	eventAuthenticate   = "authenticate"
	eventJoinRoom       = "join_room"
	eventLeaveRoom      = "leave_room"
	eventSendMessage    = "send_message"
	eventTyping         = "typing"
	eventAdminBroadcast = "admin_broadcast"
)

// inboundFrame is the envelope of every client frame.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type authenticateRequest struct {
	Token string `json:"token"`
}

type joinRoomRequest struct {
	RoomID   int64  `json:"room_id"`
	Password string `json:"password"`
}

type leaveRoomRequest struct {
	RoomID int64 `json:"room_id"`
}

type sendMessageRequest struct {
	RoomID  int64  `json:"room_id"`
	Content string `json:"content"`
}

type typingRequest struct {
	RoomID   int64 `json:"room_id"`
	IsTyping bool  `json:"is_typing"`
}

type adminBroadcastRequest struct {
	Content string `json:"content"`
}

// inboundHandler serves one inbound event for an authenticated client.
type inboundHandler func(ctx context.Context, c *Client, data json.RawMessage) error

var inboundHandlers = map[string]inboundHandler{
	eventAuthenticate:   handleAuthenticate,
	eventJoinRoom:       handleJoinRoom,
	eventLeaveRoom:      handleLeaveRoom,
	eventSendMessage:    handleSendMessage,
	eventTyping:         handleTyping,
	eventAdminBroadcast: handleAdminBroadcast,
}

func decodeRequest(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", chat.ErrInvalidRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidRequest, err)
	}
	return nil
}

func handleAuthenticate(context.Context, *Client, json.RawMessage) error {
	return fmt.Errorf("%w: already authenticated", chat.ErrInvalidRequest)
}

func handleJoinRoom(ctx context.Context, c *Client, data json.RawMessage) error {
	var req joinRoomRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	return c.session.JoinRoom(ctx, req.RoomID, req.Password)
}

func handleLeaveRoom(_ context.Context, c *Client, data json.RawMessage) error {
	var req leaveRoomRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	return c.session.LeaveRoom(req.RoomID)
}

func handleSendMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var req sendMessageRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	_, err := c.session.SendMessage(ctx, req.RoomID, req.Content)
	return err
}

func handleTyping(_ context.Context, c *Client, data json.RawMessage) error {
	var req typingRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	return c.session.Typing(req.RoomID, req.IsTyping)
}

func handleAdminBroadcast(_ context.Context, c *Client, data json.RawMessage) error {
	var req adminBroadcastRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	return c.session.AdminBroadcast(req.Content)
}
