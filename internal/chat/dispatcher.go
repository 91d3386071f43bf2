package chat

import (
	"context"
	"fmt"
)

// Kind selects the router operation a dispatched event maps to.
type Kind string

// Dispatchable event kinds.
const (
	KindMessage     Kind = "message"
	KindRoomClosed  Kind = "room_closed"
	KindRoomDeleted Kind = "room_deleted"
	KindBroadcast   Kind = "broadcast"
)

// MessageDispatch is the payload for KindMessage.
type MessageDispatch struct {
	Author  Principal
	Content string
}

// BroadcastDispatch is the payload for KindBroadcast.
type BroadcastDispatch struct {
	From    Principal
	Content string
}

// Dispatcher lets request handlers outside the real-time path reach
// connected clients. It does no authorization of its own, and every call
// returns only after the fan-out has been handed to the transport.
type Dispatcher struct {
	router *Router
}

// NewDispatcher returns a dispatcher over router.
func NewDispatcher(router *Router) *Dispatcher {
	return &Dispatcher{router: router}
}

// Dispatch routes an event of the given kind. payload must be a
// MessageDispatch for KindMessage and a BroadcastDispatch for KindBroadcast;
// the room kinds ignore it.
func (d *Dispatcher) Dispatch(ctx context.Context, kind Kind, roomID int64, payload any) error {
	switch kind {
	case KindMessage:
		m, ok := payload.(MessageDispatch)
		if !ok {
			return fmt.Errorf("dispatch %s: unexpected payload %T", kind, payload)
		}
		_, err := d.router.PublishMessage(ctx, roomID, m.Author, m.Content)
		return err
	case KindRoomClosed:
		return d.router.CloseRoom(ctx, roomID)
	case KindRoomDeleted:
		return d.router.DeleteRoom(ctx, roomID)
	case KindBroadcast:
		b, ok := payload.(BroadcastDispatch)
		if !ok {
			return fmt.Errorf("dispatch %s: unexpected payload %T", kind, payload)
		}
		d.router.BroadcastAdmin(b.From, b.Content)
		return nil
	default:
		return fmt.Errorf("dispatch: unknown kind %q", kind)
	}
}

// PublishMessage persists and fans out a message, returning the stored row.
func (d *Dispatcher) PublishMessage(ctx context.Context, roomID int64, author Principal, content string) (Message, error) {
	return d.router.PublishMessage(ctx, roomID, author, content)
}

// CloseRoom closes a room for everyone currently in it.
func (d *Dispatcher) CloseRoom(ctx context.Context, roomID int64) error {
	return d.Dispatch(ctx, KindRoomClosed, roomID, nil)
}

// DeleteRoom deletes a room after notifying everyone currently in it.
func (d *Dispatcher) DeleteRoom(ctx context.Context, roomID int64) error {
	return d.Dispatch(ctx, KindRoomDeleted, roomID, nil)
}
