package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

type member struct {
	conn      Conn
	principal Principal
}

// liveRoom is the in-memory state of one room. Its mutex serializes every
// operation on the room, including the storage round trips of join, publish,
// close and delete, so fan-out order always equals persisted order.
type liveRoom struct {
	id      int64
	mu      sync.Mutex
	ref     RoomRef
	loaded  bool
	members map[string]member
	// retired is set once the room has been dropped from the router table;
	// callers holding a stale pointer must look the room up again.
	retired bool
}

// Router owns the live membership of every open room and fans events out to
// exactly the connections subscribed to a room.
//
// Lock order is room.mu then Router.mu. No goroutine ever holds two room
// locks at once.
type Router struct {
	gw  Gateway
	dir *Directory
	log *slog.Logger

	mu    sync.Mutex
	rooms map[int64]*liveRoom
	subs  map[string]map[int64]struct{}
}

// NewRouter returns a router backed by gw. Admin broadcasts reach every
// connection registered in dir.
func NewRouter(gw Gateway, dir *Directory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		gw:    gw,
		dir:   dir,
		log:   logger,
		rooms: make(map[int64]*liveRoom),
		subs:  make(map[string]map[int64]struct{}),
	}
}

// lockRoom returns the live room for id, creating it if needed, with its
// mutex held.
func (r *Router) lockRoom(id int64) *liveRoom {
	for {
		r.mu.Lock()
		room, ok := r.rooms[id]
		if !ok {
			room = &liveRoom{id: id, members: make(map[string]member)}
			r.rooms[id] = room
		}
		r.mu.Unlock()

		room.mu.Lock()
		if !room.retired {
			return room
		}
		room.mu.Unlock()
	}
}

// lookupRoom is lockRoom without creation. It returns nil when no
// connection is subscribed to the room.
func (r *Router) lookupRoom(id int64) *liveRoom {
	r.mu.Lock()
	room, ok := r.rooms[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	room.mu.Lock()
	if room.retired {
		room.mu.Unlock()
		return nil
	}
	return room
}

// unlockRoom releases room, dropping it from the table first if nobody is
// subscribed any more.
func (r *Router) unlockRoom(room *liveRoom) {
	if len(room.members) == 0 {
		r.mu.Lock()
		if r.rooms[room.id] == room {
			delete(r.rooms, room.id)
		}
		r.mu.Unlock()
		room.retired = true
	}
	room.mu.Unlock()
}

func (r *Router) refLocked(ctx context.Context, room *liveRoom) (RoomRef, error) {
	if room.loaded {
		return room.ref, nil
	}
	ref, err := r.gw.LoadRoom(ctx, room.id)
	if err != nil {
		return RoomRef{}, gatewayErr("load room", err)
	}
	room.ref = ref
	room.loaded = true
	return ref, nil
}

func (r *Router) addSub(connID string, roomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[connID]
	if !ok {
		set = make(map[int64]struct{})
		r.subs[connID] = set
	}
	set[roomID] = struct{}{}
}

func (r *Router) removeSub(connID string, roomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[connID]
	if !ok {
		return
	}
	delete(set, roomID)
	if len(set) == 0 {
		delete(r.subs, connID)
	}
}

// fanoutLocked delivers evt to every member of room except exclude.
func (r *Router) fanoutLocked(room *liveRoom, evt Event, exclude string) int {
	delivered := 0
	for id, m := range room.members {
		if id == exclude {
			continue
		}
		if m.conn.Send(evt) {
			delivered++
		} else {
			r.log.Debug("dropped event for slow connection", "room", room.id, "conn", id, "event", evt.Name)
		}
	}
	return delivered
}

// clearLocked administratively unsubscribes every member of room.
func (r *Router) clearLocked(room *liveRoom) {
	for id := range room.members {
		r.removeSub(id, room.id)
	}
	room.members = make(map[string]member)
}

// Join subscribes conn to a room on behalf of p. The room must exist and be
// active, and p must be admitted (see admit). Every member, the joiner
// included, receives user_joined.
func (r *Router) Join(ctx context.Context, conn Conn, p Principal, roomID int64, password string) error {
	if roomID <= 0 {
		return ErrInvalidRoomID
	}

	room := r.lockRoom(roomID)
	defer r.unlockRoom(room)

	ref, err := r.refLocked(ctx, room)
	if err != nil {
		return err
	}
	if !ref.Active {
		return ErrRoomClosed
	}
	if err := r.admit(ctx, p, ref, password); err != nil {
		return err
	}

	room.members[conn.ID()] = member{conn: conn, principal: p}
	r.addSub(conn.ID(), roomID)
	r.fanoutLocked(room, Event{Name: EventUserJoined, Data: MembershipPayload{RoomID: roomID, UserID: p.ID, Name: p.Name}}, "")
	r.log.Debug("joined room", "room", roomID, "conn", conn.ID(), "user", p.ID)
	return nil
}

// admit decides whether p may subscribe to ref. Public rooms and recorded
// members, creators and admins pass; anyone else needs the room password,
// after which membership is recorded.
func (r *Router) admit(ctx context.Context, p Principal, ref RoomRef, password string) error {
	if ref.Type != RoomPrivate {
		if err := r.gw.AddMember(ctx, p.ID, ref.ID); err != nil {
			return gatewayErr("add member", err)
		}
		return nil
	}
	if p.IsAdmin() || ref.CreatedBy == p.ID {
		return nil
	}
	isMember, err := r.gw.IsMember(ctx, p.ID, ref.ID)
	if err != nil {
		return gatewayErr("check membership", err)
	}
	if isMember {
		return nil
	}
	if password == "" {
		return ErrForbidden
	}
	ok, err := r.gw.CheckRoomPassword(ctx, ref.ID, password)
	if err != nil {
		return gatewayErr("check password", err)
	}
	if !ok {
		return ErrForbidden
	}
	if err := r.gw.AddMember(ctx, p.ID, ref.ID); err != nil {
		return gatewayErr("add member", err)
	}
	return nil
}

// Leave unsubscribes conn from a room and tells the remaining members. It
// reports whether conn was subscribed.
func (r *Router) Leave(conn Conn, roomID int64) bool {
	room := r.lookupRoom(roomID)
	if room == nil {
		return false
	}
	defer r.unlockRoom(room)
	return r.leaveLocked(room, conn.ID())
}

func (r *Router) leaveLocked(room *liveRoom, connID string) bool {
	m, ok := room.members[connID]
	if !ok {
		return false
	}
	delete(room.members, connID)
	r.removeSub(connID, room.id)
	r.fanoutLocked(room, Event{Name: EventUserLeft, Data: MembershipPayload{RoomID: room.id, UserID: m.principal.ID, Name: m.principal.Name}}, "")
	return true
}

// LeaveAll removes conn from every room it is subscribed to, fanning out
// user_left to each, and returns the affected room ids in ascending order.
func (r *Router) LeaveAll(conn Conn) []int64 {
	candidates := r.Rooms(conn.ID())

	var left []int64
	for _, id := range candidates {
		room := r.lookupRoom(id)
		if room == nil {
			continue
		}
		if r.leaveLocked(room, conn.ID()) {
			left = append(left, id)
		}
		r.unlockRoom(room)
	}
	return left
}

// PublishMessage persists a message and then fans it out as new_message.
// Nothing is sent if validation or persistence fails.
func (r *Router) PublishMessage(ctx context.Context, roomID int64, author Principal, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	if roomID <= 0 {
		return Message{}, ErrInvalidRoomID
	}

	room := r.lockRoom(roomID)
	defer r.unlockRoom(room)

	ref, err := r.refLocked(ctx, room)
	if err != nil {
		return Message{}, err
	}
	if !ref.Active {
		return Message{}, ErrRoomClosed
	}

	msg, err := r.gw.SaveMessage(ctx, roomID, author.ID, content)
	if err != nil {
		return Message{}, gatewayErr("save message", err)
	}
	if msg.AuthorName == "" {
		msg.AuthorName = author.Name
	}
	n := r.fanoutLocked(room, newMessageEvent(msg), "")
	r.log.Debug("message published", "room", roomID, "user", author.ID, "message", msg.ID, "delivered", n)
	return msg, nil
}

// BroadcastTyping tells every other member of the room that conn's
// principal started or stopped typing. The originator never receives its
// own event. Unknown rooms and non-members are ignored.
func (r *Router) BroadcastTyping(conn Conn, roomID int64, isTyping bool) {
	room := r.lookupRoom(roomID)
	if room == nil {
		return
	}
	defer r.unlockRoom(room)

	m, ok := room.members[conn.ID()]
	if !ok {
		return
	}
	r.fanoutLocked(room, Event{Name: EventUserTyping, Data: TypingPayload{RoomID: roomID, UserID: m.principal.ID, IsTyping: isTyping}}, conn.ID())
}

// CloseRoom marks the room inactive, sends room_closed to its members and
// empties the live set in the same critical section.
func (r *Router) CloseRoom(ctx context.Context, roomID int64) error {
	if roomID <= 0 {
		return ErrInvalidRoomID
	}
	room := r.lockRoom(roomID)
	defer r.unlockRoom(room)

	if _, err := r.refLocked(ctx, room); err != nil {
		return err
	}
	if err := r.gw.SetRoomInactive(ctx, roomID); err != nil {
		return gatewayErr("close room", err)
	}
	room.ref.Active = false

	n := r.fanoutLocked(room, Event{Name: EventRoomClosed, Data: RoomPayload{RoomID: roomID}}, "")
	r.clearLocked(room)
	r.log.Info("room closed", "room", roomID, "notified", n)
	return nil
}

// DeleteRoom sends room_deleted to the members before the room is removed
// from storage, then empties the live set. A concurrent join either lands
// before this and is notified, or runs after and fails with ErrRoomNotFound.
func (r *Router) DeleteRoom(ctx context.Context, roomID int64) error {
	if roomID <= 0 {
		return ErrInvalidRoomID
	}
	room := r.lockRoom(roomID)
	defer r.unlockRoom(room)

	if _, err := r.refLocked(ctx, room); err != nil {
		return err
	}

	n := r.fanoutLocked(room, Event{Name: EventRoomDeleted, Data: RoomPayload{RoomID: roomID}}, "")
	err := r.gw.DeleteRoom(ctx, roomID)
	r.clearLocked(room)
	if err != nil {
		r.log.Error("delete room failed after notifying members", "room", roomID, "err", err)
		return gatewayErr("delete room", err)
	}
	r.log.Info("room deleted", "room", roomID, "notified", n)
	return nil
}

// BroadcastAdmin sends admin_broadcast to every live connection. Callers
// without the admin role, and blank content, are dropped silently.
func (r *Router) BroadcastAdmin(from Principal, content string) int {
	if !from.IsAdmin() {
		r.log.Debug("ignored admin broadcast from non-admin", "user", from.ID)
		return 0
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return 0
	}
	return r.dir.Broadcast(Event{Name: EventAdminBroadcast, Data: AdminBroadcastPayload{Content: content, UserID: from.ID}})
}

// Members returns the connection ids subscribed to a room, sorted.
func (r *Router) Members(roomID int64) []string {
	room := r.lookupRoom(roomID)
	if room == nil {
		return nil
	}
	defer r.unlockRoom(room)

	ids := make([]string, 0, len(room.members))
	for id := range room.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rooms returns the ids of the rooms connID is subscribed to, ascending.
func (r *Router) Rooms(connID string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.subs[connID]
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Subscribed reports whether connID is in the room's live set.
func (r *Router) Subscribed(connID string, roomID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[connID][roomID]
	return ok
}

// LoadRoom reads a room's admission view from the gateway, bypassing the
// live cache.
func (r *Router) LoadRoom(ctx context.Context, roomID int64) (RoomRef, error) {
	ref, err := r.gw.LoadRoom(ctx, roomID)
	if err != nil {
		return RoomRef{}, gatewayErr("load room", err)
	}
	return ref, nil
}

func gatewayErr(op string, err error) error {
	if errors.Is(err, ErrRoomNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
