package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRoom struct {
	ref      RoomRef
	password string
}

// fakeGateway is an in-memory Gateway with hooks for failure injection.
type fakeGateway struct {
	mu       sync.Mutex
	users    map[int64]Principal
	rooms    map[int64]*fakeRoom
	members  map[[2]int64]bool
	messages []Message
	nextID   int64

	saveErr  error
	saveHook func(content string)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		users:   make(map[int64]Principal),
		rooms:   make(map[int64]*fakeRoom),
		members: make(map[[2]int64]bool),
	}
}

func (g *fakeGateway) addRoom(id int64, typ RoomType, creator int64, password string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rooms[id] = &fakeRoom{
		ref:      RoomRef{ID: id, Number: fmt.Sprintf("R%d", id), Type: typ, Active: true, CreatedBy: creator},
		password: password,
	}
}

func (g *fakeGateway) persisted() []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Message(nil), g.messages...)
}

func (g *fakeGateway) LoadUser(_ context.Context, id int64) (Principal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.users[id]
	if !ok {
		return Principal{}, errors.New("user not found")
	}
	return p, nil
}

func (g *fakeGateway) LoadRoom(_ context.Context, id int64) (RoomRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return RoomRef{}, ErrRoomNotFound
	}
	return r.ref, nil
}

func (g *fakeGateway) IsMember(_ context.Context, userID, roomID int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members[[2]int64{userID, roomID}], nil
}

func (g *fakeGateway) AddMember(_ context.Context, userID, roomID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[[2]int64{userID, roomID}] = true
	return nil
}

func (g *fakeGateway) CheckRoomPassword(_ context.Context, roomID int64, password string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	if !ok {
		return false, ErrRoomNotFound
	}
	return r.password != "" && r.password == password, nil
}

func (g *fakeGateway) SetRoomInactive(_ context.Context, roomID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.ref.Active = false
	return nil
}

func (g *fakeGateway) DeleteRoom(_ context.Context, roomID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	delete(g.rooms, roomID)
	return nil
}

func (g *fakeGateway) SaveMessage(_ context.Context, roomID, authorID int64, content string) (Message, error) {
	if g.saveHook != nil {
		g.saveHook(content)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saveErr != nil {
		return Message{}, g.saveErr
	}
	g.nextID++
	msg := Message{
		ID:        g.nextID,
		RoomID:    roomID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	g.messages = append(g.messages, msg)
	return msg, nil
}

// recordingConn captures every event handed to it.
type recordingConn struct {
	id string

	mu     sync.Mutex
	events []Event
	refuse bool
}

func newConn(id string) *recordingConn {
	return &recordingConn{id: id}
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(evt Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return false
	}
	c.events = append(c.events, evt)
	return true
}

func (c *recordingConn) named(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (c *recordingConn) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

type fixture struct {
	gw     *fakeGateway
	dir    *Directory
	router *Router
}

func newFixture() *fixture {
	gw := newFakeGateway()
	dir := NewDirectory(discardLogger())
	return &fixture{gw: gw, dir: dir, router: NewRouter(gw, dir, discardLogger())}
}

func (f *fixture) session(id string) (*Session, *recordingConn) {
	conn := newConn(id)
	return NewSession(conn, f.router, f.dir, discardLogger()), conn
}

var (
	alice = Principal{ID: 1, Name: "alice", Role: RoleMember}
	bob   = Principal{ID: 2, Name: "bob", Role: RoleMember}
	carol = Principal{ID: 3, Name: "carol", Role: RoleMember}
	root  = Principal{ID: 99, Name: "root", Role: RoleAdmin}
)
