package chat

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"
)

func mustJoin(t *testing.T, r *Router, conn Conn, p Principal, roomID int64) {
	t.Helper()
	if err := r.Join(context.Background(), conn, p, roomID, ""); err != nil {
		t.Fatalf("join room %d as %s: %v", roomID, conn.ID(), err)
	}
}

func TestRouterPublishReachesOnlyRoomMembers(t *testing.T) {
	f := newFixture()
	f.gw.addRoom(7, RoomPublic, alice.ID, "")
	f.gw.addRoom(8, RoomPublic, alice.ID, "")

	a, b, c := newConn("a"), newConn("b"), newConn("c")
	mustJoin(t, f.router, a, alice, 7)
	mustJoin(t, f.router, b, bob, 7)
	mustJoin(t, f.router, c, carol, 8)

	msg, err := f.router.PublishMessage(context.Background(), 7, alice, "  hi  ")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	stored := f.gw.persisted()
	if len(stored) != 1 || stored[0].Content != "hi" {
		t.Fatalf("expected one trimmed persisted message, got %+v", stored)
	}

	for _, conn := range []*recordingConn{a, b} {
		got := conn.named(EventNewMessage)
		if len(got) != 1 {
			t.Fatalf("%s: expected 1 new_message, got %d", conn.id, len(got))
		}
		p := got[0].Data.(NewMessagePayload)
		if p.ID != stored[0].ID || !p.CreatedAt.Equal(stored[0].CreatedAt) {
			t.Errorf("%s: payload %+v does not match persisted %+v", conn.id, p, stored[0])
		}
		if p.Content != "hi" || p.RoomID != 7 || p.UserID != alice.ID || p.AuthorName != alice.Name {
			t.Errorf("%s: unexpected payload %+v", conn.id, p)
		}
	}
	if msg.ID != stored[0].ID {
		t.Errorf("returned message id %d, persisted %d", msg.ID, stored[0].ID)
	}
	if got := c.named(EventNewMessage); len(got) != 0 {
		t.Errorf("connection in another room received %d messages", len(got))
	}
}

func TestRouterJoinNotifiesIncludingJoiner(t *testing.T) {
	f := newFixture()
	f.gw.addRoom(1, RoomPublic, alice.ID, "")
	a, b := newConn("a"), newConn("b")

	mustJoin(t, f.router, a, alice, 1)
	mustJoin(t, f.router, b, bob, 1)

	if got := len(a.named(EventUserJoined)); got != 2 {
		t.Errorf("a: expected 2 user_joined, got %d", got)
	}
	joined := b.named(EventUserJoined)
	if len(joined) != 1 || joined[0].Data.(MembershipPayload).UserID != bob.ID {
		t.Errorf("b: expected confirmation of own join, got %+v", joined)
	}
	if ok, _ := f.gw.IsMember(context.Background(), bob.ID, 1); !ok {
		t.Errorf("public join did not record membership")
	}
}

func TestRouterPrivateRoomAdmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	const creatorID = 50
	f.gw.addRoom(9, RoomPrivate, creatorID, "secret")

	t.Run("no password is rejected without side effects", func(t *testing.T) {
		a := newConn("a")
		err := f.router.Join(ctx, a, alice, 9, "")
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
		if m := f.router.Members(9); len(m) != 0 {
			t.Errorf("live set changed: %v", m)
		}
		if evts := a.all(); len(evts) != 0 {
			t.Errorf("rejected joiner received %d events", len(evts))
		}
	})

	t.Run("wrong password is rejected", func(t *testing.T) {
		err := f.router.Join(ctx, newConn("a"), alice, 9, "guess")
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
	})

	t.Run("creator and admin are admitted", func(t *testing.T) {
		mustJoin(t, f.router, newConn("creator"), Principal{ID: creatorID, Name: "owner", Role: RoleMember}, 9)
		mustJoin(t, f.router, newConn("admin"), root, 9)
	})

	t.Run("recorded member is admitted", func(t *testing.T) {
		if err := f.gw.AddMember(ctx, carol.ID, 9); err != nil {
			t.Fatal(err)
		}
		mustJoin(t, f.router, newConn("carol"), carol, 9)
	})

	t.Run("correct password admits and records membership", func(t *testing.T) {
		if err := f.router.Join(ctx, newConn("bob"), bob, 9, "secret"); err != nil {
			t.Fatalf("join with password: %v", err)
		}
		if ok, _ := f.gw.IsMember(ctx, bob.ID, 9); !ok {
			t.Errorf("membership not recorded after password join")
		}
	})

	if got := len(f.router.Members(9)); got != 4 {
		t.Errorf("expected 4 members, got %d", got)
	}
}

func TestRouterJoinErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gw.addRoom(3, RoomPublic, alice.ID, "")
	if err := f.gw.SetRoomInactive(ctx, 3); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		roomID int64
		want   error
	}{
		{"malformed id", 0, ErrInvalidRoomID},
		{"missing room", 404, ErrRoomNotFound},
		{"inactive room", 3, ErrRoomClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.router.Join(ctx, newConn("a"), alice, tt.roomID, "")
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRouterLeave(t *testing.T) {
	f := newFixture()
	f.gw.addRoom(1, RoomPublic, alice.ID, "")
	a, b := newConn("a"), newConn("b")
	mustJoin(t, f.router, a, alice, 1)
	mustJoin(t, f.router, b, bob, 1)
	b.reset()

	if !f.router.Leave(a, 1) {
		t.Fatal("expected leave to report removal")
	}
	left := b.named(EventUserLeft)
	if len(left) != 1 || left[0].Data.(MembershipPayload).UserID != alice.ID {
		t.Errorf("remaining member not told: %+v", left)
	}
	if f.router.Leave(a, 1) {
		t.Error("second leave should be a no-op")
	}
	if f.router.Leave(a, 555) {
		t.Error("leave of unknown room should be a no-op")
	}
	if m := f.router.Members(1); len(m) != 1 || m[0] != "b" {
		t.Errorf("unexpected live set %v", m)
	}
}

func TestRouterLeaveAll(t *testing.T) {
	f := newFixture()
	for _, id := range []int64{4, 2, 9} {
		f.gw.addRoom(id, RoomPublic, alice.ID, "")
	}
	a, b := newConn("a"), newConn("b")
	for _, id := range []int64{9, 4, 2} {
		mustJoin(t, f.router, a, alice, id)
	}
	mustJoin(t, f.router, b, bob, 4)
	b.reset()

	left := f.router.LeaveAll(a)
	if fmt.Sprint(left) != "[2 4 9]" {
		t.Errorf("expected [2 4 9], got %v", left)
	}
	if rooms := f.router.Rooms("a"); len(rooms) != 0 {
		t.Errorf("subscriptions remain: %v", rooms)
	}
	if got := len(b.named(EventUserLeft)); got != 1 {
		t.Errorf("expected one user_left in shared room, got %d", got)
	}
	if again := f.router.LeaveAll(a); len(again) != 0 {
		t.Errorf("second LeaveAll returned %v", again)
	}
}

// TestRouterLiveSetMatchesReference drives random join/leave/disconnect
// sequences and compares the live sets with a reference model.
func TestRouterLiveSetMatchesReference(t *testing.T) {
	f := newFixture()
	rooms := []int64{1, 2, 3}
	for _, id := range rooms {
		f.gw.addRoom(id, RoomPublic, alice.ID, "")
	}
	conns := make([]*recordingConn, 6)
	for i := range conns {
		conns[i] = newConn(fmt.Sprintf("c%d", i))
	}

	model := map[int64]map[string]bool{}
	for _, id := range rooms {
		model[id] = map[string]bool{}
	}

	rng := rand.New(rand.NewSource(42))
	for step := 0; step < 500; step++ {
		conn := conns[rng.Intn(len(conns))]
		room := rooms[rng.Intn(len(rooms))]
		switch rng.Intn(5) {
		case 0, 1:
			mustJoin(t, f.router, conn, alice, room)
			model[room][conn.id] = true
		case 2, 3:
			f.router.Leave(conn, room)
			delete(model[room], conn.id)
		case 4:
			f.router.LeaveAll(conn)
			for _, id := range rooms {
				delete(model[id], conn.id)
			}
		}

		for _, id := range rooms {
			want := make([]string, 0, len(model[id]))
			for c := range model[id] {
				want = append(want, c)
			}
			sort.Strings(want)
			got := f.router.Members(id)
			if fmt.Sprint(got) != fmt.Sprint(want) && !(len(got) == 0 && len(want) == 0) {
				t.Fatalf("step %d room %d: live set %v, want %v", step, id, got, want)
			}
		}
	}
}

func TestRouterConcurrentMembership(t *testing.T) {
	f := newFixture()
	rooms := []int64{1, 2, 3, 4}
	for _, id := range rooms {
		f.gw.addRoom(id, RoomPublic, alice.ID, "")
	}

	const workers = 12
	expected := make([]map[int64]bool, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			conn := newConn(fmt.Sprintf("w%d", w))
			mine := map[int64]bool{}
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 200; i++ {
				room := rooms[rng.Intn(len(rooms))]
				if rng.Intn(2) == 0 {
					if err := f.router.Join(context.Background(), conn, alice, room, ""); err != nil {
						t.Errorf("join: %v", err)
						return
					}
					mine[room] = true
				} else {
					f.router.Leave(conn, room)
					delete(mine, room)
				}
				f.router.BroadcastTyping(conn, room, true)
			}
			expected[w] = mine
		}(w)
	}
	wg.Wait()

	for _, id := range rooms {
		members := map[string]bool{}
		for _, c := range f.router.Members(id) {
			members[c] = true
		}
		for w := 0; w < workers; w++ {
			name := fmt.Sprintf("w%d", w)
			if expected[w][id] != members[name] {
				t.Errorf("room %d: membership of %s is %v, want %v", id, name, members[name], expected[w][id])
			}
		}
	}
}

func TestRouterPublishValidation(t *testing.T) {
	f := newFixture()
	f.gw.addRoom(1, RoomPublic, alice.ID, "")
	a := newConn("a")
	mustJoin(t, f.router, a, alice, 1)

	if _, err := f.router.PublishMessage(context.Background(), 1, alice, "   \n\t"); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
	if _, err := f.router.PublishMessage(context.Background(), -1, alice, "hi"); !errors.Is(err, ErrInvalidRoomID) {
		t.Errorf("expected ErrInvalidRoomID, got %v", err)
	}
	if _, err := f.router.PublishMessage(context.Background(), 12, alice, "hi"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
	if n := len(f.gw.persisted()); n != 0 {
		t.Errorf("invalid publishes persisted %d messages", n)
	}
	if got := a.named(EventNewMessage); len(got) != 0 {
		t.Errorf("invalid publishes fanned out %d events", len(got))
	}
}

func TestRouterPublishPersistenceFailure(t *testing.T) {
	f := newFixture()
	f.gw.addRoom(1, RoomPublic, alice.ID, "")
	a, b := newConn("a"), newConn("b")
	mustJoin(t, f.router, a, alice, 1)
	mustJoin(t, f.router, b, bob, 1)
	f.gw.saveErr = errors.New("database is locked")

	_, err := f.router.PublishMessage(context.Background(), 1, alice, "lost?")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if ErrorCode(err) != CodeUnavailable {
		t.Errorf("expected code %q, got %q", CodeUnavailable, ErrorCode(err))
	}
	for _, conn := range []*recordingConn{a, b} {
		if got := conn.named(EventNewMessage); len(got) != 0 {
			t.Errorf("%s received a message that was never persisted", conn.id)
		}
	}
}

func TestRouterMessageOrderingUnderConcurrentSenders(t *testing.T) {
	f := newFixture()
	f.gw.addRoom(1, RoomPublic, alice.ID, "")
	f.gw.saveHook = func(content string) {
		time.Sleep(time.Duration(len(content)%3) * 100 * time.Microsecond)
	}
	r1, r2 := newConn("r1"), newConn("r2")
	mustJoin(t, f.router, r1, carol, 1)
	mustJoin(t, f.router, r2, carol, 1)

	const perSender = 25
	var wg sync.WaitGroup
	for _, sender := range []Principal{alice, bob} {
		wg.Add(1)
		go func(p Principal) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				content := fmt.Sprintf("%s-%d", p.Name, i)
				if _, err := f.router.PublishMessage(context.Background(), 1, p, content); err != nil {
					t.Errorf("publish %s: %v", content, err)
				}
			}
		}(sender)
	}
	wg.Wait()

	var persisted []int64
	for _, m := range f.gw.persisted() {
		persisted = append(persisted, m.ID)
	}
	if len(persisted) != 2*perSender {
		t.Fatalf("expected %d persisted messages, got %d", 2*perSender, len(persisted))
	}
	for _, conn := range []*recordingConn{r1, r2} {
		var delivered []int64
		for _, e := range conn.named(EventNewMessage) {
			delivered = append(delivered, e.Data.(NewMessagePayload).ID)
		}
		if fmt.Sprint(delivered) != fmt.Sprint(persisted) {
			t.Errorf("%s: delivery order %v differs from persisted order %v", conn.id, delivered, persisted)
		}
	}
}

func TestRouterTypingExcludesOriginator(t *testing.T) {
	f := newFixture()
	f.gw.addRoom(1, RoomPublic, alice.ID, "")
	a, b, c := newConn("a"), newConn("b"), newConn("c")
	mustJoin(t, f.router, a, alice, 1)
	mustJoin(t, f.router, b, bob, 1)
	mustJoin(t, f.router, c, carol, 1)

	f.router.BroadcastTyping(a, 1, true)

	if got := a.named(EventUserTyping); len(got) != 0 {
		t.Errorf("originator received its own typing event")
	}
	for _, conn := range []*recordingConn{b, c} {
		got := conn.named(EventUserTyping)
		if len(got) != 1 {
			t.Fatalf("%s: expected 1 user_typing, got %d", conn.id, len(got))
		}
		p := got[0].Data.(TypingPayload)
		if p.UserID != alice.ID || !p.IsTyping || p.RoomID != 1 {
			t.Errorf("%s: unexpected payload %+v", conn.id, p)
		}
	}

	outsider := newConn("x")
	f.router.BroadcastTyping(outsider, 1, true)
	f.router.BroadcastTyping(outsider, 77, true)
	if got := len(b.named(EventUserTyping)); got != 1 {
		t.Errorf("non-member typing reached the room")
	}
}

func TestRouterCloseRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gw.addRoom(5, RoomPublic, alice.ID, "")
	a, b := newConn("a"), newConn("b")
	mustJoin(t, f.router, a, alice, 5)
	mustJoin(t, f.router, b, bob, 5)

	if err := f.router.CloseRoom(ctx, 5); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, conn := range []*recordingConn{a, b} {
		got := conn.named(EventRoomClosed)
		if len(got) != 1 || got[0].Data.(RoomPayload).RoomID != 5 {
			t.Errorf("%s: expected room_closed, got %+v", conn.id, got)
		}
	}
	if m := f.router.Members(5); len(m) != 0 {
		t.Errorf("live set not cleared: %v", m)
	}
	if rooms := f.router.Rooms("a"); len(rooms) != 0 {
		t.Errorf("subscription index not cleared: %v", rooms)
	}
	if err := f.router.Join(ctx, a, alice, 5, ""); !errors.Is(err, ErrRoomClosed) {
		t.Errorf("join after close: expected ErrRoomClosed, got %v", err)
	}
	if _, err := f.router.PublishMessage(ctx, 5, alice, "anyone?"); !errors.Is(err, ErrRoomClosed) {
		t.Errorf("publish after close: expected ErrRoomClosed, got %v", err)
	}
	if err := f.router.CloseRoom(ctx, 6); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("close of missing room: expected ErrRoomNotFound, got %v", err)
	}
}

func TestRouterDeleteRoomRacesWithJoins(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gw.addRoom(11, RoomPublic, alice.ID, "")

	early := newConn("early")
	mustJoin(t, f.router, early, alice, 11)

	const joiners = 30
	conns := make([]*recordingConn, joiners)
	errs := make([]error, joiners)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		conns[i] = newConn(fmt.Sprintf("j%d", i))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = f.router.Join(ctx, conns[i], bob, 11, "")
		}(i)
	}

	var deleteErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		deleteErr = f.router.DeleteRoom(ctx, 11)
	}()
	close(start)
	wg.Wait()

	if deleteErr != nil {
		t.Fatalf("delete: %v", deleteErr)
	}
	if got := len(early.named(EventRoomDeleted)); got != 1 {
		t.Errorf("pre-existing member got %d room_deleted events", got)
	}
	for i, conn := range conns {
		deleted := len(conn.named(EventRoomDeleted))
		switch {
		case errs[i] == nil && deleted != 1:
			t.Errorf("%s joined but never saw room_deleted", conn.id)
		case errs[i] != nil && !errors.Is(errs[i], ErrRoomNotFound):
			t.Errorf("%s: expected ErrRoomNotFound, got %v", conn.id, errs[i])
		}
	}
	if m := f.router.Members(11); len(m) != 0 {
		t.Errorf("connections left joined to a deleted room: %v", m)
	}
}

func TestRouterBroadcastAdmin(t *testing.T) {
	f := newFixture()
	f.gw.addRoom(1, RoomPublic, alice.ID, "")
	f.gw.addRoom(2, RoomPublic, alice.ID, "")
	a, b, admin := newConn("a"), newConn("b"), newConn("admin")
	f.dir.Register(alice, a)
	f.dir.Register(bob, b)
	f.dir.Register(root, admin)
	mustJoin(t, f.router, a, alice, 1)
	mustJoin(t, f.router, b, bob, 2)

	if n := f.router.BroadcastAdmin(root, "maintenance"); n != 3 {
		t.Errorf("expected 3 deliveries, got %d", n)
	}
	for _, conn := range []*recordingConn{a, b} {
		got := conn.named(EventAdminBroadcast)
		if len(got) != 1 || got[0].Data.(AdminBroadcastPayload).Content != "maintenance" {
			t.Errorf("%s: expected admin_broadcast, got %+v", conn.id, got)
		}
	}

	if n := f.router.BroadcastAdmin(alice, "fake"); n != 0 {
		t.Errorf("non-admin broadcast delivered to %d connections", n)
	}
	if n := f.router.BroadcastAdmin(root, "   "); n != 0 {
		t.Errorf("blank admin broadcast delivered to %d connections", n)
	}
	for _, conn := range []*recordingConn{a, b, admin} {
		if got := len(conn.named(EventAdminBroadcast)); got != 1 {
			t.Errorf("%s: expected exactly 1 admin_broadcast, got %d", conn.id, got)
		}
	}
}
