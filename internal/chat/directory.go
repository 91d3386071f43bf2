package chat

import (
	"log/slog"
	"sort"
	"sync"
)

type presenceEntry struct {
	principal Principal
	conns     map[string]Conn
}

// Directory tracks which principals have at least one live connection.
//
// An entry exists exactly while its connection count is at least one. All
// mutations and snapshots run under a single lock, so every reader observes
// a consistent point-in-time view.
type Directory struct {
	mu      sync.Mutex
	entries map[int64]*presenceEntry
	log     *slog.Logger
}

// NewDirectory returns an empty directory.
func NewDirectory(logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		entries: make(map[int64]*presenceEntry),
		log:     logger,
	}
}

// Register records conn as a live connection of p and returns the directory
// snapshot taken atomically with the registration. Registering the same
// connection twice is a no-op. On the 0→1 transition every connection of
// every other principal receives user_online.
func (d *Directory) Register(p Principal, conn Conn) []Presence {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registerLocked(p, conn)
}

// Welcome registers conn like Register and, under the same lock, sends it
// ready followed by online_users carrying the snapshot. Presence events for
// other principals can therefore only reach conn after its snapshot.
func (d *Directory) Welcome(p Principal, conn Conn) []Presence {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := d.registerLocked(p, conn)
	conn.Send(Event{Name: EventReady, Data: ReadyPayload{UserID: p.ID, Name: p.Name, Role: p.Role}})
	conn.Send(Event{Name: EventOnlineUsers, Data: OnlineUsersPayload{Users: snapshot}})
	return snapshot
}

func (d *Directory) registerLocked(p Principal, conn Conn) []Presence {
	entry, ok := d.entries[p.ID]
	if !ok {
		entry = &presenceEntry{principal: p, conns: make(map[string]Conn)}
		d.entries[p.ID] = entry
	}
	if _, dup := entry.conns[conn.ID()]; !dup {
		entry.conns[conn.ID()] = conn
	}

	if !ok {
		evt := Event{Name: EventUserOnline, Data: UserOnlinePayload{UserID: p.ID, Name: p.Name, Role: p.Role}}
		d.sendLocked(evt, p.ID)
		d.log.Info("principal online", "user", p.ID)
	}
	return d.snapshotLocked()
}

// Unregister removes conn from p's entry. When the last connection goes the
// entry is dropped and the remaining principals receive user_offline.
// Unknown principals or connections are logged and ignored.
func (d *Directory) Unregister(p Principal, conn Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[p.ID]
	if !ok {
		d.log.Warn("presence anomaly: unregister for offline principal", "user", p.ID, "conn", conn.ID())
		return
	}
	if _, ok := entry.conns[conn.ID()]; !ok {
		d.log.Warn("presence anomaly: unregister for unknown connection", "user", p.ID, "conn", conn.ID())
		return
	}
	delete(entry.conns, conn.ID())
	if len(entry.conns) > 0 {
		return
	}

	delete(d.entries, p.ID)
	d.sendLocked(Event{Name: EventUserOffline, Data: UserOfflinePayload{UserID: p.ID}}, p.ID)
	d.log.Info("principal offline", "user", p.ID)
}

// Snapshot returns the current presence summaries ordered by user id.
func (d *Directory) Snapshot() []Presence {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Count returns the number of live connections for a principal.
func (d *Directory) Count(userID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.entries[userID]; ok {
		return len(entry.conns)
	}
	return 0
}

// Broadcast delivers evt to every live connection and returns how many
// accepted it.
func (d *Directory) Broadcast(evt Event) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendLocked(evt, 0)
}

func (d *Directory) sendLocked(evt Event, skipUser int64) int {
	delivered := 0
	for id, entry := range d.entries {
		if skipUser != 0 && id == skipUser {
			continue
		}
		for _, c := range entry.conns {
			if c.Send(evt) {
				delivered++
			}
		}
	}
	return delivered
}

func (d *Directory) snapshotLocked() []Presence {
	out := make([]Presence, 0, len(d.entries))
	for _, entry := range d.entries {
		out = append(out, Presence{
			UserID:      entry.principal.ID,
			Name:        entry.principal.Name,
			Role:        entry.principal.Role,
			Connections: len(entry.conns),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
