// Package registry tracks the live transport handles owned by this process,
// keyed by identity. One identity may hold several handles at once
// (multi-device); the registry never persists anything.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

// Handle is a live, addressable transport endpoint for one device.
type Handle interface {
	// ID is unique among all handles of the process.
	ID() string
	// Send queues data for delivery. It must not block on the network.
	Send(ctx context.Context, data []byte) error
}

// Connection is one authenticated handle together with the rooms it joined.
type Connection struct {
	Identity    string
	Handle      Handle
	ConnectedAt time.Time

	mu    sync.Mutex
	rooms map[string]struct{}
}

// NewConnection creates a connection with no joined rooms.
func NewConnection(identity string, h Handle) *Connection {
	return &Connection{
		Identity:    identity,
		Handle:      h,
		ConnectedAt: time.Now(),
		rooms:       make(map[string]struct{}),
	}
}

// JoinRoom records room on the connection. It reports whether the room was new.
func (c *Connection) JoinRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

// LeaveRoom forgets room. It reports whether the room was joined.
func (c *Connection) LeaveRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}

// InRoom reports whether the connection joined room.
func (c *Connection) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// Rooms returns the joined rooms, sorted.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

type shard struct {
	mu     sync.RWMutex
	active map[string]map[string]*Connection
}

// Registry maps identities to their live connections. Identities hash onto
// independently locked shards, so operations on different identities rarely
// contend while operations on one identity are serialized.
type Registry struct {
	shards []*shard
	online atomic.Int64
	conns  atomic.Int64
}

// New creates a registry with the given number of shards (0 means default).
func New(shards int) *Registry {
	if shards <= 0 {
		shards = defaultShards
	}
	r := &Registry{shards: make([]*shard, shards)}
	for i := range r.shards {
		r.shards[i] = &shard{active: make(map[string]map[string]*Connection)}
	}
	return r
}

func (r *Registry) shardFor(identity string) *shard {
	return r.shards[xxhash.Sum64String(identity)%uint64(len(r.shards))]
}

// Register adds conn. It reports whether conn is the identity's first live
// connection in this process. Registering a handle ID that is already present
// replaces the previous connection.
func (r *Registry) Register(conn *Connection) bool {
	s := r.shardFor(conn.Identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	handles, exists := s.active[conn.Identity]
	if !exists {
		handles = make(map[string]*Connection)
		s.active[conn.Identity] = handles
		r.online.Add(1)
	}
	if _, dup := handles[conn.Handle.ID()]; !dup {
		r.conns.Add(1)
	}
	handles[conn.Handle.ID()] = conn

	slog.Info("Connection registered", "user_id", conn.Identity, "handle_id", conn.Handle.ID())
	return !exists
}

// Unregister removes conn if it is still the registered connection for its
// handle ID. It reports whether the identity has no live connections left.
// Unregistering a connection that was already replaced or removed is a no-op
// and reports false.
func (r *Registry) Unregister(conn *Connection) bool {
	s := r.shardFor(conn.Identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	handles, ok := s.active[conn.Identity]
	if !ok {
		return false
	}
	current, exists := handles[conn.Handle.ID()]
	if !exists || current != conn {
		return false
	}

	delete(handles, conn.Handle.ID())
	r.conns.Add(-1)
	slog.Info("Connection unregistered", "user_id", conn.Identity, "handle_id", conn.Handle.ID())

	if len(handles) == 0 {
		delete(s.active, conn.Identity)
		r.online.Add(-1)
		return true
	}
	return false
}

// Connections returns a snapshot of the identity's live connections.
func (r *Registry) Connections(identity string) []*Connection {
	s := r.shardFor(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()

	handles := s.active[identity]
	out := make([]*Connection, 0, len(handles))
	for _, c := range handles {
		out = append(out, c)
	}
	return out
}

// HandlesFor returns a snapshot of the identity's live handles, possibly empty.
func (r *Registry) HandlesFor(identity string) []Handle {
	conns := r.Connections(identity)
	out := make([]Handle, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Handle)
	}
	return out
}

// Lookup returns the connection for a handle ID, or nil.
func (r *Registry) Lookup(identity, handleID string) *Connection {
	s := r.shardFor(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if handles, ok := s.active[identity]; ok {
		return handles[handleID]
	}
	return nil
}

// IsOnline reports whether the identity has a live connection here.
func (r *Registry) IsOnline(identity string) bool {
	s := r.shardFor(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active[identity]) > 0
}

// OnlineCount returns the number of identities with at least one connection.
func (r *Registry) OnlineCount() int {
	return int(r.online.Load())
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	return int(r.conns.Load())
}

// OnlineUsers returns the connected identities, sorted.
func (r *Registry) OnlineUsers() []string {
	var out []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.active {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	var out []*Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, handles := range s.active {
			for _, c := range handles {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}
