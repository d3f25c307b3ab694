package relay

import (
	"context"
	"fmt"

	"github.com/ashureev/relay-chat/internal/domain"
	"github.com/ashureev/relay-chat/internal/metrics"
	"github.com/ashureev/relay-chat/internal/registry"
)

// Join adds the connection's identity to room and broadcasts the resulting
// member list to every live handle of the room, the joiner included.
// Joining twice changes nothing: only the calling connection is told.
func (r *Relay) Join(ctx context.Context, conn *registry.Connection, room string) ([]string, error) {
	if !domain.IsValidRoomName(room) {
		return nil, fmt.Errorf("%w: malformed room %q", domain.ErrInvalidRecipient, room)
	}

	pctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	members, changed, err := r.presence.Join(pctx, room, conn.Identity)
	cancel()
	if err != nil {
		return nil, err
	}
	conn.JoinRoom(room)

	if !changed {
		r.logger.Debug("Already in room", "room", room, "user_id", conn.Identity)
		r.notifyConn(ctx, conn, room, ChangeJoin, members)
		return members, nil
	}
	r.logger.Info("Joined room", "room", room, "user_id", conn.Identity)
	r.notifyRoom(ctx, room, ChangeJoin, conn.Identity, members, nil)
	return members, nil
}

// Leave removes the identity from room on behalf of all its devices and
// broadcasts the remaining members. The leaver's handles are told as well.
// Leaving a room the identity is not in only answers the calling connection.
func (r *Relay) Leave(ctx context.Context, conn *registry.Connection, room string) ([]string, error) {
	if !domain.IsValidRoomName(room) {
		return nil, fmt.Errorf("%w: malformed room %q", domain.ErrInvalidRecipient, room)
	}

	members, changed, err := r.leave(ctx, room, conn.Identity)
	if err != nil {
		return nil, err
	}
	for _, c := range r.registry.Connections(conn.Identity) {
		c.LeaveRoom(room)
	}
	conn.LeaveRoom(room)

	if !changed {
		r.notifyConn(ctx, conn, room, ChangeLeave, members)
		return members, nil
	}
	r.notifyRoom(ctx, room, ChangeLeave, conn.Identity, members, []string{conn.Identity})
	return members, nil
}

func (r *Relay) leave(ctx context.Context, room, identity string) ([]string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()

	members, changed, err := r.presence.Leave(ctx, room, identity)
	if err != nil {
		return nil, false, err
	}
	if changed {
		r.logger.Info("Left room", "room", room, "user_id", identity)
	}
	return members, changed, nil
}

// Members returns the identities present in room.
func (r *Relay) Members(ctx context.Context, room string) ([]string, error) {
	if !domain.IsValidRoomName(room) {
		return nil, fmt.Errorf("%w: malformed room %q", domain.ErrInvalidRecipient, room)
	}
	return r.roomMembers(ctx, room)
}

// RoomsFor returns the rooms identity is present in.
func (r *Relay) RoomsFor(ctx context.Context, identity string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()
	return r.presence.RoomsFor(ctx, identity)
}

// notifyConn answers a join or leave that changed nothing. Only the calling
// connection sees it.
func (r *Relay) notifyConn(ctx context.Context, conn *registry.Connection, room, change string, members []string) {
	if frame := r.roomFrame(room, change, conn.Identity, members); frame != nil {
		r.deliver(ctx, []registry.Handle{conn.Handle}, frame, "")
	}
}

// notifyRoom sends a roomNotification to the live handles of members and of
// extra identities.
func (r *Relay) notifyRoom(ctx context.Context, room, change, identity string, members, extra []string) {
	frame := r.roomFrame(room, change, identity, members)
	if frame == nil {
		return
	}

	seen := make(map[string]struct{})
	var handles []registry.Handle
	for _, id := range append(append([]string{}, members...), extra...) {
		for _, h := range r.registry.HandlesFor(id) {
			if _, dup := seen[h.ID()]; dup {
				continue
			}
			seen[h.ID()] = struct{}{}
			handles = append(handles, h)
		}
	}
	r.deliver(ctx, handles, frame, "")
}

func (r *Relay) roomFrame(room, change, identity string, members []string) []byte {
	frame, err := Encode(Event{
		Type:   EventRoomNotification,
		Room:   room,
		Change: change,
		UserID: identity,
		Users:  members,
	})
	if err != nil {
		r.logger.Error("Failed to encode room notification", "room", room, "error", err)
		return nil
	}
	return frame
}

// Connect registers conn and broadcasts the new online count.
func (r *Relay) Connect(ctx context.Context, conn *registry.Connection) {
	r.registry.Register(conn)
	r.updateGauges()
	r.broadcastOnline(ctx, ChangeConnect, conn.Identity)
}

// Disconnect unregisters conn. Rooms the identity no longer holds on any
// other device are left, and every room affected gets a leave
// notification. The online count is broadcast last.
func (r *Relay) Disconnect(ctx context.Context, conn *registry.Connection) {
	if !r.registry.Unregister(conn) && r.registry.Lookup(conn.Identity, conn.Handle.ID()) != nil {
		// Replaced by a newer connection with the same handle ID.
		return
	}
	r.updateGauges()

	remaining := r.registry.Connections(conn.Identity)
	for _, room := range conn.Rooms() {
		if heldElsewhere(remaining, room) {
			continue
		}
		members, changed, err := r.leave(ctx, room, conn.Identity)
		if err != nil {
			r.logger.Warn("Failed to leave room on disconnect",
				"room", room, "user_id", conn.Identity, "error", err)
			continue
		}
		if !changed {
			continue
		}
		r.notifyRoom(ctx, room, ChangeLeave, conn.Identity, members, nil)
	}

	r.broadcastOnline(ctx, ChangeDisconnect, conn.Identity)
}

func heldElsewhere(conns []*registry.Connection, room string) bool {
	for _, c := range conns {
		if c.InRoom(room) {
			return true
		}
	}
	return false
}

// Online returns the identities connected to this process.
func (r *Relay) Online() (int, []string) {
	users := r.registry.OnlineUsers()
	return len(users), users
}

func (r *Relay) broadcastOnline(ctx context.Context, change, identity string) {
	count, users := r.Online()
	frame, err := Encode(Event{
		Type:   EventOnline,
		Change: change,
		UserID: identity,
		Count:  intPtr(count),
		Users:  users,
	})
	if err != nil {
		r.logger.Error("Failed to encode online event", "error", err)
		return
	}

	all := r.registry.All()
	handles := make([]registry.Handle, 0, len(all))
	for _, c := range all {
		handles = append(handles, c.Handle)
	}
	r.deliver(ctx, handles, frame, "")
}

func (r *Relay) updateGauges() {
	metrics.LiveConnections.Set(float64(r.registry.ConnectionCount()))
	metrics.OnlineIdentities.Set(float64(r.registry.OnlineCount()))
}
