// Package router implements the room fan-out layer: named rooms, session
// membership, and non-blocking broadcast delivery.
package router

import (
	"context"
	"strings"
	"sync"

	"github.com/flowboard/flowboard/internal/v1/logging"
	"github.com/flowboard/flowboard/internal/v1/metrics"
	"github.com/flowboard/flowboard/internal/v1/types"
	"go.uber.org/zap"
)

// Router maintains room → session-set membership for board, per-task,
// per-user, and activity-feed rooms. A session may belong to any number of
// rooms; disconnecting removes it from every room atomically.
//
// Broadcasts never block on a member: enqueueing happens on each session's
// bounded outbound queue, and a member that cannot keep up is dropped from all
// rooms and closed with reason "slow-consumer".
type Router struct {
	mu       sync.RWMutex
	rooms    map[types.RoomKeyType]map[types.SessionIDType]types.SessionInterface
	sessions map[types.SessionIDType]map[types.RoomKeyType]struct{}

	// publish, when set, forwards every broadcast to the other instances.
	publish func(room string, frame []byte)
}

// SetPublisher installs the cross-instance forwarding hook. Frames received
// back from other instances go through ApplyRemote, never through publish
// again.
func (r *Router) SetPublisher(publish func(room string, frame []byte)) {
	r.publish = publish
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		rooms:    make(map[types.RoomKeyType]map[types.SessionIDType]types.SessionInterface),
		sessions: make(map[types.SessionIDType]map[types.RoomKeyType]struct{}),
	}
}

// roomKind extracts the metrics label from a room key.
func roomKind(room types.RoomKeyType) string {
	key := string(room)
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// Join subscribes s to room. Joining twice is a no-op.
func (r *Router) Join(s types.SessionInterface, room types.RoomKeyType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[types.SessionIDType]types.SessionInterface)
		r.rooms[room] = members
	}
	if _, already := members[s.GetID()]; already {
		return
	}
	members[s.GetID()] = s

	joined, ok := r.sessions[s.GetID()]
	if !ok {
		joined = make(map[types.RoomKeyType]struct{})
		r.sessions[s.GetID()] = joined
	}
	joined[room] = struct{}{}

	metrics.RoomMembers.WithLabelValues(roomKind(room)).Inc()
}

// Leave unsubscribes s from room. Leaving a room the session is not in is a
// no-op.
func (r *Router) Leave(s types.SessionInterface, room types.RoomKeyType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(s.GetID(), room)
}

func (r *Router) leaveLocked(id types.SessionIDType, room types.RoomKeyType) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	if _, in := members[id]; !in {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if joined, ok := r.sessions[id]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.sessions, id)
		}
	}
	metrics.RoomMembers.WithLabelValues(roomKind(room)).Dec()
}

// DropSession removes the session from every room it belongs to.
func (r *Router) DropSession(id types.SessionIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.sessions[id]
	if !ok {
		return
	}
	for room := range joined {
		if members, ok := r.rooms[room]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
			metrics.RoomMembers.WithLabelValues(roomKind(room)).Dec()
		}
	}
	delete(r.sessions, id)
}

// Broadcast delivers frame to every member of room except the excluded
// session. Delivery is an enqueue on each member's bounded queue; members
// whose queue is full are dropped from all rooms and closed.
func (r *Router) Broadcast(room types.RoomKeyType, frame []byte, except types.SessionIDType) {
	if frame == nil {
		return
	}
	r.deliver(room, frame, except)
	if r.publish != nil {
		r.publish(string(room), frame)
	}
}

// ApplyRemote delivers a frame that arrived from another instance to the
// local members only.
func (r *Router) ApplyRemote(room types.RoomKeyType, frame []byte) {
	if frame == nil {
		return
	}
	r.deliver(room, frame, "")
}

func (r *Router) deliver(room types.RoomKeyType, frame []byte, except types.SessionIDType) {
	r.mu.RLock()
	members := make([]types.SessionInterface, 0, len(r.rooms[room]))
	for id, s := range r.rooms[room] {
		if id == except {
			continue
		}
		members = append(members, s)
	}
	r.mu.RUnlock()

	metrics.BroadcastsTotal.WithLabelValues(roomKind(room)).Inc()

	var slow []types.SessionInterface
	for _, s := range members {
		if !s.Send(frame) {
			slow = append(slow, s)
		}
	}

	for _, s := range slow {
		logging.Warn(context.Background(), "Dropping slow consumer",
			zap.String("sessionId", string(s.GetID())),
			zap.String("userId", string(s.GetUserID())),
			zap.String("room", string(room)),
		)
		metrics.SlowConsumersDropped.Inc()
		r.DropSession(s.GetID())
		s.Close("slow-consumer")
	}
}

// Members returns a snapshot of the sessions subscribed to room.
func (r *Router) Members(room types.RoomKeyType) []types.SessionInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.SessionInterface, 0, len(r.rooms[room]))
	for _, s := range r.rooms[room] {
		out = append(out, s)
	}
	return out
}

// Rooms returns a snapshot of the rooms the session currently belongs to.
func (r *Router) Rooms(id types.SessionIDType) []types.RoomKeyType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.RoomKeyType, 0, len(r.sessions[id]))
	for room := range r.sessions[id] {
		out = append(out, room)
	}
	return out
}
