package router

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/pkg/apperr"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var _ interfaces.Broadcaster = (*Router)(nil)

// Router tracks room membership per connection and fans events out to
// room members. Membership changes and broadcasts may interleave freely: a
// join that completes while a broadcast is in flight may miss it.
type Router struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]struct{} // room -> connIDs
	members map[string]map[string]struct{} // connID -> rooms
	stopped bool

	transport interfaces.Transport
	ownership interfaces.OwnershipChecker
	log       zerolog.Logger
}

// NewRouter creates a router delivering through transport. Conversation
// joins are authorized through ownership.
func NewRouter(transport interfaces.Transport, ownership interfaces.OwnershipChecker, log zerolog.Logger) *Router {
	return &Router{
		rooms:     make(map[string]map[string]struct{}),
		members:   make(map[string]map[string]struct{}),
		transport: transport,
		ownership: ownership,
		log:       log.With().Str("component", "router").Logger(),
	}
}

// Join adds connID to room on behalf of userID. A user may join only its
// own user room and conversation rooms it owns; anything else is reported
// as NotFound so callers cannot discover other users' conversations.
func (r *Router) Join(ctx context.Context, connID, userID, room string) error {
	if connID == "" {
		return ErrEmptyConnID
	}

	kind, id, ok := types.ParseRoom(room)
	if !ok {
		metrics.RoomJoinsTotal.WithLabelValues("unknown", "rejected").Inc()
		return apperr.InvalidArgument("room", "unknown room")
	}

	switch kind {
	case "user":
		if id != userID {
			metrics.RoomJoinsTotal.WithLabelValues(kind, "not_found").Inc()
			return apperr.NotFound("room not found")
		}
	case "conversation":
		if err := r.ownership.Exists(ctx, userID, id); err != nil {
			if apperr.Is(err, apperr.CodeNotFound) {
				metrics.RoomJoinsTotal.WithLabelValues(kind, "not_found").Inc()
				return apperr.NotFound("conversation not found")
			}
			metrics.RoomJoinsTotal.WithLabelValues(kind, "error").Inc()
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrRouterStopped
	}

	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]struct{})
	}
	r.rooms[room][connID] = struct{}{}

	if r.members[connID] == nil {
		r.members[connID] = make(map[string]struct{})
	}
	r.members[connID][room] = struct{}{}

	metrics.RoomJoinsTotal.WithLabelValues(kind, "joined").Inc()
	return nil
}

// Leave removes connID from room. Leaving a room one is not in is a no-op.
func (r *Router) Leave(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, room)
}

// LeaveAll removes connID from every room; called on disconnect.
func (r *Router) LeaveAll(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.members[connID] {
		r.leaveLocked(connID, room)
	}
}

func (r *Router) leaveLocked(connID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms, ok := r.members[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.members, connID)
		}
	}
}

// Broadcast delivers event to every connection in room, the sender
// included. Delivery is best effort: failures are logged and counted but
// never retried. It returns the number of successful sends.
func (r *Router) Broadcast(room string, event types.Event) (int, error) {
	return r.BroadcastRooms([]string{room}, event)
}

// BroadcastRooms delivers event once to every connection that is a member
// of at least one of rooms. A connection in several of the rooms receives a
// single copy.
func (r *Router) BroadcastRooms(rooms []string, event types.Event) (int, error) {
	r.mu.RLock()
	if r.stopped {
		r.mu.RUnlock()
		return 0, ErrRouterStopped
	}
	seen := make(map[string]struct{})
	targets := make([]target, 0)
	for _, room := range rooms {
		for connID := range r.rooms[room] {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			targets = append(targets, target{connID: connID, room: room})
		}
	}
	r.mu.RUnlock()

	for _, room := range rooms {
		kind, _, _ := types.ParseRoom(room)
		metrics.BroadcastsTotal.WithLabelValues(kind, event.Type).Inc()
	}

	delivered := 0
	for _, t := range targets {
		if err := r.transport.Send(t.connID, event); err != nil {
			metrics.DeliveryFailuresTotal.Inc()
			r.log.Warn().
				Err(err).
				Str("conn_id", t.connID).
				Str("room", t.room).
				Str("event", event.Type).
				Msg("Failed to deliver event")
			continue
		}
		delivered++
	}
	return delivered, nil
}

type target struct {
	connID string
	room   string
}

// Members returns the sorted connection ids in room
func (r *Router) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[room])
}

// RoomsOf returns the sorted rooms connID has joined
func (r *Router) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.members[connID])
}

// Stats returns membership counts for monitoring
func (r *Router) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"rooms":       len(r.rooms),
		"connections": len(r.members),
	}
}

// Stop drops all membership; later joins and broadcasts fail with
// ErrRouterStopped.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.rooms = make(map[string]map[string]struct{})
	r.members = make(map[string]map[string]struct{})
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
