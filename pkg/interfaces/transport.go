package interfaces

import "chatrelay/pkg/types"

// Transport delivers an event to one live connection. Send never waits on
// a slow client. Sending to a connection that has gone away is a no-op.
type Transport interface {
	Send(connID string, event types.Event) error
}

// Broadcaster fans an event out to room members.
type Broadcaster interface {
	Broadcast(room string, event types.Event) (int, error)

	// BroadcastRooms delivers one copy per connection across the union of
	// rooms.
	BroadcastRooms(rooms []string, event types.Event) (int, error)
}
