package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var _ interfaces.Transport = (*Registry)(nil)

// userEntry holds the live connections of one user. Mutations for a user
// are serialized on the entry's own lock so independent users never
// contend. An entry marked dead has been unlinked from the registry and
// must not receive new connections.
type userEntry struct {
	mu    sync.Mutex
	conns map[string]*Connection
	dead  bool
}

// Registry maps user ids to their live connections for multi-device
// fanout. Users with no connections are removed from the map.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*userEntry

	indexMu sync.RWMutex
	index   map[string]*Connection

	stopOnce sync.Once
	stopped  chan struct{}
	log      zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		users:   make(map[string]*userEntry),
		index:   make(map[string]*Connection),
		stopped: make(chan struct{}),
		log:     log.With().Str("component", "registry").Logger(),
	}
}

// Start ties the registry lifetime to ctx.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.stopped:
		}
	}()
}

// Stop closes every live connection. Later Adds are refused.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)

		r.indexMu.RLock()
		conns := make([]*Connection, 0, len(r.index))
		for _, conn := range r.index {
			conns = append(conns, conn)
		}
		r.indexMu.RUnlock()

		for _, conn := range conns {
			_ = conn.Close()
		}
		r.log.Info().Int("connections", len(conns)).Msg("Registry stopped")
	})
}

func (r *Registry) isStopped() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

// entry returns the live entry for userID, creating it when create is set.
func (r *Registry) entry(userID string, create bool) *userEntry {
	r.mu.RLock()
	e := r.users[userID]
	r.mu.RUnlock()
	if e != nil || !create {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e = r.users[userID]; e == nil {
		e = &userEntry{conns: make(map[string]*Connection)}
		r.users[userID] = e
	}
	return e
}

// Add records conn under userID.
func (r *Registry) Add(userID string, conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if conn.UserID() != userID {
		return ErrUserMismatch
	}
	if r.isStopped() {
		return ErrRegistryDown
	}

	for {
		e := r.entry(userID, true)
		e.mu.Lock()
		if e.dead {
			// Lost a race with the last Remove; retry on a fresh entry.
			e.mu.Unlock()
			continue
		}
		if _, exists := e.conns[conn.ID()]; !exists {
			metrics.ConnectionsActive.Inc()
		}
		e.conns[conn.ID()] = conn
		r.indexMu.Lock()
		r.index[conn.ID()] = conn
		r.indexMu.Unlock()
		e.mu.Unlock()
		return nil
	}
}

// Remove drops connID from userID's set. Removing an unknown connection is
// a no-op.
func (r *Registry) Remove(userID, connID string) {
	e := r.entry(userID, false)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.conns[connID]; !exists {
		return
	}
	delete(e.conns, connID)
	metrics.ConnectionsActive.Dec()

	r.indexMu.Lock()
	delete(r.index, connID)
	r.indexMu.Unlock()

	if len(e.conns) == 0 {
		e.dead = true
		r.mu.Lock()
		if r.users[userID] == e {
			delete(r.users, userID)
		}
		r.mu.Unlock()
	}
}

// ConnectionsOf returns the sorted connection ids of userID, possibly empty.
func (r *Registry) ConnectionsOf(userID string) []string {
	e := r.entry(userID, false)
	if e == nil {
		return []string{}
	}

	e.mu.Lock()
	ids := make([]string, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Lookup returns the live connection with the given id
func (r *Registry) Lookup(connID string) (*Connection, bool) {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	conn, ok := r.index[connID]
	return conn, ok
}

// Send delivers event to one connection without blocking. A connection that
// is gone or already closed is skipped without error; one that cannot keep up
// is closed and reported.
func (r *Registry) Send(connID string, event types.Event) error {
	conn, ok := r.Lookup(connID)
	if !ok {
		return nil
	}
	if err := conn.TrySend(event); err != nil && err != ErrConnectionClosed {
		return err
	}
	return nil
}

// Stats returns registry statistics for monitoring
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	users := len(r.users)
	r.mu.RUnlock()

	r.indexMu.RLock()
	conns := len(r.index)
	r.indexMu.RUnlock()

	return map[string]int{
		"total_connections": conns,
		"active_users":      users,
	}
}
