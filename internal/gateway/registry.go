package gateway

import "sync"

// ConnectionRegistry is a concurrent set of live connections. A Connection
// inserts itself when accepted and erases itself exactly once, on its first
// Close.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[*Connection]struct{}
}

// NewConnectionRegistry returns an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[*Connection]struct{})}
}

// Insert adds c to the registry.
func (r *ConnectionRegistry) Insert(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

// Erase removes c from the registry. It is safe to call on a c that is not
// present, which happens if CloseAll and a connection's own Close race.
func (r *ConnectionRegistry) Erase(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

// Len reports the number of registered connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ForEach calls fn once for every connection registered when it was called.
// fn runs on a snapshot without the registry lock held, so it may call
// Insert or Erase on this registry.
func (r *ConnectionRegistry) ForEach(fn func(*Connection)) {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}

// CloseAll force-closes every registered connection. Connections erase
// themselves concurrently as they close; CloseAll tolerates that by
// snapshotting before iterating.
func (r *ConnectionRegistry) CloseAll() {
	r.ForEach(func(c *Connection) {
		c.Close(true)
	})
}
