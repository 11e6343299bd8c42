package presence

import (
	"sort"
	"sync"

	"yuim/services/im-relay/internal/metrics"
	"yuim/services/im-relay/internal/protocol"
)

// Registry is the bidirectional uid<->connection map. At most one live
// connection exists per uid; registering a second one supersedes the first.
// Only this package mutates the maps, everything else goes through the
// accessors.
type Registry struct {
	mu       sync.RWMutex
	byUID    map[int64]*Conn
	byConnID map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		byUID:    make(map[int64]*Conn),
		byConnID: make(map[string]*Conn),
	}
}

// Register installs c as the uid's live connection. A previous connection for
// the same uid is told its session was superseded and closed before c becomes
// visible, so the single-session invariant holds even when a user opens two
// sessions back to back. Every live connection then gets a presence broadcast.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	prev := r.byUID[c.UID]
	if prev != nil {
		delete(r.byConnID, prev.ID)
	}
	r.byUID[c.UID] = c
	r.byConnID[c.ID] = c
	r.mu.Unlock()

	if prev != nil {
		prev.Send(protocol.Encode(protocol.EventSessionSuperseded, nil))
		prev.Close()
		metrics.SupersededSessions.Inc()
	}
	metrics.OnlineConns.Set(float64(r.Len()))
	r.broadcastPresence()
}

// Unregister removes the entry only if connID is still the uid's live
// connection. A connection that was already superseded unregisters as a no-op,
// so a late disconnect of the old session cannot evict the new one.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	c, ok := r.byConnID[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byConnID, connID)
	if cur := r.byUID[c.UID]; cur != nil && cur.ID == connID {
		delete(r.byUID, c.UID)
	}
	r.mu.Unlock()

	metrics.OnlineConns.Set(float64(r.Len()))
	r.broadcastPresence()
	return true
}

// Resolve returns the uid's live connection, if any. Pure lookup.
func (r *Registry) Resolve(uid int64) (*Conn, bool) {
	r.mu.RLock()
	c, ok := r.byUID[uid]
	r.mu.RUnlock()
	return c, ok
}

// Online reports whether uid has a live connection.
func (r *Registry) Online(uid int64) bool {
	r.mu.RLock()
	_, ok := r.byUID[uid]
	r.mu.RUnlock()
	return ok
}

// Snapshot returns the set of online uids, sorted for stable payloads.
func (r *Registry) Snapshot() []int64 {
	r.mu.RLock()
	out := make([]int64, 0, len(r.byUID))
	for uid := range r.byUID {
		out = append(out, uid)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.byUID)
	r.mu.RUnlock()
	return n
}

// RelayTo resolves uid and queues the packet to its connection. False means
// the uid is offline or its queue was full; both count as not delivered.
func (r *Registry) RelayTo(uid int64, packet []byte) bool {
	c, ok := r.Resolve(uid)
	if !ok {
		metrics.WSPushOffline.Inc()
		return false
	}
	if !c.Send(packet) {
		metrics.WSPushBackpressure.Inc()
		return false
	}
	metrics.WSPushOK.Inc()
	return true
}

func (r *Registry) broadcastPresence() {
	packet := protocol.Encode(protocol.EventPresenceChanged, protocol.PresenceChanged{Online: r.Snapshot()})

	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byUID))
	for _, c := range r.byUID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Send(packet)
	}
}
