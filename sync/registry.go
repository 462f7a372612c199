package sync

import (
	"sort"
	"sync"
)

// Client is one open transport channel as seen by the broadcaster.
type Client interface {
	// ID identifies the channel in the registry.
	ID() string

	// Enqueue queues an encoded message without blocking.
	// It returns false when the message was dropped.
	Enqueue(payload []byte) bool

	// Close disconnects the channel. It must be safe to call more than once.
	Close()
}

// Registry tracks the currently open channels. The broadcaster never owns
// them: channels add and remove themselves.
type Registry interface {
	Add(c Client)
	Remove(id string) bool
	Snapshot() []Client
	Len() int
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{clients: make(map[string]Client)}
}

// Add registers c, replacing any client with the same ID.
func (r *MemoryRegistry) Add(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID()] = c
}

// Remove unregisters the client with the given ID.
func (r *MemoryRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	return true
}

// Snapshot returns the registered clients ordered by ID.
func (r *MemoryRegistry) Snapshot() []Client {
	r.mu.RLock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered clients.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
