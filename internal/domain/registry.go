package domain

import "github.com/google/uuid"

// Registry is the set of live tunnels owned by one event loop, used for
// fleet shutdown. Mutated only on the owning loop's thread.
type Registry struct {
	tunnels map[uuid.UUID]*Tunnel
}

func NewRegistry() *Registry {
	return &Registry{tunnels: make(map[uuid.UUID]*Tunnel)}
}

func (r *Registry) Add(t *Tunnel) {
	r.tunnels[t.ID] = t
}

func (r *Registry) Remove(id uuid.UUID) {
	delete(r.tunnels, id)
}

func (r *Registry) Get(id uuid.UUID) (*Tunnel, bool) {
	t, ok := r.tunnels[id]
	return t, ok
}

func (r *Registry) Len() int {
	return len(r.tunnels)
}

// ShutdownAll invokes fn on every currently-registered tunnel. The
// iteration tolerates concurrent removal: it snapshots the keys up front,
// since fn is expected to remove the tunnel from the registry via its dying
// callback before ShutdownAll returns to the loop.
func (r *Registry) ShutdownAll(fn func(*Tunnel)) {
	ids := make([]uuid.UUID, 0, len(r.tunnels))
	for id := range r.tunnels {
		ids = append(ids, id)
	}
	for _, id := range ids {
		if t, ok := r.tunnels[id]; ok {
			fn(t)
		}
	}
}
