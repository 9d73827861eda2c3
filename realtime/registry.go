package realtime

import (
	"sync"

	"github.com/umich-balloons/balloontrack/geocell"
	"github.com/umich-balloons/balloontrack/monitoring"
)

// Registry owns both sides of the cell/connection mapping and keeps them
// mirror images of each other: a client is in a room if and only if the room
// is in the client's subscription set. Clients hold no back-pointers into
// the registry's storage.
type Registry struct {
	mu    sync.RWMutex
	rooms map[geocell.CellID]map[*Client]struct{}
	subs  map[*Client]map[geocell.CellID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[geocell.CellID]map[*Client]struct{}),
		subs:  make(map[*Client]map[geocell.CellID]struct{}),
	}
}

// Register adds a connection with an empty subscription set.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	r.subs[c] = make(map[geocell.CellID]struct{})
	r.mu.Unlock()
	monitoring.WSClients.Inc()
}

// Disconnect removes the connection from every cell it held and drops cells
// that become empty. Safe to call more than once.
func (r *Registry) Disconnect(c *Client) {
	r.mu.Lock()
	cells, ok := r.subs[c]
	if !ok {
		r.mu.Unlock()
		return
	}
	for cell := range cells {
		if members, ok := r.rooms[cell]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(r.rooms, cell)
			}
		}
	}
	delete(r.subs, c)
	r.mu.Unlock()
	monitoring.WSClients.Dec()
}

// UpdateSubscriptions replaces a client's subscription set with newCells and
// returns the cells joined and left. Both maps mutate under one lock so the
// mirror invariant holds at every observable point.
func (r *Registry) UpdateSubscriptions(c *Client, newCells map[geocell.CellID]struct{}) (joined, left []geocell.CellID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.subs[c]
	if !ok {
		// Disconnected mid-message; nothing to update.
		return nil, nil
	}

	for cell := range newCells {
		if _, has := current[cell]; !has {
			joined = append(joined, cell)
			members, ok := r.rooms[cell]
			if !ok {
				members = make(map[*Client]struct{})
				r.rooms[cell] = members
			}
			members[c] = struct{}{}
		}
	}
	for cell := range current {
		if _, keep := newCells[cell]; !keep {
			left = append(left, cell)
			if members, ok := r.rooms[cell]; ok {
				delete(members, c)
				if len(members) == 0 {
					delete(r.rooms, cell)
				}
			}
		}
	}
	r.subs[c] = newCells
	return joined, left
}

// Subscriptions returns a copy of the client's current cell set.
func (r *Registry) Subscriptions(c *Client) map[geocell.CellID]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[geocell.CellID]struct{}, len(r.subs[c]))
	for cell := range r.subs[c] {
		out[cell] = struct{}{}
	}
	return out
}

// Members returns a snapshot of a cell's member set so broadcast iteration
// survives concurrent disconnects.
func (r *Registry) Members(cell geocell.CellID) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[cell]
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// BroadcastToCell sends msg to every member of the cell. Sockets that fail
// mid-broadcast are torn down after the iteration completes.
func (r *Registry) BroadcastToCell(cell geocell.CellID, msg []byte) {
	members := r.Members(cell)
	if len(members) == 0 {
		return
	}
	var failed []*Client
	for _, c := range members {
		if err := c.Send(msg); err != nil {
			monitoring.Debugf("broadcast send failed cell=%s: %v", cell, err)
			failed = append(failed, c)
			continue
		}
		monitoring.BroadcastsSent.Inc()
	}
	for _, c := range failed {
		r.Disconnect(c)
		c.Close()
	}
}
