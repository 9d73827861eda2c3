package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umich-balloons/balloontrack/geocell"
)

func cellSet(ids ...string) map[geocell.CellID]struct{} {
	out := make(map[geocell.CellID]struct{}, len(ids))
	for _, id := range ids {
		out[geocell.CellID(id)] = struct{}{}
	}
	return out
}

// checkMirror asserts the two maps stay inverses of each other: every
// subscription has a matching room membership and vice versa.
func checkMirror(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c, cells := range r.subs {
		for cell := range cells {
			_, ok := r.rooms[cell][c]
			assert.True(t, ok, "client subscribed to %s but missing from room", cell)
		}
	}
	for cell, members := range r.rooms {
		assert.NotEmpty(t, members, "empty room %s should have been dropped", cell)
		for c := range members {
			_, ok := r.subs[c][cell]
			assert.True(t, ok, "room %s holds client without matching subscription", cell)
		}
	}
}

func TestUpdateSubscriptionsDiff(t *testing.T) {
	r := NewRegistry()
	c := &Client{}
	r.Register(c)

	joined, left := r.UpdateSubscriptions(c, cellSet("7:1:1", "7:1:2", "7:2:1"))
	assert.Len(t, joined, 3)
	assert.Empty(t, left)
	checkMirror(t, r)

	joined, left = r.UpdateSubscriptions(c, cellSet("7:1:2", "7:3:3"))
	assert.ElementsMatch(t, []geocell.CellID{"7:3:3"}, joined)
	assert.ElementsMatch(t, []geocell.CellID{"7:1:1", "7:2:1"}, left)
	checkMirror(t, r)

	// Identical set is a no-op.
	joined, left = r.UpdateSubscriptions(c, cellSet("7:1:2", "7:3:3"))
	assert.Empty(t, joined)
	assert.Empty(t, left)
	checkMirror(t, r)
}

func TestUpdateSubscriptionsSharedCells(t *testing.T) {
	r := NewRegistry()
	a, b := &Client{}, &Client{}
	r.Register(a)
	r.Register(b)

	r.UpdateSubscriptions(a, cellSet("7:0:0", "7:0:1"))
	r.UpdateSubscriptions(b, cellSet("7:0:0"))
	checkMirror(t, r)

	assert.Len(t, r.Members("7:0:0"), 2)
	assert.Len(t, r.Members("7:0:1"), 1)

	// Leaving a shared cell keeps the other member.
	r.UpdateSubscriptions(a, cellSet("7:0:1"))
	assert.Len(t, r.Members("7:0:0"), 1)
	checkMirror(t, r)
}

func TestDisconnectRemovesEverywhere(t *testing.T) {
	r := NewRegistry()
	c := &Client{}
	r.Register(c)
	r.UpdateSubscriptions(c, cellSet("7:5:5", "7:5:6"))

	r.Disconnect(c)
	assert.Empty(t, r.Members("7:5:5"))
	assert.Empty(t, r.Members("7:5:6"))
	assert.Empty(t, r.Subscriptions(c))
	checkMirror(t, r)

	// Second disconnect is a safe no-op.
	r.Disconnect(c)
}

func TestUpdateAfterDisconnectIsNoop(t *testing.T) {
	r := NewRegistry()
	c := &Client{}
	r.Register(c)
	r.Disconnect(c)

	joined, left := r.UpdateSubscriptions(c, cellSet("7:9:9"))
	assert.Empty(t, joined)
	assert.Empty(t, left)
	assert.Empty(t, r.Members("7:9:9"))
}

// Clients whose sends fail are torn down after the broadcast completes.
func TestBroadcastTearsDownFailedSockets(t *testing.T) {
	r := NewRegistry()
	c := &Client{} // nil conn: every send fails
	r.Register(c)
	r.UpdateSubscriptions(c, cellSet("7:1:1"))
	require.Len(t, r.Members("7:1:1"), 1)

	r.BroadcastToCell("7:1:1", []byte(`{"type":"newPosition"}`))

	assert.Empty(t, r.Members("7:1:1"))
	assert.Empty(t, r.Subscriptions(c))
	checkMirror(t, r)
}

func TestBroadcastToEmptyCell(t *testing.T) {
	r := NewRegistry()
	// No members, no panic.
	r.BroadcastToCell("7:8:8", []byte("{}"))
}
