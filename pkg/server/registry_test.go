package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAttachDetach(t *testing.T) {
	r := NewRegistry()
	c1 := &Conn{id: "c1"}
	c2 := &Conn{id: "c2"}

	require.NoError(t, r.Attach("alice", c1))
	require.NoError(t, r.Attach("alice", c2))
	assert.Equal(t, 2, r.Count("alice"))

	r.Detach("alice", c1)
	assert.Equal(t, 1, r.Count("alice"))

	// Detaching twice is a no-op.
	r.Detach("alice", c1)
	assert.Equal(t, 1, r.Count("alice"))
}

func TestRegistrySessionCap(t *testing.T) {
	r := NewRegistry()
	c1 := &Conn{id: "c1"}
	c2 := &Conn{id: "c2"}
	c3 := &Conn{id: "c3"}

	require.NoError(t, r.Attach("bob", c1))
	require.NoError(t, r.Attach("bob", c2))

	err := r.Attach("bob", c3)
	require.ErrorIs(t, err, ErrSessionFull)

	// The first two devices are unaffected.
	assert.Equal(t, 2, r.Count("bob"))

	// A slot freed by a detach can be reused.
	r.Detach("bob", c2)
	require.NoError(t, r.Attach("bob", c3))
}

func TestRegistryAttachIdempotent(t *testing.T) {
	r := NewRegistry()
	c1 := &Conn{id: "c1"}

	require.NoError(t, r.Attach("carol", c1))
	require.NoError(t, r.Attach("carol", c1))
	assert.Equal(t, 1, r.Count("carol"))
}

func TestRegistryPeersExcludesOrigin(t *testing.T) {
	r := NewRegistry()
	c1 := &Conn{id: "c1"}
	c2 := &Conn{id: "c2"}

	require.NoError(t, r.Attach("dave", c1))
	require.NoError(t, r.Attach("dave", c2))

	peers := r.Peers("dave", c1)
	require.Len(t, peers, 1)
	assert.Same(t, c2, peers[0])

	peers = r.Peers("dave", c2)
	require.Len(t, peers, 1)
	assert.Same(t, c1, peers[0])

	assert.Nil(t, r.Peers("nobody", nil))
}

func TestRegistrySessionPersistsAfterLastDetach(t *testing.T) {
	r := NewRegistry()
	c1 := &Conn{id: "c1"}

	require.NoError(t, r.Attach("erin", c1))
	r.Detach("erin", c1)

	// The session entry survives with no devices.
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "erin", snap[0].Username)
	assert.Empty(t, snap[0].Devices)
}
