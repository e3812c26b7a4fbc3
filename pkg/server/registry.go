package server

import (
	"sync"
	"time"

	"github.com/syncbox/syncbox/pkg/wire"
)

// MaxConnsPerUser is the device limit per user account. It is a protocol
// constant, not configuration: a third device is refused after the
// handshake with a NACK.
const MaxConnsPerUser = 2

// ErrSessionFull is returned by Attach when the user already has
// MaxConnsPerUser connections.
var ErrSessionFull = wire.NewValidationError("attach", "session full")

// Registry maps usernames to their active connections.
//
// One mutex guards the whole table and nothing but pointer work happens
// under it; fan-out takes a snapshot through Peers and does its I/O after
// the lock is released. Session entries persist after the last connection
// detaches, so a username looked up once stays allocated for the life of
// the process.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	conns []*Conn
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

// Attach binds c to the user's session. It fails with ErrSessionFull when
// the device limit is reached; the caller answers with a NACK and closes.
func (r *Registry) Attach(user string, c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[user]
	if s == nil {
		s = &session{}
		r.sessions[user] = s
	}
	for _, existing := range s.conns {
		if existing == c {
			return nil
		}
	}
	if len(s.conns) >= MaxConnsPerUser {
		return ErrSessionFull
	}
	s.conns = append(s.conns, c)
	return nil
}

// Detach removes c from the user's session. Detaching a connection that
// was never attached is a no-op. The session entry itself is never freed.
func (r *Registry) Detach(user string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[user]
	if s == nil {
		return
	}
	for i, existing := range s.conns {
		if existing == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

// Peers returns a snapshot of the user's other connections, in attach
// order. The snapshot is valid for one fan-out pass; connections that
// detach afterwards simply fail their push and are skipped.
func (r *Registry) Peers(user string, except *Conn) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[user]
	if s == nil {
		return nil
	}
	peers := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c != except {
			peers = append(peers, c)
		}
	}
	return peers
}

// Count returns the number of connections currently attached for user.
func (r *Registry) Count(user string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.sessions[user]; s != nil {
		return len(s.conns)
	}
	return 0
}

// DeviceInfo describes one attached connection for the admin API.
type DeviceInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SessionInfo describes one user session for the admin API.
type SessionInfo struct {
	Username string       `json:"username"`
	Devices  []DeviceInfo `json:"devices"`
}

// Snapshot returns the current sessions and their devices. Users whose
// sessions are empty (all devices detached) are included with an empty
// device list, matching the registry's keep-forever lifecycle.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for user, s := range r.sessions {
		info := SessionInfo{Username: user, Devices: make([]DeviceInfo, 0, len(s.conns))}
		for _, c := range s.conns {
			info.Devices = append(info.Devices, DeviceInfo{
				ID:          c.ID(),
				Remote:      c.RemoteAddr(),
				ConnectedAt: c.ConnectedAt(),
			})
		}
		out = append(out, info)
	}
	return out
}
