package server

import (
	"sort"

	"fastchat/protocol"
	"fastchat/transport"
)

// meshLink is the outbound side of a peer connection.
type meshLink struct {
	peer     int
	conn     *transport.Conn
	queue    []protocol.Envelope
	writable bool
}

// registry is the single source of truth for live connections. It is only
// touched from the event loop.
type registry struct {
	next     int
	sessions map[int]*session
	byUser   map[int]int
	links    map[int]*meshLink
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[int]*session),
		byUser:   make(map[int]int),
		links:    make(map[int]*meshLink),
	}
}

func (r *registry) nextHandle() int {
	r.next++
	return r.next
}

func (r *registry) insert(sess *session) {
	r.sessions[sess.handle] = sess
}

// lookup returns the session only if conn still owns its handle.
func (r *registry) lookup(conn *transport.Conn) (*session, bool) {
	sess, ok := r.sessions[conn.ID]
	if !ok || sess.conn != conn {
		return nil, false
	}
	return sess, true
}

func (r *registry) remove(handle int) {
	delete(r.sessions, handle)
}

func (r *registry) bindUser(user, handle int) {
	r.byUser[user] = handle
}

// unbindUser clears user only if it still points at handle.
func (r *registry) unbindUser(user, handle int) bool {
	if r.byUser[user] != handle {
		return false
	}
	delete(r.byUser, user)
	return true
}

func (r *registry) sessionForUser(user int) (*session, bool) {
	handle, ok := r.byUser[user]
	if !ok {
		return nil, false
	}
	sess, ok := r.sessions[handle]
	return sess, ok
}

func (r *registry) users() []int {
	out := make([]int, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	sort.Ints(out)
	return out
}

func (r *registry) peers() []int {
	out := make([]int, 0, len(r.links))
	for id := range r.links {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
