package client

import "errors"

var (
	// ErrRejected is returned when the server answers a request with a failure reply.
	ErrRejected = errors.New("request rejected")
	ErrClosed   = errors.New("connection closed")
	// ErrNotMember is returned for group sends when the server refuses the key lookup.
	ErrNotMember = errors.New("not a member of the group")
	ErrNoKey     = errors.New("recipient has no public key")
)
