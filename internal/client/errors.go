package client

import "errors"

var (
	ErrNotFound    = errors.New("channel not found")
	ErrConflict    = errors.New("channel conflict")
	ErrRateLimited = errors.New("rate limited by gpu process")
	ErrClosed      = errors.New("connection closed")
	// ErrErrorReply is returned when the GPU process answers a synchronous
	// message with an error reply.
	ErrErrorReply = errors.New("error reply")
)
