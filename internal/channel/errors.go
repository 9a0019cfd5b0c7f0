package channel

import "errors"

var (
	// ErrRouteNotFound is returned when a message targets a route no listener owns.
	ErrRouteNotFound = errors.New("route not found")
	// ErrDuplicateWait is logged when a stub receives a second wait of the same
	// kind while one is outstanding.
	ErrDuplicateWait = errors.New("duplicate wait request")
	// ErrSyncPointProtocol is a retire that does not match the head of the
	// stub's sync point queue.
	ErrSyncPointProtocol = errors.New("sync point protocol violation")
	// ErrTransportClosed is returned when sending on a channel whose renderer
	// connection is gone.
	ErrTransportClosed = errors.New("transport closed")
	// ErrExecutorLost is returned when a command executor cannot be created or
	// has lost its context.
	ErrExecutorLost = errors.New("executor lost")

	ErrAlreadyExists    = errors.New("channel already exists")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrPreemptorExists  = errors.New("a preempting channel already exists")
	ErrChannelConnected = errors.New("channel already has a connection")
	ErrNoSurface        = errors.New("view command buffer needs a surface")
)
