package ipc

// ErrorCode is the command buffer error state reported by an executor.
type ErrorCode int32

const (
	ErrorNone ErrorCode = iota
	ErrorInvalidSize
	ErrorOutOfBounds
	ErrorUnknownCommand
	ErrorInvalidArguments
	ErrorLostContext
	ErrorGeneric
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorInvalidSize:
		return "invalid_size"
	case ErrorOutOfBounds:
		return "out_of_bounds"
	case ErrorUnknownCommand:
		return "unknown_command"
	case ErrorInvalidArguments:
		return "invalid_arguments"
	case ErrorLostContext:
		return "lost_context"
	default:
		return "generic"
	}
}

// ContextLostReason qualifies ErrorLostContext.
type ContextLostReason int32

const (
	ContextLostGuilty ContextLostReason = iota
	ContextLostInnocent
	ContextLostUnknown
	ContextLostOutOfMemory
)

func (r ContextLostReason) String() string {
	switch r {
	case ContextLostGuilty:
		return "guilty"
	case ContextLostInnocent:
		return "innocent"
	case ContextLostOutOfMemory:
		return "out_of_memory"
	default:
		return "unknown"
	}
}

// State is the command buffer state snapshot returned to the renderer.
type State struct {
	GetOffset         int32             `json:"get_offset"`
	Token             int32             `json:"token"`
	Error             ErrorCode         `json:"error"`
	ContextLostReason ContextLostReason `json:"context_lost_reason"`
}

func (*State) Kind() Kind { return KindStateReply }

// IsError reports whether the executor is in an error state.
func (s State) IsError() bool { return s.Error != ErrorNone }

// InRange reports whether value lies in [start, end], treating the range as
// wrapping when start > end.
func InRange(start, end, value int32) bool {
	if start <= end {
		return start <= value && value <= end
	}
	return start <= value || value <= end
}

// CommandOp is an instruction understood by the command executor.
type CommandOp uint8

const (
	OpNoop CommandOp = iota
	// OpSetToken sets the executor's processed token to Arg.
	OpSetToken
	// OpWaitSyncPoint defers later commands until sync point Arg retires.
	OpWaitSyncPoint
	// OpLoseContext puts the executor into ErrorLostContext.
	OpLoseContext
)

func (op CommandOp) String() string {
	switch op {
	case OpNoop:
		return "noop"
	case OpSetToken:
		return "set_token"
	case OpWaitSyncPoint:
		return "wait_sync_point"
	case OpLoseContext:
		return "lose_context"
	default:
		return "unknown"
	}
}

// Command is one entry of a command buffer.
type Command struct {
	Op  CommandOp `json:"op"`
	Arg uint32    `json:"arg,omitempty"`
}
