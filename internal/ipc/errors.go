package ipc

import "errors"

var (
	ErrUnknownKind     = errors.New("unknown message kind")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrFrameTooLarge   = errors.New("frame exceeds size limit")
)
