package stream

import "codeberg.org/mutker/hwmonitor/internal/errors"

const (
	ErrListen   = errors.ErrorCode("stream_listen_failed")
	ErrShutdown = errors.ErrorCode("stream_shutdown_failed")
	ErrMarshal  = errors.ErrorCode("stream_marshal_failed")
)
