// Package h2err carries the stream-scope/connection-scope error distinction
// through the call stack, the way golang.org/x/net/http2 carries StreamError
// and ConnectionError through its own frame handling. It lives in its own
// package (rather than under internal/connio) so every layer — streamtable,
// flowcontrol, connio — can raise and classify these without an import cycle.
package h2err

import (
	"fmt"

	"golang.org/x/net/http2"
)

// StreamError is a fault attributable to a single stream: RST_STREAM with
// Code, while the connection stays open.
type StreamError struct {
	StreamID uint32
	Code     http2.ErrCode
	Cause    error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream %d: %v (%v)", e.StreamID, e.Code, e.Cause)
	}
	return fmt.Sprintf("stream %d: %v", e.StreamID, e.Code)
}

func (e *StreamError) Unwrap() error { return e.Cause }

// ConnectionError is a protocol violation affecting connection state:
// GOAWAY with Code and optional Debug text, then close.
type ConnectionError struct {
	Code  http2.ErrCode
	Debug string
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Debug != "" {
		return fmt.Sprintf("connection: %v (%s)", e.Code, e.Debug)
	}
	return fmt.Sprintf("connection: %v", e.Code)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func NewStreamError(id uint32, code http2.ErrCode) *StreamError {
	return &StreamError{StreamID: id, Code: code}
}

func NewConnectionError(code http2.ErrCode, debug string) *ConnectionError {
	return &ConnectionError{Code: code, Debug: debug}
}
