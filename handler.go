package h2conn

import (
	"github.com/duplexhttp/h2conn/internal/connio"
)

// HeaderField is one HTTP/2 header field, preserving wire order (spec §6:
// pseudo-headers first, in the order HPACK decoded them).
type HeaderField = connio.HeaderField

// Request is the per-stream request surface handed to a Handler: the
// decoded HEADERS fields and a reader over the DATA frames that follow.
type Request = connio.Request

// ResponseWriter is the per-stream response surface. WriteHeader must be
// called at most once; Write auto-calls it with status 200 if the handler
// writes a body without an explicit status.
type ResponseWriter = connio.ResponseWriter

// Handler processes one HTTP/2 stream. ServeH2 runs on a dispatcher worker
// goroutine (spec §4.6), never on the connection's I/O goroutine.
type Handler = connio.Handler

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc = connio.HandlerFunc
