package h2conn

import (
	"io"
	"log"
	"time"

	"github.com/duplexhttp/h2conn/internal/connio"
)

// Config holds the server-wide configuration for accepted HTTP/2
// connections, mirroring the teacher's pkg/celeris Config but scoped to the
// connection-core knobs this module actually owns (no HTTP/1.1 fallback,
// no event-loop/reactor tuning).
type Config struct {
	Addr string // listen address for Server.Start/ListenAndServe

	ReadTimeout      time.Duration // max duration to read the remainder of an in-flight frame
	KeepAliveTimeout time.Duration // idle interval between frames after which the reader loop wakes to re-check pause state and cancellation; the connection is not closed when it elapses
	WriteTimeout     time.Duration // max duration for a single outbound write

	MaxConcurrentStreams         uint32 // SETTINGS_MAX_CONCURRENT_STREAMS sent to peers
	MaxConcurrentStreamExecution int    // spec §4.6 dispatcher cap; <=0 or >= MaxConcurrentStreams means uncapped
	InitialWindowSize            uint32 // SETTINGS_INITIAL_WINDOW_SIZE sent to peers
	MaxFrameSize                 uint32 // SETTINGS_MAX_FRAME_SIZE sent to peers
	DispatchPoolSize             int    // worker goroutines backing the dispatcher's pool

	Logger *log.Logger
}

func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns sensible defaults, following RFC 7540 §11.3 for the
// protocol-level values and the teacher's timeout choices for the rest.
func DefaultConfig() Config {
	return Config{
		Addr:                         ":8080",
		ReadTimeout:                  30 * time.Second,
		KeepAliveTimeout:             60 * time.Second,
		WriteTimeout:                 30 * time.Second,
		MaxConcurrentStreams:         100,
		MaxConcurrentStreamExecution: 0,
		InitialWindowSize:            65535,
		MaxFrameSize:                 16384,
		DispatchPoolSize:             256,
		Logger:                       newSilentLogger(),
	}
}

// Validate fills in Addr and Logger when they are unset. The remaining
// zero-valued fields are defaulted, and the protocol values clamped to
// RFC 7540's legal ranges, when each connection is created (connio's
// Config.normalize).
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

// toConnio adapts the public Config into internal/connio's Config shape.
func (c Config) toConnio() connio.Config {
	return connio.Config{
		ReadTimeout:                  c.ReadTimeout,
		KeepAliveTimeout:             c.KeepAliveTimeout,
		WriteTimeout:                 c.WriteTimeout,
		MaxConcurrentStreams:         c.MaxConcurrentStreams,
		MaxConcurrentStreamExecution: c.MaxConcurrentStreamExecution,
		InitialWindowSize:            c.InitialWindowSize,
		MaxFrameSize:                 c.MaxFrameSize,
		DispatchPoolSize:             c.DispatchPoolSize,
		Logger:                       c.Logger,
	}
}
