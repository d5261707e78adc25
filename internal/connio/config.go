package connio

import (
	"io"
	"log"
	"time"
)

// Config holds the per-connection options relevant to the core (spec §6 /
// §10.3): timeouts, the advertised SETTINGS values, and the worker
// dispatch cap. Mirrors the shape of the teacher's pkg/celeris.Config,
// trimmed to the fields a single connection actually consults.
type Config struct {
	ReadTimeout                  time.Duration
	KeepAliveTimeout             time.Duration
	WriteTimeout                 time.Duration
	MaxConcurrentStreams         uint32
	MaxConcurrentStreamExecution int
	InitialWindowSize            uint32
	MaxFrameSize                 uint32
	DispatchPoolSize             int
	Logger                       *log.Logger
}

func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns the RFC 7540 §11.3 defaults plus the teacher's
// timeout choices (pkg/celeris.DefaultConfig).
func DefaultConfig() Config {
	return Config{
		ReadTimeout:                  30 * time.Second,
		KeepAliveTimeout:             60 * time.Second,
		WriteTimeout:                 30 * time.Second,
		MaxConcurrentStreams:         100,
		MaxConcurrentStreamExecution: 100,
		InitialWindowSize:            65535,
		MaxFrameSize:                 16384,
		DispatchPoolSize:             256,
		Logger:                       newSilentLogger(),
	}
}

// normalize clamps and fills zero values the way celeris's Config.Validate
// does, in place.
func (c *Config) normalize() {
	if c.MaxFrameSize < 16384 {
		c.MaxFrameSize = 16384
	}
	if c.MaxFrameSize > (1<<24)-1 {
		c.MaxFrameSize = (1<<24) - 1
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = 65535
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.MaxConcurrentStreamExecution <= 0 {
		c.MaxConcurrentStreamExecution = int(c.MaxConcurrentStreams)
	}
	if c.DispatchPoolSize <= 0 {
		c.DispatchPoolSize = 256
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}
