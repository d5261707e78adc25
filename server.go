package h2conn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/duplexhttp/h2conn/internal/connio"
)

// Server accepts connections and runs one connio.Connection per accepted
// net.Conn, the way celeris's Server wraps mux.Server's reactor loop around
// a Handler. Unlike the teacher, this Server has no HTTP/1.1 fallback and no
// event-loop/reactor: each connection gets its own goroutine running a
// blocking read loop, matching spec §5's one-I/O-thread-per-connection model.
type Server struct {
	config  Config
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[*connio.Connection]struct{}
	wg       sync.WaitGroup
}

// New creates a Server with the given configuration. The configuration is
// validated eagerly, matching the teacher's New/panic-on-invalid-config
// idiom.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &Server{
		config: config,
		conns:  make(map[*connio.Connection]struct{}),
	}
}

// NewWithDefaults creates a Server with DefaultConfig().
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// ListenAndServe sets the handler and starts serving plaintext connections
// (h2c). For TLS/ALPN-negotiated HTTP/2, use ListenAndServeTLS.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.serve(ln)
}

// ListenAndServeTLS sets the handler and starts serving TLS connections
// negotiated via ALPN "h2", the way a production deployment of this core
// would sit behind TLS termination.
func (s *Server) ListenAndServeTLS(handler Handler, certFile, keyFile string) error {
	s.handler = handler
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2"},
	}
	ln, err := tls.Listen("tcp", s.config.Addr, tlsCfg)
	if err != nil {
		return err
	}
	return s.serve(ln)
}

func (s *Server) serve(ln net.Listener) error {
	if s.handler == nil {
		return fmt.Errorf("h2conn: handler not set")
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.listener == nil
			s.mu.Unlock()
			if stopped {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	c := connio.New(conn, s.config.toConnio(), s.handler)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	if err := c.Serve(context.Background()); err != nil {
		s.config.Logger.Printf("h2conn: connection from %s ended: %v", conn.RemoteAddr(), err)
	}
}

// Stop implements spec §4.1's pause() for graceful shutdown: every active
// connection is told to pause (GOAWAY, no new streams) and Stop waits for
// either every connection to finish or ctx to expire, mirroring celeris's
// Server.Stop/mux.Server.Stop contract.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	conns := make([]*connio.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Pause()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
