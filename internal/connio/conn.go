// Package connio implements spec §4.1/§4.2: the connection state machine
// and frame reader loop that tie together internal/streamtable,
// internal/flowcontrol, internal/settingspair, internal/ping,
// internal/dispatch, and internal/frame into one server-side HTTP/2
// connection handler. It replaces the teacher's gnet-based non-blocking
// reactor (internal/h2/transport/server.go's Connection.HandleData, driven
// by gnet's OnTraffic callback) with a plain net.Conn plus a
// goroutine-per-connection blocking-read loop, since spec §5's model is one
// dedicated I/O thread blocking within a frame — architecturally
// incompatible with gnet's non-blocking event-loop dispatch.
package connio

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/duplexhttp/h2conn/internal/date"
	"github.com/duplexhttp/h2conn/internal/dispatch"
	"github.com/duplexhttp/h2conn/internal/flowcontrol"
	"github.com/duplexhttp/h2conn/internal/frame"
	"github.com/duplexhttp/h2conn/internal/h2err"
	"github.com/duplexhttp/h2conn/internal/ping"
	"github.com/duplexhttp/h2conn/internal/settingspair"
	"github.com/duplexhttp/h2conn/internal/streamtable"
	"github.com/duplexhttp/h2conn/metrics"
)

// init starts the shared date cache ticker once per process; every
// Connection's ResponseWriter reads from it instead of formatting time.Now()
// on each response.
func init() {
	date.Start()
}

// State is the ConnectionStateMachine's state (spec §3/§4.1).
type State int32

const (
	StateNew State = iota
	StateConnected
	StatePausing
	StatePaused
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnected:
		return "CONNECTED"
	case StatePausing:
		return "PAUSING"
	case StatePaused:
		return "PAUSED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// newStreamsAllowed mirrors spec §3: `state ∈ {NEW, CONNECTED, PAUSING}`.
func newStreamsAllowed(s State) bool {
	return s == StateNew || s == StateConnected || s == StatePausing
}

const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// overheadBudgetStart and overheadBudgetGrace implement SPEC_FULL.md §12's
// supplemented rapid-reset/overhead accounting, grounded on Tomcat's
// Http2UpgradeHandler overhead-frame tracking: a connection that spends a
// disproportionate number of frames on no-op traffic relative to real work
// is torn down rather than left to consume CPU indefinitely.
const (
	overheadBudgetStart = 128
	overheadBudgetGrace = 16
)

// Connection is one server-side HTTP/2 connection: the state machine, the
// frame reader loop, and every collaborating subsystem.
type Connection struct {
	conn   net.Conn
	br     *bufio.Reader
	framer *http2.Framer
	writer *frame.Writer
	hdec   *frame.HeaderDecoder

	cfg     Config
	logger  *log.Logger
	handler Handler

	streams  *streamtable.StreamTable
	flow     *flowcontrol.Controller
	settings *settingspair.Pair
	pinger   *ping.Manager
	dispatch *dispatch.Dispatcher

	state        atomic.Int32
	pausedAt     time.Time // monotonic; set when entering PAUSING
	closeOnce    sync.Once
	closeErr     error
	processedAny atomic.Bool

	overheadBudget atomic.Int32

	bodiesMu sync.Mutex
	bodies   map[uint32]*bodyBuffer

	headersMu     sync.Mutex
	expectingID   uint32
	expectingHdrs []HeaderField
	expectingEnd  bool
	expectingOpen bool
}

// New creates a Connection bound to an already-accepted net.Conn. Serve
// must be called to run the preface handshake and frame reader loop.
func New(conn net.Conn, cfg Config, handler Handler) *Connection {
	cfg.normalize()

	streams := streamtable.New(cfg.MaxConcurrentStreams, int32(cfg.InitialWindowSize), cfg.Logger)
	flow := flowcontrol.New(streams, 65535)
	local := settingspair.DefaultLocalValues()
	local.MaxConcurrentStreams = cfg.MaxConcurrentStreams
	local.InitialWindowSize = cfg.InitialWindowSize
	local.MaxFrameSize = cfg.MaxFrameSize

	disp, err := dispatch.New(cfg.DispatchPoolSize, cfg.MaxConcurrentStreamExecution, int(cfg.MaxConcurrentStreams), cfg.Logger)
	if err != nil {
		// ants.NewPool only fails on a negative pool size, which normalize()
		// already rules out; fall back to an uncapped pool of 1 rather than
		// panic on a collaborator we otherwise trust.
		disp, _ = dispatch.New(1, 1, 1, cfg.Logger)
	}

	c := &Connection{
		conn:     conn,
		br:       bufio.NewReaderSize(conn, 4096),
		writer:   frame.NewWriter(conn),
		hdec:     frame.NewHeaderDecoder(4096),
		cfg:      cfg,
		logger:   cfg.Logger,
		handler:  handler,
		streams:  streams,
		flow:     flow,
		settings: settingspair.New(local),
		pinger:   ping.New(),
		dispatch: disp,
		bodies:   make(map[uint32]*bodyBuffer),
	}
	c.overheadBudget.Store(overheadBudgetStart)
	c.state.Store(int32(StateNew))
	c.framer = http2.NewFramer(conn, c.br)
	c.framer.SetMaxReadFrameSize(cfg.MaxFrameSize)
	metrics.ConnectionsOpened.Inc()
	return c
}

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

func (c *Connection) newHeaderEncoder() *frame.HeaderEncoder {
	return frame.NewHeaderEncoder()
}

// Serve runs the preface handshake then the frame reader loop until the
// connection closes. It always returns (nil on an orderly peer-initiated
// close, non-nil on a fatal error); the caller owns closing conn afterward
// only if Serve didn't already do so (Serve always closes conn on return).
func (c *Connection) Serve(ctx context.Context) error {
	defer c.conn.Close()

	if err := c.performHandshake(); err != nil {
		return err
	}
	c.setState(StateConnected)

	// Seed RTT per spec §4.1: "Immediately send one forced PING to seed RTT."
	if err := c.sendPing(true); err != nil {
		return err
	}

	return c.readLoop(ctx)
}

// readLoop implements FrameReaderLoop (spec §4.2): blocking within a frame,
// non-blocking between frames. Peek(1) with a keepAliveTimeout deadline
// detects "no fresh frame header available"; once a byte has arrived the
// deadline is extended to readTimeout to cover the rest of the frame.
func (c *Connection) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.State() == StateClosed {
			return nil
		}

		c.checkPauseState()

		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.KeepAliveTimeout))
		if _, err := c.br.Peek(1); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Non-blocking-between-frames timeout: nothing arrived
				// within keepAliveTimeout. Loop back to re-check pause
				// state and context cancellation rather than treating
				// idle time as an error.
				continue
			}
			// Peer closed (or a real I/O error) between frames: orderly
			// shutdown if new streams were still allowed, otherwise this
			// is simply the peer going away after GOAWAY.
			return c.closeConnection(nil)
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		f, err := c.framer.ReadFrame()
		if err != nil {
			if ce, ok := err.(http2.ConnectionError); ok {
				return c.fatal(h2err.NewConnectionError(http2.ErrCode(ce), "frame parse error"))
			}
			if se, ok := err.(http2.StreamError); ok {
				c.handleStreamError(h2err.NewStreamError(se.StreamID, se.Code))
				continue
			}
			return c.fatal(h2err.NewConnectionError(http2.ErrCodeProtocol, fmt.Sprintf("frame read error: %v", err)))
		}

		if ferr := c.dispatchFrame(f); ferr != nil {
			if ce, ok := ferr.(*h2err.ConnectionError); ok {
				return c.fatal(ce)
			}
			if se, ok := ferr.(*h2err.StreamError); ok {
				c.handleStreamError(se)
				continue
			}
			return c.fatal(h2err.NewConnectionError(http2.ErrCodeInternal, ferr.Error()))
		}
	}
}

// dispatchFrame routes one parsed frame to the matching Output callback
// from spec §4.5.
func (c *Connection) dispatchFrame(f http2.Frame) error {
	if !c.chargeOverhead(f) {
		return h2err.NewConnectionError(http2.ErrCodeEnhanceYourCalm, "overhead frame budget exceeded")
	}

	switch fr := f.(type) {
	case *http2.SettingsFrame:
		return c.handleSettings(fr)
	case *http2.PingFrame:
		return c.handlePing(fr)
	case *http2.WindowUpdateFrame:
		return c.handleWindowUpdate(fr)
	case *http2.PriorityFrame:
		c.streams.Reparent(fr.StreamID, fr.PriorityParam.StreamDep, fr.PriorityParam.Weight+1, fr.PriorityParam.Exclusive)
		return nil
	case *http2.RSTStreamFrame:
		return c.handleRSTStream(fr)
	case *http2.HeadersFrame:
		return c.handleHeaders(fr)
	case *http2.ContinuationFrame:
		return c.handleContinuation(fr)
	case *http2.DataFrame:
		return c.handleData(fr)
	case *http2.GoAwayFrame:
		c.logger.Printf("connio: received GOAWAY code=%v debug=%q", fr.ErrCode, fr.DebugData())
		return nil
	case *http2.PushPromiseFrame:
		return h2err.NewConnectionError(http2.ErrCodeProtocol, "client sent PUSH_PROMISE")
	default:
		return nil
	}
}

// chargeOverhead implements SPEC_FULL.md §12's overhead accounting: frames
// that carry no application work (settings acks, pings, stream resets,
// zero-length data, priority reshuffles) debit the budget by one; every
// HEADERS frame credits it by overheadBudgetGrace, whether or not it goes on
// to admit a stream. It reports false once the budget falls to
// -overheadBudgetStart. The budget is never replenished purely by the
// passage of time, matching Tomcat's per-connection (not per-interval)
// counter.
func (c *Connection) chargeOverhead(f http2.Frame) bool {
	cost := 0
	switch fr := f.(type) {
	case *http2.SettingsFrame:
		if fr.IsAck() {
			cost = 1
		}
	case *http2.PingFrame:
		cost = 1
	case *http2.PriorityFrame:
		cost = 1
	case *http2.RSTStreamFrame:
		cost = 1
	case *http2.DataFrame:
		if len(fr.Data()) == 0 {
			cost = 1
		}
	case *http2.HeadersFrame:
		c.overheadBudget.Add(overheadBudgetGrace)
		return true
	}
	if cost == 0 {
		return true
	}
	return c.overheadBudget.Add(int32(-cost)) > -overheadBudgetStart
}

// handleStreamError implements spec §7's stream-scope error path: RST the
// stream if it exists, else a bare RST with the carried code.
func (c *Connection) handleStreamError(se *h2err.StreamError) {
	if s := c.streams.Get(se.StreamID); s != nil {
		wasActive := s.IsActive()
		s.MarkReset()
		if wasActive {
			c.streams.MarkInactive()
			metrics.ActiveStreams.Dec()
		}
	}
	if err := c.writer.WriteRSTStream(se.StreamID, se.Code); err != nil {
		c.logger.Printf("connio: failed to write RST_STREAM: %v", err)
	}
}

// fatal implements spec §7's connection-scope error path: best-effort
// GOAWAY, then close.
func (c *Connection) fatal(ce *h2err.ConnectionError) error {
	_ = c.writer.WriteGoAway(c.streams.MaxProcessedStreamId(), ce.Code, []byte(ce.Debug))
	return c.closeConnection(ce)
}

func (c *Connection) closeConnection(cause error) error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.dispatch.Release()
		c.closeErr = cause

		reason := "closed"
		if ce, ok := cause.(*h2err.ConnectionError); ok {
			reason = ce.Code.String()
		} else if cause != nil {
			reason = "error"
		}
		metrics.ConnectionsClosed.WithLabelValues(reason).Inc()
	})
	return c.closeErr
}

// checkPauseState implements spec §4.1/§5's time-based PAUSING->PAUSED
// transition, grounded on Tomcat's checkPauseState: one measured RTT after
// pause() was invoked.
func (c *Connection) checkPauseState() {
	if c.State() != StatePausing {
		return
	}
	if time.Since(c.pausedAt) < c.pinger.RoundTripTime() {
		return
	}
	c.setState(StatePaused)
	_ = c.writer.WriteGoAway(c.streams.MaxProcessedStreamId(), http2.ErrCodeNo, []byte("pausing complete"))
}

// Pause implements spec §4.1's pause(): CONNECTED->PAUSING, GOAWAY with
// lastStreamId=2^31-1 (tells the peer no new streams yet, without naming a
// final processed id until the real PAUSED transition).
func (c *Connection) Pause() error {
	if c.State() != StateConnected {
		return nil
	}
	c.setState(StatePausing)
	c.pausedAt = time.Now()
	return c.writer.WriteGoAway(1<<31-1, http2.ErrCodeNo, nil)
}

func (c *Connection) sendPing(force bool) error {
	if !c.pinger.ShouldSend(force) {
		return nil
	}
	return c.writer.WritePing(false, c.pinger.NextPayload())
}
