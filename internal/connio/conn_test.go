package connio

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadTimeout = time.Second
	cfg.KeepAliveTimeout = 50 * time.Millisecond
	return cfg
}

func encodeHeaders(t *testing.T, fields ...[2]string) []byte {
	t.Helper()
	var buf []byte
	enc := hpack.NewEncoder(&byteSliceWriter{&buf})
	for _, f := range fields {
		if err := enc.WriteField(hpack.HeaderField{Name: f[0], Value: f[1]}); err != nil {
			t.Fatalf("hpack encode: %v", err)
		}
	}
	return buf
}

type byteSliceWriter struct{ buf *[]byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

// echoHandler answers every stream with a 200 and no body, matching S1's
// "application writes HEADERS(:status=200) END_STREAM".
type echoHandler struct{ served chan uint32 }

func (h *echoHandler) ServeH2(rw *ResponseWriter, req *Request) {
	_ = rw.WriteHeader(200, nil, true)
	if h.served != nil {
		h.served <- req.StreamID
	}
}

// TestScenario_S1 drives a minimal handshake + single-stream request/response
// over a net.Pipe, verifying the server answers with SETTINGS, a SETTINGS
// ack, and a response HEADERS carrying END_STREAM.
func TestScenario_S1(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	handler := &echoHandler{served: make(chan uint32, 1)}
	c := New(serverConn, testConfig(), handler)

	serveErr := make(chan error, 1)
	go func() { serveErr <- c.Serve(context.Background()) }()

	clientFramer := http2.NewFramer(clientConn, clientConn)
	clientFramer.SetReuseFrames()

	if _, err := clientConn.Write([]byte(clientPreface)); err != nil {
		t.Fatalf("write preface: %v", err)
	}
	if err := clientFramer.WriteSettings(); err != nil {
		t.Fatalf("write client SETTINGS: %v", err)
	}

	// Read the server's SETTINGS.
	f, err := clientFramer.ReadFrame()
	if err != nil {
		t.Fatalf("read server SETTINGS: %v", err)
	}
	if _, ok := f.(*http2.SettingsFrame); !ok {
		t.Fatalf("expected SETTINGS, got %T", f)
	}
	if err := clientFramer.WriteSettingsAck(); err != nil {
		t.Fatalf("write client SETTINGS ack: %v", err)
	}

	// Drain frames until we've seen the server's own SETTINGS ack and its
	// seed PING, then send the request HEADERS.
	sawAck, sawPing := false, false
	for !sawAck || !sawPing {
		f, err := clientFramer.ReadFrame()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		switch fr := f.(type) {
		case *http2.SettingsFrame:
			if fr.IsAck() {
				sawAck = true
			}
		case *http2.PingFrame:
			sawPing = true
			if !fr.IsAck() {
				_ = clientFramer.WritePing(true, fr.Data)
			}
		}
	}

	block := encodeHeaders(t, [2]string{":method", "GET"}, [2]string{":path", "/"}, [2]string{":scheme", "https"}, [2]string{":authority", "h"})
	if err := clientFramer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     true,
	}); err != nil {
		t.Fatalf("write request HEADERS: %v", err)
	}

	select {
	case id := <-handler.served:
		if id != 1 {
			t.Fatalf("expected stream 1 dispatched, got %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never dispatched")
	}

	for {
		f, err := clientFramer.ReadFrame()
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		if hf, ok := f.(*http2.HeadersFrame); ok {
			if hf.StreamID != 1 {
				t.Fatalf("expected response on stream 1, got %d", hf.StreamID)
			}
			if !hf.StreamEnded() {
				t.Fatal("expected END_STREAM on response HEADERS")
			}
			break
		}
	}

	if got := c.streams.ActiveRemoteStreamCount(); got != 0 {
		t.Fatalf("expected activeRemoteStreamCount=0 after completion, got %d", got)
	}

	_ = clientConn.Close()
	select {
	case <-serveErr:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after client close")
	}
}

// TestScenario_S2_ReplayedStreamIdIsConnectionError drives: open stream 1,
// open stream 3 (leaving 1 OPEN), then replay HEADERS for stream 1. Spec §3
// I3/S2 requires this to be a connection-scope PROTOCOL_ERROR, not a silent
// second dispatch of stream 1's handler.
func TestScenario_S2_ReplayedStreamIdIsConnectionError(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	served := make(chan uint32, 4)
	c := New(serverConn, testConfig(), HandlerFunc(func(rw *ResponseWriter, req *Request) {
		served <- req.StreamID
		_ = rw.WriteHeader(200, nil, true)
	}))

	serveErr := make(chan error, 1)
	go func() { serveErr <- c.Serve(context.Background()) }()

	clientFramer := http2.NewFramer(clientConn, clientConn)
	clientFramer.SetReuseFrames()

	if _, err := clientConn.Write([]byte(clientPreface)); err != nil {
		t.Fatalf("write preface: %v", err)
	}
	if err := clientFramer.WriteSettings(); err != nil {
		t.Fatalf("write client SETTINGS: %v", err)
	}

	sawAck, sawPing := false, false
	for !sawAck || !sawPing {
		f, err := clientFramer.ReadFrame()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		switch fr := f.(type) {
		case *http2.SettingsFrame:
			if fr.IsAck() {
				sawAck = true
			}
		case *http2.PingFrame:
			sawPing = true
			if !fr.IsAck() {
				_ = clientFramer.WritePing(true, fr.Data)
			}
		}
	}

	block := encodeHeaders(t, [2]string{":method", "GET"}, [2]string{":path", "/"}, [2]string{":scheme", "https"}, [2]string{":authority", "h"})

	// Stream 1: no END_STREAM, left OPEN.
	if err := clientFramer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     false,
	}); err != nil {
		t.Fatalf("write HEADERS for stream 1: %v", err)
	}

	// Stream 3: ends immediately, advancing maxRemoteStreamId past 1.
	if err := clientFramer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      3,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     true,
	}); err != nil {
		t.Fatalf("write HEADERS for stream 3: %v", err)
	}

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("stream 3 was never dispatched")
	}

	// Replay HEADERS for stream 1, which is still OPEN: must be rejected as
	// a connection error, not re-dispatched.
	if err := clientFramer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     false,
	}); err != nil {
		t.Fatalf("write replayed HEADERS for stream 1: %v", err)
	}

	select {
	case id := <-served:
		t.Fatalf("stream %d was dispatched a second time after a replayed HEADERS", id)
	case <-time.After(200 * time.Millisecond):
	}

	sawGoAway := false
	for !sawGoAway {
		f, err := clientFramer.ReadFrame()
		if err != nil {
			break
		}
		if ga, ok := f.(*http2.GoAwayFrame); ok {
			sawGoAway = true
			if ga.ErrCode != http2.ErrCodeProtocol {
				t.Fatalf("expected PROTOCOL_ERROR GOAWAY, got %v", ga.ErrCode)
			}
		}
	}
	if !sawGoAway {
		t.Fatal("expected a GOAWAY after the replayed stream id")
	}

	_ = clientConn.Close()
	select {
	case <-serveErr:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after client close")
	}
}

// TestPause_ReportsGOAWAYThenPausesAfterRTT covers P8's state side: Pause()
// moves CONNECTED->PAUSING, which still admits new streams, and once an RTT
// has elapsed checkPauseState moves to PAUSED, which refuses them. The
// GOAWAY frames written along the way are drained, not inspected.
func TestPause_ReportsGOAWAYThenPausesAfterRTT(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	// net.Pipe is unbuffered: drain the client side so the server's GOAWAY
	// writes (from Pause and checkPauseState) don't block forever.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := clientConn.Read(buf); err != nil {
				return
			}
		}
	}()

	c := New(serverConn, testConfig(), HandlerFunc(func(rw *ResponseWriter, req *Request) {}))
	c.setState(StateConnected)

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if c.State() != StatePausing {
		t.Fatalf("expected PAUSING, got %v", c.State())
	}
	if newStreamsAllowed(c.State()) == false {
		t.Fatal("PAUSING must still allow in-flight new streams per spec §3")
	}

	c.pausedAt = time.Now().Add(-time.Hour)
	c.checkPauseState()
	if c.State() != StatePaused {
		t.Fatalf("expected PAUSED after RTT elapsed, got %v", c.State())
	}
	if newStreamsAllowed(c.State()) {
		t.Fatal("PAUSED must refuse new streams")
	}
}

// TestChargeOverhead_ClosesOnExhaustedBudget implements the supplemented
// overhead-accounting behavior from SPEC_FULL.md §12: a run of no-op frames
// eventually exhausts the budget.
func TestChargeOverhead_ClosesOnExhaustedBudget(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	c := New(serverConn, testConfig(), HandlerFunc(func(rw *ResponseWriter, req *Request) {}))

	ping := &http2.PingFrame{}
	var ok bool
	for i := 0; i < 2*overheadBudgetStart+2; i++ {
		ok = c.chargeOverhead(ping)
		if !ok {
			break
		}
	}
	if ok {
		t.Fatal("expected overhead budget to eventually exhaust")
	}
}

// TestHandleWindowUpdate_UnknownStreamIsIgnored covers spec §3 I7: a
// WINDOW_UPDATE for a stream that no longer exists is silently ignored, not
// a protocol error.
func TestHandleWindowUpdate_UnknownStreamIsIgnored(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	c := New(serverConn, testConfig(), HandlerFunc(func(rw *ResponseWriter, req *Request) {}))

	fh := http2.FrameHeader{Type: http2.FrameWindowUpdate, StreamID: 99}
	wu := &http2.WindowUpdateFrame{FrameHeader: fh, Increment: 100}
	if err := c.handleWindowUpdate(wu); err != nil {
		t.Fatalf("expected nil error for unknown stream, got %v", err)
	}
}
