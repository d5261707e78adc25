package connio

import (
	"context"

	"golang.org/x/net/http2"

	"github.com/duplexhttp/h2conn/internal/h2err"
	"github.com/duplexhttp/h2conn/internal/streamtable"
	"github.com/duplexhttp/h2conn/metrics"
	"github.com/duplexhttp/h2conn/tracing"
)

// handleSettings implements spec §4.5's setting/settingsEnd callbacks.
func (c *Connection) handleSettings(fr *http2.SettingsFrame) error {
	if fr.IsAck() {
		c.settings.ConfirmAck()
		return nil
	}

	var initDelta int32
	var sawInitChange bool
	err := fr.ForeachSetting(func(s http2.Setting) error {
		oldWin, newWin, changed, err := c.settings.ApplySetting(s.ID, s.Val)
		if err != nil {
			return err
		}
		if changed {
			initDelta = int32(newWin) - int32(oldWin)
			sawInitChange = true
		}
		return nil
	})
	if err != nil {
		if ce, ok := err.(*h2err.ConnectionError); ok {
			return ce
		}
		return h2err.NewConnectionError(http2.ErrCodeProtocol, "invalid SETTINGS value")
	}

	if sawInitChange {
		for _, id := range c.flow.ApplyInitialWindowSizeDelta(initDelta) {
			c.handleStreamError(h2err.NewStreamError(id, http2.ErrCodeFlowControl))
		}
	}

	return c.writer.WriteSettingsAck()
}

// handlePing implements spec §4.7's pingReceive.
func (c *Connection) handlePing(fr *http2.PingFrame) error {
	if fr.IsAck() {
		c.pinger.ReceiveAck(fr.Data)
		metrics.PingRoundTripSeconds.Observe(c.pinger.RoundTripTime().Seconds())
		return nil
	}
	return c.writer.WritePing(true, fr.Data)
}

// handleWindowUpdate implements spec §4.5's incrementWindowSize.
func (c *Connection) handleWindowUpdate(fr *http2.WindowUpdateFrame) error {
	if fr.StreamID == 0 {
		return c.flow.IncrementConnectionWindow(int32(fr.Increment))
	}
	s := c.streams.Get(fr.StreamID)
	if s == nil {
		return nil // spec §3 I7: WINDOW_UPDATE legal only for existing streams
	}
	return c.flow.IncrementStreamWindow(s, int32(fr.Increment))
}

// handleRSTStream implements spec §4.5's reset(id, errorCode).
func (c *Connection) handleRSTStream(fr *http2.RSTStreamFrame) error {
	s := c.streams.Get(fr.StreamID)
	if s == nil {
		return nil
	}
	wasActive := s.IsActive()
	s.MarkReset()
	if wasActive {
		c.streams.MarkInactive()
		metrics.ActiveStreams.Dec()
	}
	c.dropBody(fr.StreamID)
	return nil
}

// headerSink accumulates decoded HEADERS/CONTINUATION fields for one stream
// across frames, implementing spec §4.5's HeaderEmitter. A PAUSED
// connection routes to a discard sink so the HPACK dynamic table stays in
// sync without retaining the fields (§9's "Static sink for discarded
// headers").
type headerSink struct {
	discard bool
	fields  []HeaderField
}

func (h *headerSink) emit(name, value string) {
	if h.discard {
		return
	}
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// handleHeaders implements spec §4.5's headersStart + the HEADERS half of
// CONTINUATION assembly.
func (c *Connection) handleHeaders(fr *http2.HeadersFrame) error {
	id := fr.StreamID

	discard := !newStreamsAllowed(c.State())
	existing := c.streams.Get(id)

	if discard && existing == nil {
		// spec P8: any HEADERS for a new id while paused/closed is refused,
		// but its header block must still reach the HPACK decoder so the
		// dynamic table does not drift out of sync with the peer.
		sink := &headerSink{discard: true}
		if err := c.decodeInto(sink, fr.HeaderBlockFragment()); err != nil {
			return h2err.NewConnectionError(http2.ErrCodeCompression, "HPACK decode failed")
		}
		if fr.HeadersEnded() {
			return h2err.NewStreamError(id, http2.ErrCodeRefusedStream)
		}
		c.beginContinuation(id, sink, false)
		return nil
	}

	s := existing
	if s == nil {
		var err error
		s, err = c.streams.AdmitRemoteStream(id)
		if err != nil {
			if se, ok := err.(*h2err.StreamError); ok {
				metrics.StreamsRefused.WithLabelValues(se.Code.String()).Inc()
			} else {
				metrics.StreamsRefused.WithLabelValues("connection_error").Inc()
			}
			return err
		}
		metrics.StreamsAdmitted.Inc()
		metrics.ActiveStreams.Inc()
		c.bodiesMu.Lock()
		c.bodies[id] = newBodyBuffer()
		c.bodiesMu.Unlock()
	} else if s.HasReceivedEndOfStream() || !fr.StreamEnded() {
		// spec §3 I3/S2: a HEADERS frame for an id that already finished its
		// request headers is legal only as trailers closing out the stream.
		// Anything else (the peer already ended its side, or this frame
		// doesn't carry END_STREAM) is a replayed or out-of-sequence id and
		// must kill the connection, not be silently re-dispatched.
		return h2err.NewConnectionError(http2.ErrCodeProtocol, "HEADERS for stream past its request headers")
	}

	if fr.HasPriority() {
		c.streams.Reparent(id, fr.Priority.StreamDep, fr.Priority.Weight+1, fr.Priority.Exclusive)
	}

	sink := &headerSink{}
	if err := c.decodeInto(sink, fr.HeaderBlockFragment()); err != nil {
		return h2err.NewConnectionError(http2.ErrCodeCompression, "HPACK decode failed")
	}

	endStream := fr.StreamEnded()
	if fr.HeadersEnded() {
		c.finishHeaders(id, s, sink.fields, endStream)
		return nil
	}
	c.beginContinuation(id, sink, endStream)
	return nil
}

// beginContinuation records in-progress HEADERS state; the frame reader
// loop's connection-error path (spec §4.2) rejects any non-CONTINUATION
// frame on another stream while one is pending.
func (c *Connection) beginContinuation(id uint32, sink *headerSink, endStream bool) {
	c.headersMu.Lock()
	c.expectingID = id
	c.expectingOpen = true
	c.expectingHdrs = sink.fields
	c.expectingEnd = endStream
	c.headersMu.Unlock()
}

// handleContinuation implements the CONTINUATION half of HEADERS assembly.
func (c *Connection) handleContinuation(fr *http2.ContinuationFrame) error {
	c.headersMu.Lock()
	if !c.expectingOpen || fr.StreamID != c.expectingID {
		c.headersMu.Unlock()
		return h2err.NewConnectionError(http2.ErrCodeProtocol, "unexpected CONTINUATION")
	}
	id := c.expectingID
	c.headersMu.Unlock()

	discard := !newStreamsAllowed(c.State()) && c.streams.Get(id) == nil
	sink := &headerSink{discard: discard, fields: c.takeExpectingHeaders()}
	if err := c.decodeInto(sink, fr.HeaderBlockFragment()); err != nil {
		return h2err.NewConnectionError(http2.ErrCodeCompression, "HPACK decode failed")
	}

	if !fr.HeadersEnded() {
		c.beginContinuation(id, sink, c.takeExpectingEnd())
		return nil
	}

	c.headersMu.Lock()
	c.expectingOpen = false
	endStream := c.expectingEnd
	c.headersMu.Unlock()

	if discard {
		return h2err.NewStreamError(id, http2.ErrCodeRefusedStream)
	}
	s := c.streams.Get(id)
	if s == nil {
		return h2err.NewConnectionError(http2.ErrCodeProtocol, "CONTINUATION for unknown stream")
	}
	c.finishHeaders(id, s, sink.fields, endStream)
	return nil
}

func (c *Connection) takeExpectingHeaders() []HeaderField {
	c.headersMu.Lock()
	defer c.headersMu.Unlock()
	return c.expectingHdrs
}

func (c *Connection) takeExpectingEnd() bool {
	c.headersMu.Lock()
	defer c.headersMu.Unlock()
	return c.expectingEnd
}

// finishHeaders implements spec §4.5's headersEnd: records
// maxProcessedStreamId, applies receivedEndOfStream, and dispatches a
// stream processor (§4.6).
func (c *Connection) finishHeaders(id uint32, s *streamtable.Stream, fields []HeaderField, endStream bool) {
	c.streams.MarkHeadersEnd(id)
	if endStream {
		becameInactive := s.MarkReceivedEndOfStream()
		if becameInactive {
			c.streams.MarkInactive()
			metrics.ActiveStreams.Dec()
		}
		c.closeBody(id)
	}
	c.processedAny.Store(true)

	body := c.bodyFor(id)
	req := &Request{StreamID: id, Headers: fields, Body: body}
	rw := &ResponseWriter{conn: c, streamID: id, stream: s}

	_, span := tracing.StartStreamSpan(context.Background(), id, len(fields))

	c.dispatch.Submit(func() {
		c.handler.ServeH2(rw, req)
		tracing.EndStreamSpan(span, rw.statusCode(), nil)
		_ = rw.Close()
	}, func(recovered interface{}) {
		c.logger.Printf("connio: stream %d handler panic: %v", id, recovered)
		err := h2err.NewStreamError(id, http2.ErrCodeInternal)
		tracing.EndStreamSpan(span, rw.statusCode(), err)
		c.handleStreamError(err)
	})
}

// handleData implements spec §4.5's startRequestBodyFrame/
// endRequestBodyFrame/receiveEndOfStream/swallowedPadding.
func (c *Connection) handleData(fr *http2.DataFrame) error {
	id := fr.StreamID
	s := c.streams.Get(id)
	if s == nil {
		return h2err.NewStreamError(id, http2.ErrCodeStreamClosed)
	}

	data := fr.Data()
	if len(data) > 0 {
		if b := c.bodyFor(id); b != nil {
			b.append(append([]byte(nil), data...))
		}
		s.SignalDataAvailable()
	}

	if fr.Header().Flags.Has(http2.FlagDataPadded) {
		padded := fr.Header().Length
		padLen := int(padded) - 1 - len(data)
		if padLen > 0 {
			_ = c.writer.WriteWindowUpdate(id, uint32(padLen+1), uint32(padLen+1))
		}
	}

	if fr.StreamEnded() {
		if s.MarkReceivedEndOfStream() {
			c.streams.MarkInactive()
			metrics.ActiveStreams.Dec()
		}
		c.closeBody(id)
	}
	return nil
}

func (c *Connection) decodeInto(sink *headerSink, block []byte) error {
	return c.hdec.Decode(block, sink.emit)
}

func (c *Connection) bodyFor(id uint32) *bodyBuffer {
	c.bodiesMu.Lock()
	defer c.bodiesMu.Unlock()
	return c.bodies[id]
}

func (c *Connection) closeBody(id uint32) {
	c.bodiesMu.Lock()
	b := c.bodies[id]
	c.bodiesMu.Unlock()
	if b != nil {
		b.closeWriter()
	}
}

func (c *Connection) dropBody(id uint32) {
	c.bodiesMu.Lock()
	b := c.bodies[id]
	delete(c.bodies, id)
	c.bodiesMu.Unlock()
	if b != nil {
		b.closeWriter()
	}
}
