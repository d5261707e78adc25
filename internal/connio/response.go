package connio

import (
	"fmt"

	"github.com/duplexhttp/h2conn/internal/date"
	"github.com/duplexhttp/h2conn/internal/h2err"
	"github.com/duplexhttp/h2conn/internal/streamtable"
	"golang.org/x/net/http2"
)

// ResponseWriter is the per-stream handle given to application code. It
// serializes the response the way celeris's WriteResponse/WriteBody pair
// does: one HEADERS (chunked across CONTINUATION as needed by
// internal/frame.Writer), then zero or more DATA frames gated by
// internal/flowcontrol's reserveWindowSize, then a final empty DATA with
// END_STREAM if one wasn't already sent.
type ResponseWriter struct {
	conn     *Connection
	streamID uint32
	stream   *streamtable.Stream

	wroteHeaders bool
	endStreamSet bool
	status       int
}

// statusCode reports the status written so far (0 if WriteHeader was never
// called), used to tag the per-stream trace span on completion.
func (rw *ResponseWriter) statusCode() int {
	return rw.status
}

// canHaveBody mirrors spec §6's pseudo-header rule: status >=200, not 205,
// not 304 responses may carry content-type/content-language and a body.
func canHaveBody(status int) bool {
	return status >= 200 && status != 205 && status != 304
}

// WriteHeader encodes and sends the response HEADERS frame. endStream
// should be true only when the response carries no body (spec §4.8: "set
// END_STREAM on the first HEADERS iff the response has no body").
func (rw *ResponseWriter) WriteHeader(status int, headers []HeaderField, endStream bool) error {
	if rw.wroteHeaders {
		return fmt.Errorf("h2conn: headers already written for stream %d", rw.streamID)
	}
	rw.wroteHeaders = true
	rw.status = status

	fields := make([][2]string, 0, len(headers)+4)
	fields = append(fields, [2]string{":status", fmt.Sprintf("%d", status)})

	hasDate, hasContentType := false, false
	for _, h := range headers {
		switch h.Name {
		case "date":
			hasDate = true
		case "content-type":
			hasContentType = true
		}
		fields = append(fields, [2]string{h.Name, h.Value})
	}
	if !hasDate {
		fields = append(fields, [2]string{"date", date.Current()})
	}
	if canHaveBody(status) && !hasContentType {
		fields = append(fields, [2]string{"content-type", "application/octet-stream"})
	}

	enc := rw.conn.newHeaderEncoder()
	defer enc.Close()
	block, err := enc.Encode(fields)
	if err != nil {
		return err
	}

	if err := rw.conn.writer.WriteHeaders(rw.streamID, endStream, block, rw.conn.cfg.MaxFrameSize); err != nil {
		return err
	}
	if endStream {
		rw.endStreamSet = true
		rw.stream.MarkSentEndOfStream()
	}
	return nil
}

// Write sends p as DATA, chunked to the peer's MAX_FRAME_SIZE and gated by
// reserveWindowSize (spec §4.4), looping until every byte is admitted. If
// headers were never written, a bare 200 is emitted first.
func (rw *ResponseWriter) Write(p []byte) (int, error) {
	if !rw.wroteHeaders {
		if err := rw.WriteHeader(200, nil, false); err != nil {
			return 0, err
		}
	}
	if rw.endStreamSet {
		return 0, h2err.NewStreamError(rw.streamID, http2.ErrCodeStreamClosed)
	}

	total := 0
	maxFrame := int(rw.conn.settings.Remote().MaxFrameSize)
	for len(p) > 0 {
		granted, err := rw.conn.flow.ReserveWindowSize(rw.stream, int32(min(len(p), maxFrame)))
		if err != nil {
			return total, err
		}
		chunk := p[:granted]
		p = p[granted:]
		if err := rw.conn.writer.WriteData(rw.streamID, false, chunk); err != nil {
			return total, err
		}
		total += len(chunk)
	}
	return total, nil
}

// Close flushes a terminating END_STREAM if one has not already been sent.
func (rw *ResponseWriter) Close() error {
	if !rw.wroteHeaders {
		return rw.WriteHeader(200, nil, true)
	}
	if rw.endStreamSet {
		return nil
	}
	if err := rw.conn.writer.WriteData(rw.streamID, true, nil); err != nil {
		return err
	}
	rw.endStreamSet = true
	rw.stream.MarkSentEndOfStream()
	return nil
}
