// Package frame is the outbound-serialization half of the connection's
// external collaborators (spec §1/§4.8): a mutex-guarded wrapper around
// golang.org/x/net/http2.Framer plus HPACK encode/decode helpers. Grounded
// closely on the teacher's internal/h2/frame/frame.go, extended so
// PUSH_PROMISE chunks across CONTINUATION frames the same way HEADERS does.
package frame

import (
	"bytes"
	"io"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Writer serializes every outbound frame through a single mutex (spec §4.8,
// I5): the frame reader's synchronous writes (SETTINGS/ACK, WINDOW_UPDATE,
// RST_STREAM echoes), worker threads emitting response HEADERS/DATA, and
// the ping manager's PING frames all funnel through here.
type Writer struct {
	mu     sync.Mutex
	framer *http2.Framer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{framer: http2.NewFramer(w, nil)}
}

func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettings(settings...)
}

func (w *Writer) WriteSettingsAck() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettingsAck()
}

// WriteHeaders emits HEADERS followed by zero or more CONTINUATION frames,
// chunking headerBlock by maxFrameSize, with the whole sequence held under
// one lock acquisition so nothing else can interleave (spec §4.8/§5/P5).
// endStream is set on the first (and only the first) frame iff the
// response carries no body.
func (w *Writer) WriteHeaders(streamID uint32, endStream bool, headerBlock []byte, maxFrameSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeChunkedLocked(http2.FrameHeaders, http2.FrameContinuation, streamID, headerBlock, maxFrameSize, func(isFirst, isLast bool) http2.Flags {
		var flags http2.Flags
		if isFirst && endStream {
			flags |= http2.FlagHeadersEndStream
		}
		if isLast {
			if isFirst {
				flags |= http2.FlagHeadersEndHeaders
			} else {
				flags |= http2.FlagContinuationEndHeaders
			}
		}
		return flags
	})
}

// WritePushPromise emits PUSH_PROMISE followed by CONTINUATION frames for
// headerBlock, under the same single-lock discipline as WriteHeaders.
func (w *Writer) WritePushPromise(streamID, promisedID uint32, headerBlock []byte, maxFrameSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if maxFrameSize == 0 {
		maxFrameSize = 16384
	}
	// The promised-stream-id prefix only counts against the first frame's
	// budget; chunk the header block on its own, then prepend the 4-byte
	// id to the first fragment.
	first := true
	remaining := headerBlock
	for {
		budget := int(maxFrameSize)
		if first {
			budget -= 4
			if budget < 1 {
				budget = 1
			}
		}
		chunkLen := budget
		if len(remaining) < chunkLen {
			chunkLen = len(remaining)
		}
		frag := remaining[:chunkLen]
		remaining = remaining[chunkLen:]
		isLast := len(remaining) == 0

		if first {
			var flags http2.Flags
			if isLast {
				flags = http2.FlagPushPromiseEndHeaders
			}
			payload := make([]byte, 4, 4+len(frag))
			payload[0] = byte(promisedID >> 24)
			payload[1] = byte(promisedID >> 16)
			payload[2] = byte(promisedID >> 8)
			payload[3] = byte(promisedID)
			payload = append(payload, frag...)
			if err := w.framer.WriteRawFrame(http2.FramePushPromise, flags, streamID, payload); err != nil {
				return err
			}
			first = false
		} else {
			var flags http2.Flags
			if isLast {
				flags = http2.FlagContinuationEndHeaders
			}
			if err := w.framer.WriteRawFrame(http2.FrameContinuation, flags, streamID, frag); err != nil {
				return err
			}
		}
		if isLast {
			return nil
		}
	}
}

// writeChunkedLocked is the HEADERS/CONTINUATION chunking loop used by
// WriteHeaders; WritePushPromise runs its own loop because of the 4-byte
// promised-id prefix. Caller holds w.mu.
func (w *Writer) writeChunkedLocked(firstType, contType http2.FrameType, streamID uint32, block []byte, maxFrameSize uint32, flagsFor func(isFirst, isLast bool) http2.Flags) error {
	if maxFrameSize == 0 {
		maxFrameSize = 16384
	}
	remaining := block
	first := true
	for {
		chunkLen := int(maxFrameSize)
		if len(remaining) < chunkLen {
			chunkLen = len(remaining)
		}
		frag := remaining[:chunkLen]
		remaining = remaining[chunkLen:]
		isLast := len(remaining) == 0

		frameType := contType
		if first {
			frameType = firstType
		}
		if err := w.framer.WriteRawFrame(frameType, flagsFor(first, isLast), streamID, frag); err != nil {
			return err
		}
		first = false
		if isLast {
			return nil
		}
	}
}

func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(data) == 0 && !endStream {
		return nil
	}
	return w.framer.WriteData(streamID, endStream, data)
}

// WriteWindowUpdate emits two distinct, properly-headed WINDOW_UPDATE
// frames when both conn and stream are non-zero: one targeting stream 0,
// one targeting streamID. This resolves spec.md §9's open question about
// the source's double-write in favor of two correct frames rather than a
// corrupted second write.
func (w *Writer) WriteWindowUpdate(streamID uint32, streamIncrement uint32, connIncrement uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if connIncrement > 0 {
		if err := w.framer.WriteWindowUpdate(0, connIncrement); err != nil {
			return err
		}
	}
	if streamID != 0 && streamIncrement > 0 {
		if err := w.framer.WriteWindowUpdate(streamID, streamIncrement); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteRSTStream(streamID, code)
}

func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteGoAway(lastStreamID, code, debugData)
}

func (w *Writer) WritePing(ack bool, data [8]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WritePing(ack, data)
}

func (w *Writer) WritePriority(streamID uint32, p http2.PriorityParam) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WritePriority(streamID, p)
}

// HeaderEncoder wraps hpack.Encoder with a pooled buffer, the same shape as
// the teacher's internal/h2/frame/frame.go.
type HeaderEncoder struct {
	encoder *hpack.Encoder
	buf     *bytes.Buffer
}

var headerBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func NewHeaderEncoder() *HeaderEncoder {
	buf, _ := headerBufPool.Get().(*bytes.Buffer)
	if buf == nil {
		buf = new(bytes.Buffer)
	}
	buf.Reset()
	return &HeaderEncoder{encoder: hpack.NewEncoder(buf), buf: buf}
}

// Encode writes every field to the HPACK encoder and returns a standalone
// copy of the resulting byte block (spec's "encode into payload buffer"
// contract, collapsed to a single pass since hpack.Encoder has no partial-
// flush signal of its own; IN_PROGRESS/COMPLETE is modeled by the caller's
// chunking loop in Writer.WriteHeaders instead).
func (e *HeaderEncoder) Encode(headers [][2]string) ([]byte, error) {
	e.buf.Reset()
	for _, h := range headers {
		if err := e.encoder.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return nil, err
		}
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

func (e *HeaderEncoder) Close() {
	if e.buf != nil {
		e.buf.Reset()
		headerBufPool.Put(e.buf)
		e.buf = nil
	}
}

// HeaderDecoder wraps hpack.Decoder; the sink callback is invoked per
// decoded field so a PAUSED connection can route to a no-op sink while
// still keeping the dynamic table in sync (DESIGN NOTES §9).
type HeaderDecoder struct {
	decoder *hpack.Decoder
}

func NewHeaderDecoder(maxSize uint32) *HeaderDecoder {
	return &HeaderDecoder{decoder: hpack.NewDecoder(maxSize, nil)}
}

func (d *HeaderDecoder) Decode(data []byte, sink func(name, value string)) error {
	d.decoder.SetEmitFunc(func(hf hpack.HeaderField) {
		sink(hf.Name, hf.Value)
	})
	_, err := d.decoder.Write(data)
	return err
}

func (d *HeaderDecoder) SetMaxDynamicTableSize(size uint32) {
	d.decoder.SetMaxDynamicTableSize(size)
}
