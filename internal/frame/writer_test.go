package frame

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"golang.org/x/net/http2"
)

func TestWriteHeaders_ChunksAcrossContinuation(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	block := bytes.Repeat([]byte{0xAB}, 100)
	if err := w.WriteHeaders(1, true, block, 30); err != nil {
		t.Fatal(err)
	}

	fr := http2.NewFramer(nil, &buf)
	var gotStream []byte
	var frames []http2.Frame
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			break
		}
		frames = append(frames, f)
		if hf, ok := f.(*http2.HeadersFrame); ok {
			gotStream = append(gotStream, hf.HeaderBlockFragment()...)
		}
		if cf, ok := f.(*http2.ContinuationFrame); ok {
			gotStream = append(gotStream, cf.HeaderBlockFragment()...)
		}
	}

	if len(frames) != 4 {
		t.Fatalf("expected 4 frames (1 HEADERS + 3 CONTINUATION for 100 bytes/30 per frame), got %d", len(frames))
	}
	if !bytes.Equal(gotStream, block) {
		t.Fatalf("reassembled header block does not match original")
	}
	first, ok := frames[0].(*http2.HeadersFrame)
	if !ok {
		t.Fatalf("expected first frame to be HEADERS, got %T", frames[0])
	}
	if !first.StreamEnded() {
		t.Fatal("expected END_STREAM on first HEADERS frame")
	}
	if first.HeadersEnded() {
		t.Fatal("expected END_HEADERS NOT set on first frame (more CONTINUATION follows)")
	}
	last, ok := frames[len(frames)-1].(*http2.ContinuationFrame)
	if !ok {
		t.Fatalf("expected last frame to be CONTINUATION, got %T", frames[len(frames)-1])
	}
	if !last.HeadersEnded() {
		t.Fatal("expected END_HEADERS set on final CONTINUATION frame")
	}
}

// TestWriteHeaders_Atomicity mirrors spec.md P5: concurrent HEADERS+
// CONTINUATION sequences from multiple streams must never interleave.
func TestWriteHeaders_Atomicity(t *testing.T) {
	var buf bytes.Buffer
	var writeMu sync.Mutex // guards the shared bytes.Buffer itself, not the Writer
	w := NewWriter(threadSafeWriter{&buf, &writeMu})

	const streams = 8
	block := bytes.Repeat([]byte{0xCD}, 500)

	var wg sync.WaitGroup
	wg.Add(streams)
	for i := 0; i < streams; i++ {
		id := uint32(2*i + 1)
		go func(id uint32) {
			defer wg.Done()
			if err := w.WriteHeaders(id, false, block, 64); err != nil {
				t.Error(err)
			}
		}(id)
	}
	wg.Wait()

	fr := http2.NewFramer(nil, &buf)
	var openStream uint32
	open := false
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			break
		}
		switch hf := f.(type) {
		case *http2.HeadersFrame:
			if open {
				t.Fatalf("HEADERS for stream %d started while stream %d's sequence was still open", hf.StreamID, openStream)
			}
			open = true
			openStream = hf.StreamID
			if hf.HeadersEnded() {
				open = false
			}
		case *http2.ContinuationFrame:
			if !open || hf.StreamID != openStream {
				t.Fatalf("CONTINUATION for stream %d with no matching open HEADERS sequence (open=%v, openStream=%d)", hf.StreamID, open, openStream)
			}
			if hf.HeadersEnded() {
				open = false
			}
		default:
			t.Fatalf("unexpected frame type %T", f)
		}
	}
	if open {
		t.Fatal("a HEADERS sequence never closed with END_HEADERS")
	}
}

type threadSafeWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (t threadSafeWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Write(p)
}

func TestWritePushPromise_Chunks(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	block := bytes.Repeat([]byte{0x11}, 50)
	if err := w.WritePushPromise(1, 2, block, 20); err != nil {
		t.Fatal(err)
	}

	fr := http2.NewFramer(nil, &buf)
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	pp, ok := f.(*http2.PushPromiseFrame)
	if !ok {
		t.Fatalf("expected PUSH_PROMISE, got %T", f)
	}
	if pp.PromiseID != 2 {
		t.Fatalf("expected promised stream id 2, got %d", pp.PromiseID)
	}
	if pp.HeadersEnded() {
		t.Fatal("expected END_HEADERS not set on first PUSH_PROMISE frame")
	}
}

func TestWriteWindowUpdate_TwoDistinctFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteWindowUpdate(3, 100, 200); err != nil {
		t.Fatal(err)
	}

	fr := http2.NewFramer(nil, &buf)
	f1, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	wu1, ok := f1.(*http2.WindowUpdateFrame)
	if !ok || wu1.StreamID != 0 || wu1.Increment != 200 {
		t.Fatalf("expected first frame WINDOW_UPDATE stream=0 increment=200, got %+v", f1)
	}

	f2, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	wu2, ok := f2.(*http2.WindowUpdateFrame)
	if !ok || wu2.StreamID != 3 || wu2.Increment != 100 {
		t.Fatalf("expected second frame WINDOW_UPDATE stream=3 increment=100, got %+v", f2)
	}

	if _, err := fr.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after two frames, got %v", err)
	}
}
