package streamtable

import (
	"testing"

	"golang.org/x/net/http2"

	"github.com/duplexhttp/h2conn/internal/h2err"
)

func TestAdmitRemoteStream_Monotonic(t *testing.T) {
	tb := New(100, 65535, nil)

	if _, err := tb.AdmitRemoteStream(1); err != nil {
		t.Fatalf("admit 1: %v", err)
	}
	if _, err := tb.AdmitRemoteStream(3); err != nil {
		t.Fatalf("admit 3: %v", err)
	}
	_, err := tb.AdmitRemoteStream(1)
	if err == nil {
		t.Fatal("expected error re-admitting stream id 1")
	}
	ce, ok := err.(*h2err.ConnectionError)
	if !ok {
		t.Fatalf("expected *h2err.ConnectionError, got %T", err)
	}
	if ce.Code != http2.ErrCodeProtocol {
		t.Fatalf("expected PROTOCOL_ERROR, got %v", ce.Code)
	}
}

func TestAdmitRemoteStream_RejectsEven(t *testing.T) {
	tb := New(100, 65535, nil)
	_, err := tb.AdmitRemoteStream(2)
	if err == nil {
		t.Fatal("expected error admitting even id")
	}
	if _, ok := err.(*h2err.ConnectionError); !ok {
		t.Fatalf("expected *h2err.ConnectionError, got %T", err)
	}
}

func TestAdmitRemoteStream_SkippedIdsClosed(t *testing.T) {
	tb := New(100, 65535, nil)
	if _, err := tb.AdmitRemoteStream(7); err != nil {
		t.Fatalf("admit 7: %v", err)
	}
	for _, id := range []uint32{1, 3, 5} {
		s := tb.Get(id)
		if s == nil {
			t.Fatalf("expected skipped stream %d to exist", id)
		}
		if st := s.State(); st != StateClosedFinal {
			t.Fatalf("stream %d: expected CLOSED_FINAL, got %v", id, st)
		}
	}
}

func TestAdmitRemoteStream_RefusesOverCap(t *testing.T) {
	tb := New(1, 65535, nil)
	if _, err := tb.AdmitRemoteStream(1); err != nil {
		t.Fatalf("admit 1: %v", err)
	}
	_, err := tb.AdmitRemoteStream(3)
	if err == nil {
		t.Fatal("expected REFUSED_STREAM admitting over cap")
	}
	se, ok := err.(*h2err.StreamError)
	if !ok {
		t.Fatalf("expected *h2err.StreamError, got %T", err)
	}
	if se.Code != http2.ErrCodeRefusedStream {
		t.Fatalf("expected REFUSED_STREAM, got %v", se.Code)
	}
	if got := tb.ActiveRemoteStreamCount(); got != 1 {
		t.Fatalf("expected active count to be compensated back to 1, got %d", got)
	}
}

func TestPruneTarget(t *testing.T) {
	cases := map[uint32]int{
		0:   0,
		1:   2,
		10:  11,
		100: 110,
	}
	for cap, want := range cases {
		if got := pruneTarget(cap); got != want {
			t.Errorf("pruneTarget(%d) = %d, want %d", cap, got, want)
		}
	}
}

func TestReparent_Exclusive(t *testing.T) {
	tb := New(100, 65535, nil)
	tb.Reparent(3, 0, 16, false)
	tb.Reparent(5, 0, 16, false)
	tb.Reparent(7, 0, 16, true)

	root := tb.EnsureIdle(0)
	children := root.Children()
	if len(children) != 1 || children[0] != 7 {
		t.Fatalf("expected root's sole child to be 7, got %v", children)
	}
	seven := tb.Get(7)
	grand := seven.Children()
	if len(grand) != 2 {
		t.Fatalf("expected stream 7 to inherit 2 children, got %v", grand)
	}
}
