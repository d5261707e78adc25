package streamtable

import (
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"

	"github.com/duplexhttp/h2conn/internal/h2err"
)

// pruneEvery mirrors spec §4.3: pruning runs every 10th admitted stream.
const pruneEvery = 10

// StreamTable is the connection-wide map of streamId -> Stream plus the
// id-monotonicity and admission bookkeeping from spec §4.3.
type StreamTable struct {
	mu sync.Mutex

	streams map[uint32]*Stream

	maxRemoteStreamId       uint32
	maxActiveRemoteStreamId int64 // -1 sentinel before any remote stream
	maxProcessedStreamId    uint32
	nextLocalStreamId       uint32

	activeRemoteStreamCount int32 // atomic

	maxConcurrentStreams uint32
	initialWindowSize    int32
	newStreamCount       uint64

	logger *log.Logger
}

// New creates an empty table. maxConcurrentStreams is the local advertised
// MAX_CONCURRENT_STREAMS; initialWindowSize seeds new streams' send-window.
func New(maxConcurrentStreams uint32, initialWindowSize int32, logger *log.Logger) *StreamTable {
	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}
	t := &StreamTable{
		streams:                 make(map[uint32]*Stream),
		maxActiveRemoteStreamId: -1,
		nextLocalStreamId:       2,
		maxConcurrentStreams:    maxConcurrentStreams,
		initialWindowSize:       initialWindowSize,
		logger:                  logger,
	}
	// Stream id 0 is the virtual priority-tree root (the connection itself):
	// weight 0, no parent, never pruned or admitted.
	root := NewStream(0, 0)
	root.weight = 0
	root.state = StateOpen
	t.streams[0] = root
	return t
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Get returns the stream for id, or nil.
func (t *StreamTable) Get(id uint32) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[id]
}

// ActiveRemoteStreamCount returns the current best-effort active count.
func (t *StreamTable) ActiveRemoteStreamCount() int32 {
	return atomic.LoadInt32(&t.activeRemoteStreamCount)
}

// MaxProcessedStreamId returns the highest stream id this connection has
// completed HEADERS processing for (used in GOAWAY).
func (t *StreamTable) MaxProcessedStreamId() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxProcessedStreamId
}

// SeedUpgradeStream implements spec §4.1's HTTP/1.1-upgrade synthesis:
// stream id is pre-admitted outside the normal AdmitRemoteStream path, with
// maxRemoteStreamId/maxActiveRemoteStreamId/maxProcessedStreamId all set to
// id and activeRemoteStreamCount seeded to 1, matching RFC 7540 §3.2's
// implicit stream 1.
func (t *StreamTable) SeedUpgradeStream(id uint32, initialWindow int32) *Stream {
	s := NewStream(id, initialWindow)
	s.setState(StateOpen)

	t.mu.Lock()
	t.maxRemoteStreamId = id
	t.maxActiveRemoteStreamId = int64(id)
	t.maxProcessedStreamId = id
	t.streams[id] = s
	t.mu.Unlock()

	atomic.AddInt32(&t.activeRemoteStreamCount, 1)
	return s
}

// NextLocalStreamId allocates and returns the next even (server-initiated)
// stream id, for PUSH_PROMISE.
func (t *StreamTable) NextLocalStreamId() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextLocalStreamId
	t.nextLocalStreamId += 2
	return id
}

// AdmitRemoteStream implements createRemoteStream from spec §4.3: it
// validates id parity/monotonicity, retires skipped idle ids (I6), runs
// lazy pruning, and enforces the MAX_CONCURRENT_STREAMS soft cap (I4) with
// the atomic increment-then-compensate pattern DESIGN NOTES §9 calls for.
//
// Returns the new stream, or a *h2err.StreamError/*h2err.ConnectionError.
func (t *StreamTable) AdmitRemoteStream(id uint32) (*Stream, error) {
	if id%2 == 0 {
		return nil, h2err.NewConnectionError(http2.ErrCodeProtocol, "even stream id from peer")
	}

	t.mu.Lock()
	if id <= t.maxRemoteStreamId && t.maxRemoteStreamId != 0 {
		t.mu.Unlock()
		return nil, h2err.NewConnectionError(http2.ErrCodeProtocol, "stream id not strictly increasing")
	}
	t.maxRemoteStreamId = id

	t.newStreamCount++
	if t.newStreamCount%pruneEvery == 0 {
		t.pruneClosedStreamsLocked()
	}

	// I6: every odd id strictly between maxActiveRemoteStreamId and id is
	// retired IDLE->CLOSED before id is accepted.
	for skipped := t.maxActiveRemoteStreamId + 2; skipped < int64(id); skipped += 2 {
		sid := uint32(skipped)
		if s, ok := t.streams[sid]; ok {
			s.setState(StateClosedFinal)
		} else {
			s := NewStream(sid, t.initialWindowSize)
			s.setState(StateClosedFinal)
			t.streams[sid] = s
		}
	}
	t.maxActiveRemoteStreamId = int64(id)
	maxConcurrent := t.maxConcurrentStreams
	t.mu.Unlock()

	// Atomic admission check: increment first, compensate on overshoot.
	// Best-effort (I4 / P2): may transiently read cap+1 under contention.
	newCount := atomic.AddInt32(&t.activeRemoteStreamCount, 1)
	if uint32(newCount) > maxConcurrent {
		atomic.AddInt32(&t.activeRemoteStreamCount, -1)
		return nil, h2err.NewStreamError(id, http2.ErrCodeRefusedStream)
	}

	s := NewStream(id, t.initialWindowSize)
	s.setState(StateOpen)

	t.mu.Lock()
	t.streams[id] = s
	t.mu.Unlock()

	return s, nil
}

// MarkHeadersEnd records id as processed (for GOAWAY's maxProcessedStreamId).
func (t *StreamTable) MarkHeadersEnd(id uint32) {
	t.mu.Lock()
	if id > t.maxProcessedStreamId {
		t.maxProcessedStreamId = id
	}
	t.mu.Unlock()
}

// MarkInactive decrements activeRemoteStreamCount when a stream transitions
// out of the set of states that count toward MAX_CONCURRENT_STREAMS. Callers
// must only call this once per stream (guarded by the stream's own state
// transition logic).
func (t *StreamTable) MarkInactive() {
	atomic.AddInt32(&t.activeRemoteStreamCount, -1)
}

// InsertPushStream registers a server-initiated (even id) stream, e.g. for
// PUSH_PROMISE, in RESERVED_LOCAL state.
func (t *StreamTable) InsertPushStream(id uint32) *Stream {
	s := NewStream(id, t.initialWindowSize)
	s.setState(StateReservedLocal)
	t.mu.Lock()
	t.streams[id] = s
	t.mu.Unlock()
	return s
}

// EnsureIdle returns the stream for id, creating it in IDLE state if absent
// (used by PRIORITY frames referencing a not-yet-opened stream, spec §4.5).
func (t *StreamTable) EnsureIdle(id uint32) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.streams[id]; ok {
		return s
	}
	s := NewStream(id, t.initialWindowSize)
	t.streams[id] = s
	return s
}

// Reparent applies a PRIORITY frame's reprioritization (spec §4.5).
func (t *StreamTable) Reparent(id uint32, parentID uint32, weight uint8, exclusive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	if !ok {
		s = NewStream(id, t.initialWindowSize)
		t.streams[id] = s
	}
	if parentID == id {
		// RFC 7540 §5.3.1: a stream cannot depend on itself; treat as
		// depending on the root instead.
		parentID = 0
	}
	t.reparent(s, parentID, weight, exclusive)
}

// ForEachStream visits a snapshot of the stream table. fn must not mutate t.
func (t *StreamTable) ForEachStream(fn func(*Stream)) {
	t.mu.Lock()
	snapshot := make([]*Stream, 0, len(t.streams))
	for _, s := range t.streams {
		snapshot = append(snapshot, s)
	}
	t.mu.Unlock()
	for _, s := range snapshot {
		fn(s)
	}
}

// pruneClosedStreamsLocked implements spec §4.3's pruneClosedStreams.
// Caller must hold t.mu.
func (t *StreamTable) pruneClosedStreamsLocked() {
	target := pruneTarget(t.maxConcurrentStreams)
	if len(t.streams) <= target {
		return
	}

	var finalCandidates []uint32
	removed := 0
	for id, s := range t.streams {
		if id == 0 {
			continue // virtual root, never pruned
		}
		if len(t.streams)-removed <= target {
			break
		}
		st := s.State()
		if st == StateClosedFinal {
			finalCandidates = append(finalCandidates, id)
			continue
		}
		if st == StateClosed && !s.hasChildren() {
			delete(t.streams, id)
			removed++
		}
	}

	for _, id := range finalCandidates {
		if len(t.streams)-removed <= target {
			break
		}
		if s, ok := t.streams[id]; ok && !s.hasChildren() {
			delete(t.streams, id)
			removed++
		}
	}

	if len(t.streams) > target {
		t.logger.Printf("streamtable: prune shortfall, have %d streams, target %d", len(t.streams), target)
	}
}

// pruneTarget computes ceil(1.1 * maxConcurrentStreams), clamped away from
// overflow.
func pruneTarget(maxConcurrentStreams uint32) int {
	if maxConcurrentStreams == 0 {
		return 0
	}
	n := uint64(maxConcurrentStreams)
	target := (n*11 + 9) / 10
	if target > 1<<31-1 {
		target = 1<<31 - 1
	}
	return int(target)
}
