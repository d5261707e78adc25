// Package streamtable implements the per-connection stream map, the RFC 7540
// §5.1 stream state machine, and the priority tree used to weight flow
// control allocation.
package streamtable

import (
	"sync"
)

// State is the RFC 7540 §5.1 stream state.
type State int

const (
	StateIdle State = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
	// StateClosedFinal marks a stream that only ever appeared in a PRIORITY
	// frame (IDLE -> CLOSED without ever carrying a request). Kept around
	// longer during pruning so the priority tree shape survives.
	StateClosedFinal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateReservedLocal:
		return "RESERVED_LOCAL"
	case StateReservedRemote:
		return "RESERVED_REMOTE"
	case StateOpen:
		return "OPEN"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	case StateClosedFinal:
		return "CLOSED_FINAL"
	default:
		return "UNKNOWN"
	}
}

// isActive reports whether a stream in this state counts against
// MAX_CONCURRENT_STREAMS.
func (s State) isActive() bool {
	switch s {
	case StateOpen, StateHalfClosedLocal, StateHalfClosedRemote:
		return true
	default:
		return false
	}
}

const defaultWeight = 16

// Stream is a single HTTP/2 stream: its state, its place in the priority
// tree, and its flow-control send-window.
type Stream struct {
	mu sync.Mutex

	ID    uint32
	state State

	// Priority tree linkage. Parent 0 means "depends on the connection root".
	parentID uint32
	children map[uint32]struct{}
	weight   uint8

	// SendWindow is the peer-granted bytes this stream may still emit as
	// DATA; signed because a SETTINGS shrink can drive it negative (I1).
	SendWindow int32

	SentEndOfStream     bool
	ReceivedEndOfStream bool
	ClosedByReset       bool

	// onDataAvailable is invoked (outside any lock) whenever inbound DATA is
	// appended, per spec §4.5's "downstream signal" contract.
	onDataAvailable func()

	// resMu/cond back reserveWindowSize's suspension (spec §4.4/§5): a
	// worker blocked on flow-control credit waits on cond, which the
	// flow controller broadcasts after releaseBackLog. Deliberately
	// separate from mu, which guards state/priority-tree fields that the
	// I/O thread also touches — the reservation wait must not hold that
	// lock while parked.
	resMu sync.Mutex
	cond  *sync.Cond
}

// NewStream creates a stream in IDLE state with the default weight and an
// initial send-window.
func NewStream(id uint32, initialWindow int32) *Stream {
	s := &Stream{
		ID:         id,
		state:      StateIdle,
		children:   make(map[uint32]struct{}),
		weight:     defaultWeight,
		SendWindow: initialWindow,
	}
	s.cond = sync.NewCond(&s.resMu)
	return s
}

// Lock/Unlock expose the stream's state mutex so the flow controller can
// mutate SendWindow under the same lock readers use, matching celeris's
// pattern of a single per-stream mutex guarding both state and window.
func (s *Stream) Lock()   { s.mu.Lock() }
func (s *Stream) Unlock() { s.mu.Unlock() }

// ReservationLock/Unlock guard a single reserveWindowSize call at a time for
// this stream (spec §4.4: "lock(stream)" at the top of the protocol).
func (s *Stream) ReservationLock()   { s.resMu.Lock() }
func (s *Stream) ReservationUnlock() { s.resMu.Unlock() }

// Cond returns the condition variable reserveWindowSize waits on; the flow
// controller broadcasts it after granting backlog credit.
func (s *Stream) Cond() *sync.Cond { return s.cond }

// WaitForCredit suspends the calling goroutine until the flow controller
// broadcasts new credit. Caller must hold the reservation lock.
func (s *Stream) WaitForCredit() { s.cond.Wait() }

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// SetState exposes state transitions to the connection layer (HEADERS/RST/
// END_STREAM handling in internal/connio), which does not otherwise reach
// into streamtable's unexported fields.
func (s *Stream) SetState(next State) { s.setState(next) }

// MarkReset records a peer RST_STREAM (spec §4.5's reset(id, errorCode))
// and transitions the stream to CLOSED.
func (s *Stream) MarkReset() {
	s.mu.Lock()
	s.ClosedByReset = true
	s.state = StateClosed
	s.mu.Unlock()
	s.cond.Broadcast()
}

// MarkSentEndOfStream records that this side has emitted END_STREAM and
// advances OPEN->HALF_CLOSED_LOCAL or HALF_CLOSED_REMOTE->CLOSED.
func (s *Stream) MarkSentEndOfStream() {
	s.mu.Lock()
	s.SentEndOfStream = true
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedLocal
	case StateHalfClosedRemote:
		s.state = StateClosed
	}
	s.mu.Unlock()
}

// MarkReceivedEndOfStream records the peer's END_STREAM and advances
// OPEN->HALF_CLOSED_REMOTE or HALF_CLOSED_LOCAL->CLOSED. Returns true iff
// the stream became inactive as a result (for activeRemoteStreamCount
// bookkeeping).
func (s *Stream) MarkReceivedEndOfStream() (becameInactive bool) {
	s.mu.Lock()
	s.ReceivedEndOfStream = true
	wasActive := s.state.isActive()
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.state = StateClosed
	}
	becameInactive = wasActive && !s.state.isActive()
	s.mu.Unlock()
	return becameInactive
}

// IsActive reports whether the stream currently counts against
// MAX_CONCURRENT_STREAMS.
func (s *Stream) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.isActive()
}

// HasReceivedEndOfStream reports whether the peer has already ended its
// side of the stream, so that any further HEADERS on it can only be an
// illegal replay, never legal trailers.
func (s *Stream) HasReceivedEndOfStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReceivedEndOfStream
}

// CanWrite reports whether the server may still emit DATA frames on this
// stream.
func (s *Stream) CanWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpen, StateHalfClosedRemote, StateReservedLocal:
		return !s.ClosedByReset
	default:
		return false
	}
}

func (s *Stream) Weight() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight
}

func (s *Stream) Parent() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parentID
}

func (s *Stream) SetOnDataAvailable(fn func()) {
	s.mu.Lock()
	s.onDataAvailable = fn
	s.mu.Unlock()
}

func (s *Stream) SignalDataAvailable() {
	s.mu.Lock()
	fn := s.onDataAvailable
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
