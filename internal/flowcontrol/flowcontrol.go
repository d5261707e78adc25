// Package flowcontrol implements the two-level HTTP/2 send-window engine:
// a connection window, per-stream windows, and a backlog of streams waiting
// for credit that is released in weighted proportion along the priority
// tree rooted at the connection.
package flowcontrol

import (
	"sync"

	"golang.org/x/net/http2"

	"github.com/duplexhttp/h2conn/internal/h2err"
	"github.com/duplexhttp/h2conn/internal/streamtable"
	"github.com/duplexhttp/h2conn/metrics"
)

const maxWindow = 1<<31 - 1

// backlogEntry tracks one stream's outstanding reservation, mirroring the
// `[reservationRemaining, allocationGranted]` pair from spec §4.4.
type backlogEntry struct {
	remaining int64
	granted   int64
	cond      *sync.Cond
}

// Controller is the connection-wide FlowController (spec §4.4). One
// instance per connection; stream send-windows live on streamtable.Stream
// itself and are read/written under that stream's own mutex, matching the
// teacher's `Manager.mu` / `Stream.mu` split (celeris internal/stream/stream.go).
type Controller struct {
	mu sync.Mutex // guards sendWindow and backlog (the "connection monitor")

	streams *streamtable.StreamTable

	sendWindow  int64 // connection send-window; may be observed <=0
	backlog     map[uint32]*backlogEntry
	backlogSize int64
}

// New creates a Controller with the given initial connection send-window.
func New(streams *streamtable.StreamTable, initialConnWindow int32) *Controller {
	return &Controller{
		streams:    streams,
		sendWindow: int64(initialConnWindow),
		backlog:    make(map[uint32]*backlogEntry),
	}
}

// IncrementConnectionWindow applies a WINDOW_UPDATE received for stream 0.
// Transitioning from <=0 to >0 triggers releaseBackLog.
func (c *Controller) IncrementConnectionWindow(increment int32) error {
	c.mu.Lock()
	wasNonPositive := c.sendWindow <= 0
	c.sendWindow += int64(increment)
	if c.sendWindow > maxWindow {
		c.mu.Unlock()
		return h2err.NewConnectionError(http2.ErrCodeFlowControl, "connection window overflow")
	}
	newlyAvailable := c.sendWindow
	shouldRelease := wasNonPositive && c.sendWindow > 0
	c.mu.Unlock()

	if shouldRelease {
		c.releaseBackLog(newlyAvailable)
	}
	c.observeGauges()
	return nil
}

// IncrementStreamWindow applies a WINDOW_UPDATE received for a specific
// stream.
func (c *Controller) IncrementStreamWindow(s *streamtable.Stream, increment int32) error {
	s.Lock()
	next := int64(s.SendWindow) + int64(increment)
	if next > maxWindow {
		s.Unlock()
		return h2err.NewStreamError(s.ID, http2.ErrCodeFlowControl)
	}
	s.SendWindow = int32(next)
	s.Unlock()
	s.Cond().Broadcast()
	s.SignalDataAvailable()
	return nil
}

// ApplyInitialWindowSizeDelta fans a SETTINGS INITIAL_WINDOW_SIZE change out
// to every existing stream (spec §4.4/P6). Streams that would overflow are
// reported back to the caller so it can RST them individually; the
// connection itself survives.
func (c *Controller) ApplyInitialWindowSizeDelta(delta int32) (overflowed []uint32) {
	c.streams.ForEachStream(func(s *streamtable.Stream) {
		if s.ID == 0 {
			return
		}
		s.Lock()
		next := int64(s.SendWindow) + int64(delta)
		if next > maxWindow || next < -maxWindow-1 {
			s.Unlock()
			overflowed = append(overflowed, s.ID)
			return
		}
		s.SendWindow = int32(next)
		s.Unlock()
		s.Cond().Broadcast()
	})
	return overflowed
}

// ReserveWindowSize implements spec §4.4's reserveWindowSize: a worker
// thread calls this before writing a DATA frame and either receives a
// positive grant or blocks until one is available. The grant is clamped to
// the stream's own send-window (P6/S5) in addition to the connection-wide
// budget tryGrantLocked tracks.
func (c *Controller) ReserveWindowSize(s *streamtable.Stream, requested int32) (int32, error) {
	if requested <= 0 {
		return 0, nil
	}
	s.ReservationLock()
	defer s.ReservationUnlock()

	for {
		if !s.CanWrite() {
			return 0, h2err.NewStreamError(s.ID, http2.ErrCodeStreamClosed)
		}

		s.Lock()
		streamWindow := s.SendWindow
		s.Unlock()
		if streamWindow <= 0 {
			s.WaitForCredit()
			continue
		}
		want := requested
		if streamWindow < want {
			want = streamWindow
		}

		c.mu.Lock()
		granted := c.tryGrantLocked(s, want)
		c.mu.Unlock()

		if granted > 0 {
			s.Lock()
			s.SendWindow -= granted
			s.Unlock()
			c.observeGauges()
			return granted, nil
		}
		s.WaitForCredit() // releases s's reservation lock while waiting
	}
}

// tryGrantLocked is the body of the reserveWindowSize loop's single
// iteration under the connection lock. Caller holds c.mu and s's
// reservation lock.
//
// A stream's own backlog entry is cashed unconditionally before anything
// else: releaseBackLog's full-grant branch marks entries granted without
// debiting sendWindow (so a wake triggered by one stream's WINDOW_UPDATE
// doesn't short-change a sibling still waiting its turn), and the owner
// must always pass back through here to collect it. Gating that on the
// connection's current sendWindow/backlogSize, as a single combined
// condition, let a granted-but-uncollected entry go unreachable once
// backlogSize dropped back to 0 — the entry then sat stale until a later,
// unrelated backlog made it reachable again and it was paid out a second
// time.
func (c *Controller) tryGrantLocked(s *streamtable.Stream, requested int32) int32 {
	if e, ok := c.backlog[s.ID]; ok && e.granted > 0 {
		granted := e.granted
		c.sendWindow -= granted
		if e.remaining == 0 {
			c.removeBacklogLocked(s.ID)
		} else {
			e.granted = 0
		}
		return clampInt32(granted)
	}

	w := c.sendWindow
	if w < 1 || c.backlogSize > 0 {
		if _, ok := c.backlog[s.ID]; !ok {
			c.addBacklogLocked(s, int64(requested))
		}
		return 0
	}

	var granted int64
	if w < int64(requested) {
		granted = w
	} else {
		granted = int64(requested)
	}
	c.sendWindow -= granted
	return clampInt32(granted)
}

// addBacklogLocked registers s (and every ancestor up to the root) in the
// backlog, per spec §4.4's "ensure every ancestor up to root is also in
// backlog with [0,0]" note.
func (c *Controller) addBacklogLocked(s *streamtable.Stream, requested int64) {
	c.backlog[s.ID] = &backlogEntry{remaining: requested, cond: s.Cond()}
	c.backlogSize += requested

	parentID := s.Parent()
	for parentID != 0 {
		if _, ok := c.backlog[parentID]; ok {
			break
		}
		parent := c.streams.Get(parentID)
		if parent == nil {
			break
		}
		c.backlog[parentID] = &backlogEntry{cond: parent.Cond()}
		parentID = parent.Parent()
	}
	// The root (id 0) always has an implicit backlog entry once any
	// descendant is backlogged; it carries no reservation of its own.
	if _, ok := c.backlog[0]; !ok {
		if root := c.streams.Get(0); root != nil {
			c.backlog[0] = &backlogEntry{cond: root.Cond()}
		}
	}
}

func (c *Controller) removeBacklogLocked(id uint32) {
	delete(c.backlog, id)
}

// releaseBackLog implements spec §4.4's releaseBackLog(newAvailable).
func (c *Controller) releaseBackLog(newAvailable int64) {
	c.mu.Lock()
	if c.backlogSize <= newAvailable {
		// Grant every backlogged stream its full remaining reservation.
		// Entries stay in the map (with remaining=0, granted set) so each
		// stream's own tryGrantLocked "cashes" and removes its entry the
		// next time it re-enters the loop (spec §4.4's two-step grant:
		// release here only marks the IOU, the owner debits the
		// connection window when it wakes).
		notify := make([]*backlogEntry, 0, len(c.backlog))
		for _, e := range c.backlog {
			if e.remaining > 0 {
				e.granted += e.remaining
				e.remaining = 0
			}
			notify = append(notify, e)
		}
		c.backlogSize = 0
		c.mu.Unlock()
		for _, e := range notify {
			e.cond.Broadcast()
		}
		return
	}

	if _, ok := c.backlog[0]; !ok {
		c.mu.Unlock()
		return
	}
	c.allocate(0, newAvailable)

	notify := make([]*backlogEntry, 0, len(c.backlog))
	for _, e := range c.backlog {
		if e.granted > 0 {
			notify = append(notify, e)
		}
	}
	c.mu.Unlock()

	for _, e := range notify {
		e.cond.Broadcast()
	}
}

// allocate is the weighted tree allocation from spec §4.4. Caller holds c.mu.
func (c *Controller) allocate(nodeID uint32, pool int64) int64 {
	e, ok := c.backlog[nodeID]
	if !ok {
		return pool
	}
	if e.remaining >= pool {
		e.remaining -= pool
		e.granted += pool
		c.backlogSize -= pool
		return 0
	}
	c.backlogSize -= e.remaining
	pool -= e.remaining
	e.granted += e.remaining
	e.remaining = 0

	node := c.streams.Get(nodeID)
	if node == nil {
		delete(c.backlog, nodeID)
		return pool
	}

	type child struct {
		id     uint32
		weight uint8
	}
	var candidates []child
	for _, cid := range node.Children() {
		if _, ok := c.backlog[cid]; ok {
			if cs := c.streams.Get(cid); cs != nil {
				candidates = append(candidates, child{id: cid, weight: cs.Weight()})
			}
		}
	}

	if len(candidates) == 0 {
		delete(c.backlog, nodeID)
		return pool
	}

	for pool > 0 && len(candidates) > 0 {
		var totalWeight int64
		for _, ch := range candidates {
			totalWeight += int64(ch.weight)
		}
		snapshotPool := pool
		remaining := candidates[:0:0]
		for _, ch := range candidates {
			if pool <= 0 {
				remaining = append(remaining, ch)
				continue
			}
			share := snapshotPool * int64(ch.weight) / totalWeight
			if share == 0 {
				share = 1
			}
			remainder := c.allocate(ch.id, share)
			pool -= share - remainder
			if remainder == 0 {
				remaining = append(remaining, ch)
			}
		}
		candidates = remaining
	}

	return pool
}

// observeGauges reports the current connection send-window and backlog size
// to the ambient metrics package. Called after releasing c.mu so the gauge
// read doesn't hold the lock any longer than necessary.
func (c *Controller) observeGauges() {
	c.mu.Lock()
	window := c.sendWindow
	backlog := c.backlogSize
	c.mu.Unlock()
	metrics.ConnectionSendWindow.Set(float64(window))
	metrics.BacklogSize.Set(float64(backlog))
}

func clampInt32(v int64) int32 {
	if v > maxWindow {
		return maxWindow
	}
	if v < 0 {
		return 0
	}
	return int32(v)
}
