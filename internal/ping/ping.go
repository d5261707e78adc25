// Package ping implements the connection's liveness PING cadence and RTT
// estimation (spec §4.7): a rolling average of the last three round-trip
// samples, an in-flight sequence queue, and echo handling for peer-initiated
// pings.
package ping

import (
	"encoding/binary"
	"sync"
	"time"
)

const (
	forceInterval = 10 * time.Second
	windowSize    = 3
)

// inflight is one outstanding ping awaiting its ack.
type inflight struct {
	seq    uint32
	sentAt time.Time
}

// Manager tracks outbound PING sequencing and inbound PING_ACK matching.
type Manager struct {
	mu sync.Mutex

	nextSeq    uint32
	lastSendAt time.Time
	queue      []inflight
	samples    []time.Duration

	now func() time.Time
}

func New() *Manager {
	return &Manager{now: time.Now}
}

// ShouldSend reports whether sendPing(force) should actually emit a frame:
// true if force, or at least forceInterval has elapsed since the last send.
func (m *Manager) ShouldSend(force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if force {
		return true
	}
	return m.lastSendAt.IsZero() || m.now().Sub(m.lastSendAt) >= forceInterval
}

// NextPayload allocates a sequence, records the in-flight entry, and returns
// the 8-byte PING payload to write (sequence in the low 4 bytes, per spec
// §6's "this implementation stores a 4-byte monotonic sequence in the low 4
// bytes").
func (m *Manager) NextPayload() [8]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.nextSeq
	m.nextSeq++
	m.lastSendAt = m.now()
	m.queue = append(m.queue, inflight{seq: seq, sentAt: m.lastSendAt})

	var payload [8]byte
	binary.BigEndian.PutUint32(payload[4:], seq)
	return payload
}

// ReceiveAck processes an inbound PING_ACK: drains the in-flight queue up
// to and including the first entry whose sequence is >= the received one,
// records an RTT sample if a match was found. An unmatched ack (stale or
// unsolicited) is silently ignored.
func (m *Manager) ReceiveAck(payload [8]byte) {
	seq := binary.BigEndian.Uint32(payload[4:])
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, e := range m.queue {
		if e.seq >= seq {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}

	matched := m.queue[idx]
	m.queue = m.queue[idx+1:]

	if matched.seq != seq {
		return
	}

	rtt := now.Sub(matched.sentAt)
	m.samples = append(m.samples, rtt)
	if len(m.samples) > windowSize {
		m.samples = m.samples[len(m.samples)-windowSize:]
	}
}

// RoundTripTime returns the arithmetic mean of the last min(n,3) RTT
// samples, or 0 if none yet.
func (m *Manager) RoundTripTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range m.samples {
		total += s
	}
	return total / time.Duration(len(m.samples))
}
