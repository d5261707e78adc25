package ping

import (
	"encoding/binary"
	"testing"
	"time"
)

// TestScenario_S6 mirrors spec.md S6: a PING at T=0 acked 20ms later, then
// an unmatched PING_ACK that must not disturb the RTT.
func TestScenario_S6(t *testing.T) {
	base := time.Unix(0, 0)
	m := New()
	m.now = func() time.Time { return base }

	payload := m.NextPayload()

	m.now = func() time.Time { return base.Add(20 * time.Millisecond) }
	m.ReceiveAck(payload)

	if got := m.RoundTripTime(); got != 20*time.Millisecond {
		t.Fatalf("expected RTT 20ms, got %v", got)
	}

	var stray [8]byte
	binary.BigEndian.PutUint32(stray[4:], 99)
	m.ReceiveAck(stray) // unsolicited/stale, must not panic or change RTT

	if got := m.RoundTripTime(); got != 20*time.Millisecond {
		t.Fatalf("expected RTT unchanged at 20ms, got %v", got)
	}
}

func TestRoundTripTime_RollingWindowOfThree(t *testing.T) {
	base := time.Unix(0, 0)
	m := New()
	m.now = func() time.Time { return base }

	rtts := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 100 * time.Millisecond}
	for _, rtt := range rtts {
		payload := m.NextPayload()
		sentAt := base
		m.now = func() time.Time { return sentAt.Add(rtt) }
		m.ReceiveAck(payload)
		base = base.Add(rtt)
		m.now = func() time.Time { return base }
	}

	want := (20*time.Millisecond + 30*time.Millisecond + 100*time.Millisecond) / 3
	if got := m.RoundTripTime(); got != want {
		t.Fatalf("expected rolling mean of last 3 samples %v, got %v", want, got)
	}
}

func TestShouldSend_ForceAndInterval(t *testing.T) {
	base := time.Unix(0, 0)
	m := New()
	m.now = func() time.Time { return base }

	if !m.ShouldSend(false) {
		t.Fatal("expected first send to proceed (no prior send)")
	}
	m.NextPayload()

	if m.ShouldSend(false) {
		t.Fatal("expected no send immediately after the last one")
	}
	if !m.ShouldSend(true) {
		t.Fatal("expected forced send to always proceed")
	}

	m.now = func() time.Time { return base.Add(11 * time.Second) }
	if !m.ShouldSend(false) {
		t.Fatal("expected send after interval elapsed")
	}
}
