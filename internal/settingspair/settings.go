// Package settingspair tracks the local (sent) and remote (received)
// SETTINGS values for one connection, plus outstanding-ack bookkeeping.
package settingspair

import (
	"sync"

	"golang.org/x/net/http2"

	"github.com/duplexhttp/h2conn/internal/h2err"
)

// Values holds the recognized SETTINGS identifiers from spec §6.
type Values struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// DefaultLocalValues mirrors the RFC 7540 §11.3 defaults plus the values
// celeris's sendServerPreface writes on connect.
func DefaultLocalValues() Values {
	return Values{
		HeaderTableSize:      4096,
		EnablePush:           false,
		MaxConcurrentStreams: 250,
		InitialWindowSize:    65535,
		MaxFrameSize:         16384,
		MaxHeaderListSize:    0, // 0 = unbounded/unset
	}
}

// Pair is a connection's SettingsPair (spec §2): what we've told the peer,
// what the peer has told us, and how many local SETTINGS frames are still
// awaiting a SETTINGS_ACK.
type Pair struct {
	mu sync.Mutex

	local  Values
	remote Values

	pendingLocalAcks int
}

func New(local Values) *Pair {
	return &Pair{local: local, remote: DefaultLocalValues()}
}

func (p *Pair) Local() Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *Pair) Remote() Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// RecordLocalSettingsSent must be called every time this side writes a
// non-ack SETTINGS frame; it is confirmed by the peer's next SETTINGS_ACK.
func (p *Pair) RecordLocalSettingsSent() {
	p.mu.Lock()
	p.pendingLocalAcks++
	p.mu.Unlock()
}

// ConfirmAck consumes one pending local-SETTINGS ack. Reports whether one
// was actually outstanding (an unsolicited ack is tolerated, not an error).
func (p *Pair) ConfirmAck() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingLocalAcks == 0 {
		return false
	}
	p.pendingLocalAcks--
	return true
}

// ApplySetting validates and applies one remote SETTINGS entry (spec §4.5),
// grounded on celeris's Processor.handleSettings validation rules. Returns
// the previous and new InitialWindowSize when that setting changes (the
// caller, the flow controller, fans the delta out to every stream); zero
// values for changed==false mean no INITIAL_WINDOW_SIZE change occurred.
func (p *Pair) ApplySetting(id http2.SettingID, val uint32) (oldInitWin, newInitWin uint32, changed bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch id {
	case http2.SettingHeaderTableSize:
		p.remote.HeaderTableSize = val
	case http2.SettingEnablePush:
		if val != 0 && val != 1 {
			return 0, 0, false, h2err.NewConnectionError(http2.ErrCodeProtocol, "ENABLE_PUSH must be 0 or 1")
		}
		p.remote.EnablePush = val == 1
	case http2.SettingMaxConcurrentStreams:
		p.remote.MaxConcurrentStreams = val
	case http2.SettingInitialWindowSize:
		if val > 0x7fffffff {
			return 0, 0, false, h2err.NewConnectionError(http2.ErrCodeFlowControl, "INITIAL_WINDOW_SIZE too large")
		}
		oldInitWin = p.remote.InitialWindowSize
		p.remote.InitialWindowSize = val
		return oldInitWin, val, true, nil
	case http2.SettingMaxFrameSize:
		if val < 16384 || val > 16777215 {
			return 0, 0, false, h2err.NewConnectionError(http2.ErrCodeProtocol, "MAX_FRAME_SIZE out of range")
		}
		p.remote.MaxFrameSize = val
	case http2.SettingMaxHeaderListSize:
		p.remote.MaxHeaderListSize = val
	}
	return 0, 0, false, nil
}

// SetLocalMaxConcurrentStreams updates the locally advertised admission cap
// (used when Config overrides the default).
func (p *Pair) SetLocalMaxConcurrentStreams(n uint32) {
	p.mu.Lock()
	p.local.MaxConcurrentStreams = n
	p.mu.Unlock()
}
