package connio

import (
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"time"

	"golang.org/x/net/http2"

	"github.com/duplexhttp/h2conn/internal/h2err"
)

// performHandshake implements spec §4.1: write the local SETTINGS frame,
// then read and validate the client connection preface (24-byte magic
// followed by client SETTINGS).
func (c *Connection) performHandshake() error {
	if err := c.writeLocalSettings(); err != nil {
		return err
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	preface := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(c.br, preface); err != nil {
		return h2err.NewConnectionError(http2.ErrCodeProtocol, "failed to read client preface")
	}
	if string(preface) != clientPreface {
		return h2err.NewConnectionError(http2.ErrCodeProtocol, "invalid client connection preface")
	}

	f, err := c.framer.ReadFrame()
	if err != nil {
		return h2err.NewConnectionError(http2.ErrCodeProtocol, "failed to read client SETTINGS")
	}
	sf, ok := f.(*http2.SettingsFrame)
	if !ok {
		return h2err.NewConnectionError(http2.ErrCodeProtocol, "first client frame was not SETTINGS")
	}
	return c.handleSettings(sf)
}

func (c *Connection) writeLocalSettings() error {
	local := c.settings.Local()
	settings := []http2.Setting{
		{ID: http2.SettingHeaderTableSize, Val: local.HeaderTableSize},
		{ID: http2.SettingMaxConcurrentStreams, Val: local.MaxConcurrentStreams},
		{ID: http2.SettingMaxFrameSize, Val: local.MaxFrameSize},
		{ID: http2.SettingInitialWindowSize, Val: local.InitialWindowSize},
	}
	if err := c.writer.WriteSettings(settings...); err != nil {
		return err
	}
	c.settings.RecordLocalSettingsSent()
	return nil
}

// NewFromUpgrade constructs a Connection for a connection that arrived via
// an HTTP/1.1 Upgrade: h2c request (spec §4.1): stream id=1 is synthesized
// from the already-read upgrade request, and the base64 HTTP2-Settings
// header is decoded as a SETTINGS payload and applied to remoteSettings
// before the usual preface handshake runs (the client still sends the
// 24-byte magic + SETTINGS immediately after the 101 response, per RFC 7540
// §3.2). http2SettingsHeader is the raw value of the request's
// "HTTP2-Settings" header; upgradeHeaders and requestHasBody describe the
// upgrade request itself, which becomes stream 1's synthesized HEADERS.
func NewFromUpgrade(conn net.Conn, cfg Config, handler Handler, http2SettingsHeader string, upgradeHeaders []HeaderField, requestHasBody bool) (*Connection, error) {
	c := New(conn, cfg, handler)

	payload, err := base64.RawURLEncoding.DecodeString(http2SettingsHeader)
	if err != nil {
		return nil, h2err.NewConnectionError(http2.ErrCodeProtocol, "invalid HTTP2-Settings header")
	}
	if len(payload)%6 != 0 {
		return nil, h2err.NewConnectionError(http2.ErrCodeProtocol, "HTTP2-Settings length not a multiple of 6")
	}
	for i := 0; i+6 <= len(payload); i += 6 {
		id := http2.SettingID(binary.BigEndian.Uint16(payload[i : i+2]))
		val := binary.BigEndian.Uint32(payload[i+2 : i+6])
		if _, _, _, err := c.settings.ApplySetting(id, val); err != nil {
			return nil, err
		}
	}

	stream := c.streams.SeedUpgradeStream(1, int32(cfg.InitialWindowSize))
	c.bodiesMu.Lock()
	c.bodies[1] = newBodyBuffer()
	c.bodiesMu.Unlock()
	c.setState(StateConnected)
	c.finishHeaders(1, stream, upgradeHeaders, !requestHasBody)

	return c, nil
}
