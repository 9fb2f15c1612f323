// Package transport dials a server and exposes the three logical streams
// the protocol uses: a reliable control stream (opened first), a reliable
// keep-alive stream (opened second), and unreliable datagrams for audio.
// Grounded on the teacher's client/transport.go Connect/pingLoop/
// StartReceiving shape, adapted from gorilla/websocket + JSON ControlMsg to
// quic-go/webtransport-go + the binary wire codec.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"voicechat/client/internal/wire"
)

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:                  true,
		EnableStreamResetPartialDelivery: true,
	}
}

// dialStreamTimeout bounds how long stream negotiation may take once the
// underlying QUIC handshake itself has already completed.
const dialStreamTimeout = 10 * time.Second

// Session is a dialed connection's transport surface. SendReliable/
// SendKeepAlive are safe to call concurrently with themselves; each of
// RecvReliable/RecvKeepAlive must only be called from a single goroutine,
// matching the teacher's single readControl loop.
type Session struct {
	wt        *webtransport.Session
	control   *webtransport.Stream
	keepAlive *webtransport.Stream

	ctrlWriteMu sync.Mutex
	kaWriteMu   sync.Mutex
}

// Dial connects to addr (host:port, no scheme) over WebTransport, opening
// the control then keep-alive streams in that order, and returns the
// negotiated Session. A tlsConfig with InsecureSkipVerify set suits only
// tests and self-signed-cert development servers; production clients
// should instead supply a tls.Config pinning the server's certificate fingerprint (see
// spec §6's certificate-fingerprint-out-of-band verification flow).
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*Session, error) {
	d := webtransport.Dialer{
		TLSClientConfig: tlsConfig,
		QUICConfig:      quicConfig(),
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialStreamTimeout)
	defer cancel()

	_, wtSess, err := d.Dial(dialCtx, "https://"+addr, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	control, err := wtSess.OpenStreamSync(dialCtx)
	if err != nil {
		wtSess.CloseWithError(0, "open control stream failed")
		return nil, fmt.Errorf("transport: open control stream: %w", err)
	}
	keepAlive, err := wtSess.OpenStreamSync(dialCtx)
	if err != nil {
		wtSess.CloseWithError(0, "open keep-alive stream failed")
		return nil, fmt.Errorf("transport: open keep-alive stream: %w", err)
	}
	return &Session{wt: wtSess, control: control, keepAlive: keepAlive}, nil
}

// SendReliable frames payload with the wire length prefix and writes it to
// the control stream.
func (s *Session) SendReliable(payload []byte) error {
	s.ctrlWriteMu.Lock()
	defer s.ctrlWriteMu.Unlock()
	return wire.WritePacket(s.control, payload)
}

// RecvReliable reads the next length-prefixed payload from the control
// stream. Single-reader only.
func (s *Session) RecvReliable() ([]byte, error) {
	return wire.ReadPacket(s.control)
}

// SendKeepAlive frames payload and writes it to the dedicated keep-alive
// stream.
func (s *Session) SendKeepAlive(payload []byte) error {
	s.kaWriteMu.Lock()
	defer s.kaWriteMu.Unlock()
	return wire.WritePacket(s.keepAlive, payload)
}

// RecvKeepAlive reads the next length-prefixed payload from the keep-alive
// stream. Single-reader only.
func (s *Session) RecvKeepAlive() ([]byte, error) {
	return wire.ReadPacket(s.keepAlive)
}

// SendUnreliable sends one unreliable datagram (an outbound audio frame).
func (s *Session) SendUnreliable(payload []byte) error {
	return s.wt.SendDatagram(payload)
}

// RecvUnreliable blocks for the next inbound audio datagram or ctx
// cancellation.
func (s *Session) RecvUnreliable(ctx context.Context) ([]byte, error) {
	return s.wt.ReceiveDatagram(ctx)
}

// Close tears down the underlying WebTransport session.
func (s *Session) Close(code webtransport.SessionErrorCode, reason string) error {
	return s.wt.CloseWithError(code, reason)
}

// Context is canceled when the underlying session closes.
func (s *Session) Context() context.Context {
	return s.wt.Context()
}
