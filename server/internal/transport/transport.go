// Package transport wraps a QUIC/WebTransport session in the three logical
// streams the protocol needs: a reliable control stream (opened first), a
// reliable keep-alive stream (opened second), and unreliable datagrams for
// audio. It mirrors the teacher's server/client.go session-acceptance shape
// (handleClient takes a single already-established *webtransport.Session and
// derives everything else from it), generalized from the ad-hoc JSON "join"
// handshake to an explicit two-stream-then-datagrams contract.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"voicechat/server/internal/wire"
)

// handshakeStreamTimeout bounds how long a newly upgraded session has to
// open its control and keep-alive streams before it is dropped.
const handshakeStreamTimeout = 10 * time.Second

// quicConfig is shared by the listener and every dialed test client: both
// datagrams and partial stream resets must be enabled for the protocol's
// unreliable audio channel and control-stream framing to work.
func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:                  true,
		EnableStreamResetPartialDelivery: true,
	}
}

// Session is one authenticated-or-authenticating connection's transport
// surface. SendReliable/SendKeepAlive may be called concurrently with
// themselves (internally serialized); RecvReliable/RecvKeepAlive must each
// only ever be called from one goroutine at a time, matching the teacher's
// single readControl-loop-per-stream assumption.
type Session struct {
	wt        *webtransport.Session
	control   *webtransport.Stream
	keepAlive *webtransport.Stream

	ctrlWriteMu sync.Mutex
	kaWriteMu   sync.Mutex
}

func newSession(wt *webtransport.Session, control, keepAlive *webtransport.Stream) *Session {
	return &Session{wt: wt, control: control, keepAlive: keepAlive}
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
// stream, kept separate from control traffic so a congested control stream
// never starves liveness checks.
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

// SendUnreliable sends one unreliable datagram (an audio frame).
func (s *Session) SendUnreliable(payload []byte) error {
	return s.wt.SendDatagram(payload)
}

// RecvUnreliable blocks for the next datagram or ctx cancellation.
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

// Listener accepts incoming sessions over HTTP/3 + WebTransport, performing
// the control-stream-then-keepalive-stream handshake before handing the
// session to Accept's caller.
type Listener struct {
	wt     *webtransport.Server
	accept chan acceptResult
}

type acceptResult struct {
	sess *Session
	err  error
}

// Listen starts an HTTP/3 listener at addr with tlsConfig and returns a
// Listener whose Accept method yields fully negotiated Sessions. Serve must
// be run (typically in its own goroutine) for connections to actually be
// accepted.
func Listen(addr string, tlsConfig *tls.Config) (*Listener, error) {
	l := &Listener{accept: make(chan acceptResult, 32)}

	mux := http.NewServeMux()
	l.wt = &webtransport.Server{
		H3: http3.Server{
			Addr:       addr,
			TLSConfig:  tlsConfig,
			Handler:    mux,
			QUICConfig: quicConfig(),
		},
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux.HandleFunc("/", l.handleUpgrade)
	return l, nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wtSess, err := l.wt.Upgrade(w, r)
	if err != nil {
		log.Printf("[transport] webtransport upgrade failed: %v", err)
		http.Error(w, "upgrade failed", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), handshakeStreamTimeout)
	defer cancel()

	control, err := wtSess.AcceptStream(ctx)
	if err != nil {
		log.Printf("[transport] accept control stream: %v", err)
		wtSess.CloseWithError(0, "control stream not opened")
		return
	}
	keepAlive, err := wtSess.AcceptStream(ctx)
	if err != nil {
		log.Printf("[transport] accept keep-alive stream: %v", err)
		wtSess.CloseWithError(0, "keep-alive stream not opened")
		return
	}

	l.accept <- acceptResult{sess: newSession(wtSess, control, keepAlive)}
}

// Accept blocks until a session has completed its two-stream handshake, ctx
// is canceled, or the listener is closed.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	select {
	case r, ok := <-l.accept:
		if !ok {
			return nil, fmt.Errorf("transport: listener closed")
		}
		return r.sess, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve blocks, accepting connections until the listener is closed.
func (l *Listener) Serve() error {
	return l.wt.ListenAndServe()
}

// Close shuts the listener down, unblocking any pending Accept callers.
func (l *Listener) Close() error {
	err := l.wt.Close()
	close(l.accept)
	return err
}

// Dial opens a new session to addr (host:port, no scheme) performing the
// control-then-keepalive stream handshake from the initiating side, for an
// in-process client harness; nothing in the server module calls it. The
// standalone client binary has its own dialer in client/internal/transport
// with identical stream ordering.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*Session, error) {
	d := webtransport.Dialer{
		TLSClientConfig: tlsConfig,
		QUICConfig:      quicConfig(),
	}
	_, wtSess, err := d.Dial(ctx, "https://"+addr, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	control, err := wtSess.OpenStream()
	if err != nil {
		wtSess.CloseWithError(0, "open control stream failed")
		return nil, fmt.Errorf("transport: open control stream: %w", err)
	}
	keepAlive, err := wtSess.OpenStream()
	if err != nil {
		wtSess.CloseWithError(0, "open keep-alive stream failed")
		return nil, fmt.Errorf("transport: open keep-alive stream: %w", err)
	}
	return newSession(wtSess, control, keepAlive), nil
}
